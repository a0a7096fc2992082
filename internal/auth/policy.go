package auth

// HasAnyRole reports whether have intersects required. An empty required set
// allows every identity.
func HasAnyRole(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	held := make(map[string]struct{}, len(have))
	for _, r := range have {
		held[r] = struct{}{}
	}
	for _, r := range required {
		if _, ok := held[r]; ok {
			return true
		}
	}
	return false
}

// Authorize returns an InsufficientPermissionsError when HasAnyRole fails.
func Authorize(required, have []string) error {
	if HasAnyRole(required, have) {
		return nil
	}
	return &InsufficientPermissionsError{Required: append([]string(nil), required...)}
}
