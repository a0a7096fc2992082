package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrKeyNotFound is returned by KeyResolver.GetKey when no key in the current
// set carries the requested kid.
var ErrKeyNotFound = errors.New("signing key not found")

// InvalidTokenError is returned for any token that fails parsing, signature
// or claim validation. It maps to HTTP 401.
type InvalidTokenError struct {
	Reason string
	Err    error
}

func (e *InvalidTokenError) Error() string {
	return "invalid token: " + e.Reason
}

func (e *InvalidTokenError) Unwrap() error { return e.Err }

// InsufficientPermissionsError is returned when a valid identity holds none of
// the required roles. It maps to HTTP 403.
type InsufficientPermissionsError struct {
	Required []string
}

func (e *InsufficientPermissionsError) Error() string {
	return fmt.Sprintf("insufficient permissions: requires one of [%s]", strings.Join(e.Required, ", "))
}

// FetchError reports a failure to obtain the key set from the identity provider.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func invalidToken(reason string, err error) error {
	return &InvalidTokenError{Reason: reason, Err: err}
}
