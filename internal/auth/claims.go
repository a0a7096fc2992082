package auth

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mitchellh/mapstructure"
)

// TokenClaims is the typed payload of a verified token.
type TokenClaims struct {
	Subject   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time

	// PreferredUsername and Email are empty when absent.
	PreferredUsername string
	Email             string

	// RealmRoles holds realm_access.roles, plus client roles when enabled.
	// Deduplicated and sorted.
	RealmRoles []string
}

// keycloakClaims mirrors the nested role claims Keycloak puts in access tokens.
type keycloakClaims struct {
	PreferredUsername string `mapstructure:"preferred_username"`
	Email             string `mapstructure:"email"`
	RealmAccess       struct {
		Roles []string `mapstructure:"roles"`
	} `mapstructure:"realm_access"`
	ResourceAccess map[string]struct {
		Roles []string `mapstructure:"roles"`
	} `mapstructure:"resource_access"`
}

// decodeClaims extracts TokenClaims from already validated map claims.
func decodeClaims(mc jwt.MapClaims, clientID string, includeClientRoles bool) (*TokenClaims, error) {
	sub, err := mc.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("sub claim: %w", err)
	}
	if sub == "" {
		return nil, errors.New("sub claim is missing")
	}

	iss, _ := mc.GetIssuer()
	aud, _ := mc.GetAudience()

	out := &TokenClaims{
		Subject:  sub,
		Issuer:   iss,
		Audience: []string(aud),
	}
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, _ := mc.GetIssuedAt(); iat != nil {
		out.IssuedAt = iat.Time
	}

	var kc keycloakClaims
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &kc,
		WeaklyTypedInput: false,
	})
	if err != nil {
		return nil, fmt.Errorf("create claims decoder: %w", err)
	}
	if err := decoder.Decode(map[string]interface{}(mc)); err != nil {
		return nil, fmt.Errorf("decode role claims: %w", err)
	}

	out.PreferredUsername = kc.PreferredUsername
	out.Email = kc.Email

	roles := kc.RealmAccess.Roles
	if includeClientRoles {
		if client, ok := kc.ResourceAccess[clientID]; ok {
			roles = append(roles, client.Roles...)
		}
	}
	out.RealmRoles = NormalizeRoles(roles)

	return out, nil
}

// NormalizeRoles drops empty and duplicate roles and sorts the result. The
// result is never nil.
func NormalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
