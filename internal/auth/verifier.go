package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
)

// KeySource resolves a verification key by kid. *KeyResolver implements it.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (SigningKey, error)
}

type verifierOptions struct {
	leeway      time.Duration
	algorithms  []string
	clientRoles bool
	logger      hclog.Logger
	now         func() time.Time
}

// VerifierOption customises Verifier.
type VerifierOption func(*verifierOptions)

// WithLeeway sets the clock skew tolerated on exp, nbf and iat.
func WithLeeway(d time.Duration) VerifierOption {
	return func(o *verifierOptions) { o.leeway = d }
}

// WithAlgorithms sets the JWS algorithm allow-list.
func WithAlgorithms(algs ...string) VerifierOption {
	return func(o *verifierOptions) {
		if len(algs) > 0 {
			o.algorithms = append([]string(nil), algs...)
		}
	}
}

// WithClientRoles merges resource_access.<client_id>.roles into the role set.
func WithClientRoles(enabled bool) VerifierOption {
	return func(o *verifierOptions) { o.clientRoles = enabled }
}

// WithVerifierLogger sets the verifier logger.
func WithVerifierLogger(l hclog.Logger) VerifierOption {
	return func(o *verifierOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides the time source used for exp/iat checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(o *verifierOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// Verifier validates realm-issued bearer tokens.
type Verifier struct {
	keys     KeySource
	issuer   string
	audience string
	opts     verifierOptions
	parser   *jwt.Parser
}

// NewVerifier returns a verifier pinned to issuer and audience.
func NewVerifier(keys KeySource, issuer, audience string, opts ...VerifierOption) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if audience == "" {
		return nil, errors.New("audience is required")
	}

	o := verifierOptions{
		leeway:     30 * time.Second,
		algorithms: []string{jwt.SigningMethodRS256.Alg()},
		logger:     hclog.NewNullLogger(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	for _, alg := range o.algorithms {
		if strings.EqualFold(alg, "none") || jwt.GetSigningMethod(alg) == nil {
			return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
		}
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(o.algorithms),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithLeeway(o.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(o.now),
	)

	return &Verifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		opts:     o,
		parser:   parser,
	}, nil
}

// Issuer returns the pinned issuer.
func (v *Verifier) Issuer() string { return v.issuer }

// Verify checks signature, algorithm, issuer, audience, expiry and issued-at,
// and returns the typed claims. Failures are *InvalidTokenError, except key
// set fetch failures which surface as *FetchError.
func (v *Verifier) Verify(ctx context.Context, raw string) (*TokenClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, invalidToken("token is empty", nil)
	}

	var fetchErr *FetchError
	mapClaims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(raw, mapClaims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		key, err := v.keys.GetKey(ctx, kid)
		if err != nil {
			if errors.As(err, &fetchErr) {
				return nil, err
			}
			return nil, fmt.Errorf("public key not found: %w", err)
		}
		if key.Algorithm != "" && key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("token alg %s does not match key alg %s", t.Method.Alg(), key.Algorithm)
		}
		return key.Key, nil
	})
	if fetchErr != nil {
		return nil, fetchErr
	}
	if err != nil {
		reason := rejectionReason(err)
		v.opts.logger.Debug("token rejected", "reason", reason)
		return nil, invalidToken(reason, err)
	}

	claims, err := decodeClaims(mapClaims, v.audience, v.opts.clientRoles)
	if err != nil {
		v.opts.logger.Debug("token rejected", "reason", err.Error())
		return nil, invalidToken(err.Error(), err)
	}
	return claims, nil
}

// rejectionReason turns jwt validation errors into a short human reason.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	case errors.Is(err, ErrKeyNotFound):
		return "public key not found"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		// jwt reports a method outside the allow-list as an invalid signature.
		if strings.Contains(err.Error(), "signing method") {
			return "signing algorithm not allowed"
		}
		return "signature verification failed"
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token has expired"
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "token used before issued"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "token is not valid yet"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "issuer mismatch"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "audience mismatch"
	default:
		return err.Error()
	}
}
