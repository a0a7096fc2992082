package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/xenitab/go-oidc-middleware/oidctoken"
	"github.com/xenitab/go-oidc-middleware/options"

	"github.com/terraconstructs/kcauth/internal/auth"
)

// Authenticator runs the full authentication pipeline for a raw bearer token.
// *identity.Service implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string, required []string) (*auth.Identity, error)
}

// Skipper defines a function to skip authentication for matching requests.
type Skipper func(*http.Request) bool

// ErrorResponder writes authentication failures to the response writer.
type ErrorResponder func(http.ResponseWriter, *http.Request, error)

type authnOptions struct {
	skipper        Skipper
	errorResponder ErrorResponder
	tokenStrings   [][]options.TokenStringOption
	required       []string
	logger         hclog.Logger
}

// Option customises the Authenticate middleware.
type Option func(*authnOptions)

// WithSkipper overrides the default skipper.
func WithSkipper(skipper Skipper) Option {
	return func(o *authnOptions) {
		if skipper != nil {
			o.skipper = skipper
		}
	}
}

// WithErrorResponder overrides the default error responder.
func WithErrorResponder(responder ErrorResponder) Option {
	return func(o *authnOptions) {
		if responder != nil {
			o.errorResponder = responder
		}
	}
}

// WithTokenString configures an alternate header and prefix that should be
// treated as a bearer token. The Authorization header is always tried last.
func WithTokenString(header, prefix string) Option {
	if prefix == "" {
		prefix = "Bearer "
	}
	return func(o *authnOptions) {
		o.tokenStrings = append(o.tokenStrings, []options.TokenStringOption{
			options.WithTokenStringHeaderName(header),
			options.WithTokenStringTokenPrefix(prefix),
		})
	}
}

// WithRequiredRoles makes every request through the middleware require one of
// roles. Use RequireRoles for per-route requirements.
func WithRequiredRoles(roles ...string) Option {
	return func(o *authnOptions) {
		o.required = append(o.required, roles...)
	}
}

// WithLogger sets the logger used for rejected requests.
func WithLogger(l hclog.Logger) Option {
	return func(o *authnOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// Authenticate returns a chi-compatible middleware that extracts the bearer
// token, runs it through the authenticator and stores the resulting identity
// on the request context.
func Authenticate(authn Authenticator, opts ...Option) func(http.Handler) http.Handler {
	o := authnOptions{
		skipper:        DefaultSkipper,
		errorResponder: WriteAuthError,
		logger:         hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	tokenStrings := make([][]options.TokenStringOption, 0, len(o.tokenStrings)+1)
	tokenStrings = append(tokenStrings, o.tokenStrings...)
	tokenStrings = append(tokenStrings, []options.TokenStringOption{}) // Default: Authorization header.

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skipper != nil && o.skipper(r) {
				next.ServeHTTP(w, r)
				return
			}

			token, err := oidctoken.GetTokenString(r.Header.Get, tokenStrings)
			token = strings.TrimSpace(token)
			if err != nil || token == "" {
				if err == nil {
					err = errors.New("empty token")
				}
				o.errorResponder(w, r, &MissingTokenError{Err: err})
				return
			}

			id, err := authn.Authenticate(r.Context(), token, o.required)
			if err != nil {
				o.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
				o.errorResponder(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRoles rejects requests whose identity holds none of roles. It must be
// mounted behind Authenticate. A nil logger discards the rejection details.
func RequireRoles(logger hclog.Logger, roles ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				WriteAuthError(w, r, &MissingTokenError{Err: errors.New("no identity on request")})
				return
			}
			if err := auth.Authorize(roles, id.Roles); err != nil {
				logger.Debug("request forbidden", "method", r.Method, "path", r.URL.Path, "user", id.ID, "error", err)
				WriteAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MissingTokenError is returned when no bearer token could be extracted.
type MissingTokenError struct {
	Err error
}

func (e *MissingTokenError) Error() string {
	return fmt.Sprintf("unable to extract bearer token: %v", e.Err)
}

func (e *MissingTokenError) Unwrap() error { return e.Err }

// StatusFor maps an authentication error to its HTTP status code.
func StatusFor(err error) int {
	var (
		missing *MissingTokenError
		invalid *auth.InvalidTokenError
		perm    *auth.InsufficientPermissionsError
		fetch   *auth.FetchError
	)
	switch {
	case errors.As(err, &missing), errors.As(err, &invalid):
		return http.StatusUnauthorized
	case errors.As(err, &perm):
		return http.StatusForbidden
	case errors.As(err, &fetch):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// WriteAuthError is the default ErrorResponder. Only 401 bodies carry the
// error text; the others use fixed messages so role names and upstream details
// stay out of responses.
func WriteAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	status := StatusFor(err)

	msg := err.Error()
	switch status {
	case http.StatusUnauthorized:
		var invalid *auth.InvalidTokenError
		if errors.As(err, &invalid) {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		} else {
			w.Header().Set("WWW-Authenticate", "Bearer")
		}
	case http.StatusForbidden:
		msg = "forbidden"
	case http.StatusServiceUnavailable:
		msg = "identity provider unavailable"
	case http.StatusInternalServerError:
		msg = "internal error"
	}

	WriteJSON(w, status, map[string]string{"error": msg})
}

// WriteJSON writes v as a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DefaultSkipper skips CORS preflight requests and the health endpoint.
func DefaultSkipper(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.Method == http.MethodOptions {
		return true
	}
	return r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/health/")
}
