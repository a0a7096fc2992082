package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/kcauth/internal/auth"
	"github.com/terraconstructs/kcauth/internal/repository"
)

type fakeAuthenticator struct {
	id       *auth.Identity
	err      error
	calls    int
	token    string
	required []string
}

func (f *fakeAuthenticator) Authenticate(_ context.Context, raw string, required []string) (*auth.Identity, error) {
	f.calls++
	f.token = raw
	f.required = required
	if f.err != nil {
		return nil, f.err
	}
	if err := auth.Authorize(required, f.id.Roles); err != nil {
		return nil, err
	}
	return f.id, nil
}

func echoIdentity(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"id": id.ID, "roles": id.Roles})
	})
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestAuthenticate_StoresIdentity(t *testing.T) {
	fa := &fakeAuthenticator{id: &auth.Identity{ID: "u1", Roles: []string{"admin"}}}
	h := Authenticate(fa)(echoIdentity(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc.def.ghi", fa.token)
	assert.JSONEq(t, `{"id":"u1","roles":["admin"]}`, rec.Body.String())
}

func TestAuthenticate_MissingHeader(t *testing.T) {
	fa := &fakeAuthenticator{}
	h := Authenticate(fa)(echoIdentity(t))

	for _, header := range []string{"", "Basic dXNlcjpwYXNz", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
		assert.Contains(t, errorBody(t, rec), "bearer token")
	}
	assert.Zero(t, fa.calls)
}

func TestAuthenticate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		challenge string
		message   string
	}{
		{
			name:      "invalid token",
			err:       &auth.InvalidTokenError{Reason: "token has expired"},
			status:    http.StatusUnauthorized,
			challenge: `Bearer error="invalid_token"`,
			message:   "invalid token: token has expired",
		},
		{
			name:    "forbidden",
			err:     &auth.InsufficientPermissionsError{Required: []string{"admin"}},
			status:  http.StatusForbidden,
			message: "forbidden",
		},
		{
			name:    "key fetch failure",
			err:     &auth.FetchError{URL: "https://sso/certs", Err: errors.New("connection refused")},
			status:  http.StatusServiceUnavailable,
			message: "identity provider unavailable",
		},
		{
			name:    "storage failure",
			err:     &repository.StorageError{Op: "sync identity", Err: errors.New("disk full")},
			status:  http.StatusInternalServerError,
			message: "internal error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Authenticate(&fakeAuthenticator{err: tt.err})(echoIdentity(t))
			req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
			req.Header.Set("Authorization", "Bearer tok")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.challenge, rec.Header().Get("WWW-Authenticate"))
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.message, errorBody(t, rec))
		})
	}
}

func TestAuthenticate_SkipsHealthAndPreflight(t *testing.T) {
	fa := &fakeAuthenticator{}
	h := Authenticate(fa)(echoIdentity(t))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodOptions, "/v1/me", nil),
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Zero(t, fa.calls)
}

func TestAuthenticate_AlternateHeader(t *testing.T) {
	fa := &fakeAuthenticator{id: &auth.Identity{ID: "u1"}}
	h := Authenticate(fa, WithTokenString("X-Forwarded-Access-Token", ""))(echoIdentity(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("X-Forwarded-Access-Token", "Bearer forwarded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "forwarded", fa.token)
}

func TestAuthenticate_RequiredRolesPassedThrough(t *testing.T) {
	fa := &fakeAuthenticator{id: &auth.Identity{ID: "u1", Roles: []string{"viewer"}}}
	h := Authenticate(fa, WithRequiredRoles("admin"))(echoIdentity(t))

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, []string{"admin"}, fa.required)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequireRoles(t *testing.T) {
	fa := &fakeAuthenticator{id: &auth.Identity{ID: "u1", Roles: []string{"viewer"}}}

	var logs bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &logs, Level: hclog.Debug})

	allowed := Authenticate(fa)(RequireRoles(nil, "admin", "viewer")(echoIdentity(t)))
	denied := Authenticate(fa)(RequireRoles(logger, "admin", "auditor")(echoIdentity(t)))

	req := httptest.NewRequest(http.MethodGet, "/v1/users/u2/roles", nil)
	req.Header.Set("Authorization", "Bearer tok")

	rec := httptest.NewRecorder()
	allowed.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	denied.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", errorBody(t, rec))
	assert.NotContains(t, rec.Body.String(), "auditor", "required roles must not leak to the caller")
	assert.Contains(t, logs.String(), "auditor", "required roles are logged instead")

	rec = httptest.NewRecorder()
	RequireRoles(nil, "admin")(echoIdentity(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no identity on context")
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
	assert.Len(t, seen, 36)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
}
