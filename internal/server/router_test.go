package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraconstructs/kcauth/internal/auth"
	"github.com/terraconstructs/kcauth/internal/db/bunx"
	"github.com/terraconstructs/kcauth/internal/migrations"
	"github.com/terraconstructs/kcauth/internal/repository"
	"github.com/terraconstructs/kcauth/internal/services/identity"
)

const (
	testIssuer   = "https://sso.example.com/realms/acme"
	testClientID = "orders-api"
)

type testEnv struct {
	handler http.Handler
	priv    *rsa.PrivateKey
	jwks    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithAdmins(t, "admin")
}

func newTestEnvWithAdmins(t *testing.T, adminRoles ...string) *testEnv {
	t.Helper()
	ctx := context.Background()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
			{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"},
		}})
	}))
	t.Cleanup(jwks.Close)

	verifier, err := auth.NewVerifier(auth.NewKeyResolver(jwks.URL), testIssuer, testClientID)
	require.NoError(t, err)

	db, err := bunx.NewDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = bunx.Close(db) })
	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)

	repo := repository.NewBunIdentityRepository(db)
	handler := NewH2CHandler(RouterOptions{
		Authenticator: identity.NewService(verifier, repo),
		Directory:     repo,
		AdminRoles:    adminRoles,
	})
	return &testEnv{handler: handler, priv: priv, jwks: jwks}
}

func (e *testEnv) token(t *testing.T, sub string, roles ...string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":                sub,
		"iss":                testIssuer,
		"aud":                testClientID,
		"exp":                time.Now().Add(5 * time.Minute).Unix(),
		"iat":                time.Now().Unix(),
		"preferred_username": sub + "-name",
		"realm_access":       map[string]any{"roles": roles},
	})
	tok.Header["kid"] = "k1"
	raw, err := tok.SignedString(e.priv)
	require.NoError(t, err)
	return raw
}

func (e *testEnv) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_HealthIsPublic(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_Me(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/v1/me", env.token(t, "u1", "viewer", "admin"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body MeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "u1", body.ID)
	assert.Equal(t, "u1-name", body.Username)
	assert.Equal(t, []string{"admin", "viewer"}, body.Roles)
	assert.NotNil(t, body.LastSyncedAt)
}

func TestRouter_MeRequiresToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.get(t, "/v1/me", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.get(t, "/v1/me", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))
}

func TestRouter_UserRolesRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)

	// Sync the target user first.
	require.Equal(t, http.StatusOK, env.get(t, "/v1/me", env.token(t, "u2", "viewer")).Code)

	rec := env.get(t, "/v1/users/u2/roles", env.token(t, "u3", "viewer"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden"}`, rec.Body.String())

	rec = env.get(t, "/v1/users/u2/roles", env.token(t, "u1", "admin"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"id":"u2","roles":["viewer"]}`, rec.Body.String())

	rec = env.get(t, "/v1/users/nobody/roles", env.token(t, "u1", "admin"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_UserRolesNotServedWithoutAdminRoles(t *testing.T) {
	env := newTestEnvWithAdmins(t)

	require.Equal(t, http.StatusOK, env.get(t, "/v1/me", env.token(t, "victim", "admin")).Code)

	for _, tok := range []string{env.token(t, "caller", "viewer"), env.token(t, "caller", "admin")} {
		rec := env.get(t, "/v1/users/victim/roles", tok)
		assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		assert.NotContains(t, rec.Body.String(), "victim")
	}

	// The rest of /v1 stays mounted.
	assert.Equal(t, http.StatusOK, env.get(t, "/v1/me", env.token(t, "caller", "viewer")).Code)
}

func TestRouter_KeyFetchFailureIs503(t *testing.T) {
	env := newTestEnv(t)
	env.jwks.Close()

	rec := env.get(t, "/v1/me", env.token(t, "u1", "admin"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(ln.Addr().String(), NewRouter(RouterOptions{}), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(ShutdownTimeout):
		t.Fatal("server did not stop")
	}
}
