package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jwksServer serves a mutable JWKS document and counts requests.
type jwksServer struct {
	*httptest.Server
	mu      sync.Mutex
	keys    []jose.JSONWebKey
	status  int
	delay   time.Duration
	fetches atomic.Int32
}

func newJWKSServer(t *testing.T, keys ...jose.JSONWebKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.fetches.Add(1)
		s.mu.Lock()
		keys, status, delay := s.keys, s.status, s.delay
		s.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) setKeys(keys ...jose.JSONWebKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = keys
}

func (s *jwksServer) setStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *jwksServer) setDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// testKey is an RSA key pair with its advertised kid.
type testKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newTestKey(t *testing.T, kid string) testKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return testKey{kid: kid, priv: priv}
}

func (k testKey) jwk() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.priv.PublicKey, KeyID: k.kid, Algorithm: "RS256", Use: "sig"}
}

func (k testKey) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = k.kid
	s, err := tok.SignedString(k.priv)
	require.NoError(t, err)
	return s
}

func TestKeyResolver_LoadsLazily(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL)
	assert.Nil(t, r.Keys())
	assert.Zero(t, srv.fetches.Load())

	key, err := r.GetKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "k1", key.KeyID)
	assert.Equal(t, "RS256", key.Algorithm)

	_, err = r.GetKey(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.fetches.Load(), "key set must be cached")
	assert.Equal(t, 1, r.Keys().Len())
}

func TestKeyResolver_RefetchOnMissPicksUpRotation(t *testing.T) {
	k1 := newTestKey(t, "k1")
	k2 := newTestKey(t, "k2")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL)
	_, err := r.GetKey(context.Background(), "k1")
	require.NoError(t, err)

	srv.setKeys(k1.jwk(), k2.jwk())

	key, err := r.GetKey(context.Background(), "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", key.KeyID)
	assert.Equal(t, int32(2), srv.fetches.Load())
}

func TestKeyResolver_MissWithoutRefetch(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL, WithRefetchOnMiss(false))
	_, err := r.GetKey(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	assert.Equal(t, int32(1), srv.fetches.Load())
}

func TestKeyResolver_UnknownKidOnColdCacheFetchesOnce(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL)
	_, err := r.GetKey(context.Background(), "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(1), srv.fetches.Load(), "a set loaded by the lookup must not be refetched")
}

func TestKeyResolver_UnknownKidOnWarmCacheRefetchesOnce(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	_, err = r.GetKey(context.Background(), "missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(2), srv.fetches.Load())
}

func TestKeyResolver_UnknownKidRefetchesAreRateLimited(t *testing.T) {
	k1 := newTestKey(t, "k1")
	k2 := newTestKey(t, "k2")
	srv := newJWKSServer(t, k1.jwk())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewKeyResolver(srv.URL,
		WithMinRefetchInterval(time.Minute),
		WithKeyClock(func() time.Time { return now }))
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		_, err := r.GetKey(ctx, fmt.Sprintf("forged-%d", i))
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int32(2), srv.fetches.Load(), "only the first miss may reach the identity provider")

	// Known keys keep resolving while the limit is spent.
	_, err = r.GetKey(ctx, "k1")
	require.NoError(t, err)

	srv.setKeys(k1.jwk(), k2.jwk())
	_, err = r.GetKey(ctx, "k2")
	require.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, int32(2), srv.fetches.Load())

	now = now.Add(time.Minute)
	key, err := r.GetKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2", key.KeyID)
	assert.Equal(t, int32(3), srv.fetches.Load())
}

func TestKeyResolver_ZeroRefetchIntervalDisablesLimit(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL, WithMinRefetchInterval(0))
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := r.GetKey(context.Background(), "missing")
		require.ErrorIs(t, err, ErrKeyNotFound)
	}
	assert.Equal(t, int32(4), srv.fetches.Load())
}

func TestKeyResolver_ExplicitRefreshIgnoresLimit(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL, WithMinRefetchInterval(time.Hour))
	for i := 0; i < 3; i++ {
		_, err := r.Refresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), srv.fetches.Load())
}

func TestKeyResolver_ConcurrentMissesShareOneRefetch(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL)
	_, err := r.Refresh(context.Background())
	require.NoError(t, err)

	srv.setDelay(100 * time.Millisecond)

	const workers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := r.GetKey(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(2), srv.fetches.Load())
}

func TestKeyResolver_SkipsUnusableKeys(t *testing.T) {
	sig := newTestKey(t, "sig")
	enc := newTestKey(t, "enc")
	encJWK := enc.jwk()
	encJWK.Use = "enc"
	private := newTestKey(t, "private")

	srv := newJWKSServer(t, sig.jwk(), encJWK, jose.JSONWebKey{Key: private.priv, KeyID: "private", Algorithm: "RS256", Use: "sig"})

	r := NewKeyResolver(srv.URL)
	set, err := r.Refresh(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, set.Len())
	_, ok := set.Lookup("sig")
	assert.True(t, ok)
	_, ok = set.Lookup("enc")
	assert.False(t, ok)
	_, ok = set.Lookup("private")
	assert.False(t, ok)
}

func TestKeyResolver_SkipsUndecodableEntries(t *testing.T) {
	k1 := newTestKey(t, "k1")
	good, err := json.Marshal(k1.jwk())
	require.NoError(t, err)
	doc := `{"keys":[{"kty":"XYZ","kid":"weird"},` + string(good) + `]}`

	set, err := parseKeySet([]byte(doc), hclog.NewNullLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, set.Len())
	_, ok := set.Lookup("weird")
	assert.False(t, ok)
}

func TestKeyResolver_NoUsableKeysIsFetchError(t *testing.T) {
	srv := newJWKSServer(t)

	r := NewKeyResolver(srv.URL)
	_, err := r.GetKey(context.Background(), "k1")

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, srv.URL, fetchErr.URL)
	assert.Contains(t, err.Error(), "no usable signing keys")
}

func TestKeyResolver_FetchFailureKeepsLastGoodSet(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL)
	first, err := r.Refresh(context.Background())
	require.NoError(t, err)

	srv.setStatus(http.StatusServiceUnavailable)
	_, err = r.Refresh(context.Background())
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, err.Error(), "unexpected status 503")

	assert.Same(t, first, r.Keys())
	_, err = r.GetKey(context.Background(), "k1")
	assert.NoError(t, err)
}

func TestKeyResolver_FetchTimeout(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())
	srv.setDelay(200 * time.Millisecond)

	r := NewKeyResolver(srv.URL, WithFetchTimeout(20*time.Millisecond))
	_, err := r.GetKey(context.Background(), "k1")

	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyResolver_RunRefreshesUntilCancelled(t *testing.T) {
	k1 := newTestKey(t, "k1")
	srv := newJWKSServer(t, k1.jwk())

	r := NewKeyResolver(srv.URL, WithRefreshInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return srv.fetches.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not stop after cancel")
	}
	assert.Equal(t, 1, r.Keys().Len())
}

func TestKeyResolver_RunWithoutIntervalReturns(t *testing.T) {
	r := NewKeyResolver("http://127.0.0.1:0")
	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run must return when no interval is configured")
	}
}
