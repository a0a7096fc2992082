package auth

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/terraconstructs/kcauth/internal/telemetry"
)

// maxJWKSBytes caps the JWKS response body.
const maxJWKSBytes = 1 << 20

// DefaultMinRefetchInterval is the minimum spacing of refetches triggered by
// unknown kids.
const DefaultMinRefetchInterval = 10 * time.Second

// SigningKey is one public verification key published by the realm.
type SigningKey struct {
	KeyID string
	// Algorithm is the alg declared by the JWK, empty when the JWK omits it.
	Algorithm string
	Key       crypto.PublicKey
}

// KeySet is an immutable snapshot of the realm keys from one fetch.
type KeySet struct {
	keys      map[string]SigningKey
	FetchedAt time.Time
}

// Lookup returns the key with the exact kid.
func (s *KeySet) Lookup(kid string) (SigningKey, bool) {
	if s == nil {
		return SigningKey{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of usable keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the keys ordered by kid.
func (s *KeySet) Keys() []SigningKey {
	if s == nil {
		return nil
	}
	out := make([]SigningKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// KeyResolver fetches and caches the realm JWKS. The current KeySet is
// published through an atomic pointer and replaced wholesale on refresh, so
// lookups never lock.
type KeyResolver struct {
	url             string
	client          *http.Client
	fetchTimeout    time.Duration
	refetchOnMiss   bool
	refreshInterval time.Duration
	logger          hclog.Logger
	metrics         *telemetry.AuthMetrics
	now             func() time.Time
	// limiter gates miss-triggered refetches; explicit refreshes bypass it.
	limiter *rate.Limiter

	current atomic.Pointer[KeySet]
	// fetchMu serializes fetches so concurrent misses share one request.
	fetchMu sync.Mutex
}

// KeyResolverOption configures a KeyResolver.
type KeyResolverOption func(*KeyResolver)

// WithHTTPClient overrides the pooled cleanhttp client.
func WithHTTPClient(c *http.Client) KeyResolverOption {
	return func(r *KeyResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithFetchTimeout bounds each JWKS request.
func WithFetchTimeout(d time.Duration) KeyResolverOption {
	return func(r *KeyResolver) { r.fetchTimeout = d }
}

// WithRefetchOnMiss controls whether an unknown kid triggers one refetch.
func WithRefetchOnMiss(enabled bool) KeyResolverOption {
	return func(r *KeyResolver) { r.refetchOnMiss = enabled }
}

// WithMinRefetchInterval spaces out refetches caused by unknown kids. Zero or
// negative disables the limit.
func WithMinRefetchInterval(d time.Duration) KeyResolverOption {
	return func(r *KeyResolver) { r.limiter = newRefetchLimiter(d) }
}

// WithKeyClock overrides the clock used for FetchedAt and the refetch limit.
func WithKeyClock(now func() time.Time) KeyResolverOption {
	return func(r *KeyResolver) {
		if now != nil {
			r.now = now
		}
	}
}

func newRefetchLimiter(d time.Duration) *rate.Limiter {
	if d <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(d), 1)
}

// WithRefreshInterval sets the period used by Run. Zero disables it.
func WithRefreshInterval(d time.Duration) KeyResolverOption {
	return func(r *KeyResolver) { r.refreshInterval = d }
}

// WithKeyLogger sets the resolver logger.
func WithKeyLogger(l hclog.Logger) KeyResolverOption {
	return func(r *KeyResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithKeyMetrics records fetch outcomes on m.
func WithKeyMetrics(m *telemetry.AuthMetrics) KeyResolverOption {
	return func(r *KeyResolver) { r.metrics = m }
}

// NewKeyResolver returns a resolver for the JWKS document at jwksURL. Nothing
// is fetched until the first lookup or an explicit Refresh.
func NewKeyResolver(jwksURL string, opts ...KeyResolverOption) *KeyResolver {
	r := &KeyResolver{
		url:           jwksURL,
		client:        cleanhttp.DefaultPooledClient(),
		fetchTimeout:  10 * time.Second,
		refetchOnMiss: true,
		logger:        hclog.NewNullLogger(),
		now:           time.Now,
		limiter:       newRefetchLimiter(DefaultMinRefetchInterval),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// URL returns the JWKS endpoint.
func (r *KeyResolver) URL() string { return r.url }

// Keys returns the current snapshot, nil before the first fetch.
func (r *KeyResolver) Keys() *KeySet { return r.current.Load() }

// GetKey returns the key for kid, loading the set on first use. On a miss the
// set is refetched once when enabled and the refetch limit allows it, then
// ErrKeyNotFound is returned. A set loaded by this call is not refetched.
func (r *KeyResolver) GetKey(ctx context.Context, kid string) (SigningKey, error) {
	set := r.current.Load()
	loaded := false
	if set == nil {
		var err error
		if set, err = r.refreshFrom(ctx, nil); err != nil {
			return SigningKey{}, err
		}
		loaded = true
	}
	if k, ok := set.Lookup(kid); ok {
		return k, nil
	}
	if !r.refetchOnMiss || loaded {
		return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
	}

	r.logger.Debug("unknown kid, refetching key set", "kid", kid)
	set, err := r.refreshFrom(ctx, set)
	if err != nil {
		return SigningKey{}, err
	}
	if k, ok := set.Lookup(kid); ok {
		return k, nil
	}
	return SigningKey{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Refresh fetches the key set unconditionally and publishes it. On failure the
// previous set stays current.
func (r *KeyResolver) Refresh(ctx context.Context) (*KeySet, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()
	return r.fetchLocked(ctx)
}

// refreshFrom fetches unless another caller already replaced observed while
// this one waited for the lock. A refetch of a non-nil observed set is subject
// to the refetch limit; when it is spent the current set is returned as is.
func (r *KeyResolver) refreshFrom(ctx context.Context, observed *KeySet) (*KeySet, error) {
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	cur := r.current.Load()
	if cur != nil && cur != observed {
		return cur, nil
	}
	if cur != nil && !r.limiter.AllowN(r.now(), 1) {
		r.logger.Debug("jwks refetch suppressed by rate limit", "url", r.url)
		return cur, nil
	}
	return r.fetchLocked(ctx)
}

func (r *KeyResolver) fetchLocked(ctx context.Context) (*KeySet, error) {
	set, err := r.fetch(ctx)
	r.metrics.RecordJWKSFetch(ctx, set.Len(), err)
	if err != nil {
		r.logger.Warn("jwks fetch failed", "url", r.url, "error", err)
		return nil, err
	}
	r.current.Store(set)
	r.logger.Info("jwks loaded", "url", r.url, "keys", set.Len())
	return set, nil
}

func (r *KeyResolver) fetch(ctx context.Context) (*KeySet, error) {
	if r.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.fetchTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{URL: r.url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: fmt.Errorf("read body: %w", err)}
	}

	set, err := parseKeySet(body, r.logger)
	if err != nil {
		return nil, &FetchError{URL: r.url, Err: err}
	}
	set.FetchedAt = r.now()
	return set, nil
}

// parseKeySet decodes a JWKS document. Entries go-jose cannot decode, private
// keys, keys without kid and keys not meant for signatures are skipped.
func parseKeySet(body []byte, logger hclog.Logger) (*KeySet, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]SigningKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			logger.Debug("skipping undecodable jwk", "error", err)
			continue
		}
		if jwk.KeyID == "" {
			continue
		}
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}
		if !jwk.Valid() || !jwk.IsPublic() {
			logger.Debug("skipping jwk", "kid", jwk.KeyID, "reason", "not a valid public key")
			continue
		}
		keys[jwk.KeyID] = SigningKey{KeyID: jwk.KeyID, Algorithm: jwk.Algorithm, Key: jwk.Key}
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contains no usable signing keys")
	}
	return &KeySet{keys: keys}, nil
}

// Run refreshes the key set every refresh interval until ctx is done. It
// returns immediately when no interval is configured.
func (r *KeyResolver) Run(ctx context.Context) {
	if r.refreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()

	r.logger.Info("jwks refresh loop started", "interval", r.refreshInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("jwks refresh loop stopped")
			return
		case <-ticker.C:
			// Failures are logged by fetchLocked; the last good set stays current.
			_, _ = r.Refresh(ctx)
		}
	}
}
