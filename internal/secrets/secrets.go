// Package secrets resolves named configuration secrets from a priority-ordered
// chain of backends: process environment, a vault KV mount, and AWS Secrets Manager.
//
// The first backend that yields a non-empty value wins. Backends without a
// configured target are skipped, and backend failures degrade to the next
// backend. Only a fully exhausted chain is reported to the caller, as ErrNotFound.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Source identifies the backend a secret was read from.
type Source int

const (
	SourceEnv Source = iota + 1
	SourceVault
	SourceCloudSecretManager
)

func (s Source) String() string {
	switch s {
	case SourceEnv:
		return "env"
	case SourceVault:
		return "vault"
	case SourceCloudSecretManager:
		return "aws-secrets-manager"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Value is a resolved secret. It is never persisted.
type Value struct {
	Name   string
	Value  string
	Source Source
}

// String never includes the secret material.
func (v Value) String() string {
	return fmt.Sprintf("%s (from %s)", v.Name, v.Source)
}

// ErrNotFound is returned when no backend in the chain holds the secret.
var ErrNotFound = errors.New("secret not found")

// NotFoundError is returned by Resolve when the chain is exhausted. Failures
// holds the errors of backends that were attempted and failed, if any.
type NotFoundError struct {
	Name     string
	Failures error
}

func (e *NotFoundError) Error() string {
	if e.Failures == nil {
		return fmt.Sprintf("secret %q not found", e.Name)
	}
	return fmt.Sprintf("secret %q not found (backend failures: %v)", e.Name, e.Failures)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func (e *NotFoundError) Unwrap() error { return e.Failures }

// Backend is one entry of the resolution chain.
type Backend interface {
	Source() Source
	// Ready reports whether the backend has its target configured.
	Ready() bool
	// Lookup returns an empty string and a nil error when the backend does not
	// hold the secret.
	Lookup(ctx context.Context, name string) (string, error)
}

const defaultCacheSize = 128

// Resolver walks the backend chain in order.
type Resolver struct {
	backends []Backend
	timeout  time.Duration
	cache    *expirable.LRU[string, Value]
	logger   hclog.Logger
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithLogger sets the logger used for backend failures.
func WithLogger(l hclog.Logger) Option {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTimeout bounds every individual backend call.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.timeout = d }
}

// WithCacheTTL caches resolved values for ttl. Misses are never cached.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.cache = expirable.NewLRU[string, Value](defaultCacheSize, nil, ttl)
		}
	}
}

// NewResolver builds a resolver over backends, consulted in the given order.
func NewResolver(backends []Backend, opts ...Option) *Resolver {
	r := &Resolver{
		backends: backends,
		timeout:  5 * time.Second,
		logger:   hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the first non-empty value for name.
func (r *Resolver) Resolve(ctx context.Context, name string) (Value, error) {
	if name == "" {
		return Value{}, &NotFoundError{Name: name}
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(name); ok {
			return v, nil
		}
	}

	var failures *multierror.Error
	for _, b := range r.backends {
		if !b.Ready() {
			continue
		}
		if ctx.Err() != nil {
			failures = multierror.Append(failures, ctx.Err())
			break
		}

		value, err := r.lookup(ctx, b, name)
		if err != nil {
			r.logger.Warn("secret backend failed, trying next", "backend", b.Source().String(), "secret", name, "error", err)
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", b.Source(), err))
			continue
		}
		if value == "" {
			continue
		}

		v := Value{Name: name, Value: value, Source: b.Source()}
		if r.cache != nil {
			r.cache.Add(name, v)
		}
		r.logger.Debug("secret resolved", "secret", name, "backend", b.Source().String())
		return v, nil
	}

	return Value{}, &NotFoundError{Name: name, Failures: failures.ErrorOrNil()}
}

func (r *Resolver) lookup(ctx context.Context, b Backend, name string) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return b.Lookup(ctx, name)
}

// Sources lists the backends that are configured, in priority order.
func (r *Resolver) Sources() []Source {
	out := make([]Source, 0, len(r.backends))
	for _, b := range r.backends {
		if b.Ready() {
			out = append(out, b.Source())
		}
	}
	return out
}

// ChainConfig carries the backend targets for DefaultChain.
type ChainConfig struct {
	VaultAddr  string
	VaultToken string
	VaultPath  string

	AWSSecretName string
	AWSRegion     string
}

// DefaultChain returns env, vault, AWS Secrets Manager, in that order.
func DefaultChain(c ChainConfig) []Backend {
	return []Backend{
		NewEnvBackend(),
		&VaultBackend{Address: c.VaultAddr, Token: c.VaultToken, Path: c.VaultPath},
		&AWSBackend{SecretName: c.AWSSecretName, Region: c.AWSRegion},
	}
}
