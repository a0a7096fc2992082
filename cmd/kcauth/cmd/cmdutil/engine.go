package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/uptrace/bun"

	"github.com/terraconstructs/kcauth/internal/auth"
	"github.com/terraconstructs/kcauth/internal/config"
	"github.com/terraconstructs/kcauth/internal/db/bunx"
	"github.com/terraconstructs/kcauth/internal/migrations"
	"github.com/terraconstructs/kcauth/internal/repository"
	"github.com/terraconstructs/kcauth/internal/secrets"
	"github.com/terraconstructs/kcauth/internal/services/identity"
	"github.com/terraconstructs/kcauth/internal/telemetry"
)

// NewLogger builds the root logger. Debug forces the debug level.
func NewLogger(cfg *config.Config) hclog.Logger {
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "kcauth",
		Level:  hclog.LevelFromString(level),
		Output: os.Stderr,
	})
}

// NewSecretResolver wires the env, vault and cloud backends from cfg.
func NewSecretResolver(cfg *config.Config, logger hclog.Logger) *secrets.Resolver {
	chain := secrets.DefaultChain(secrets.ChainConfig{
		VaultAddr:     cfg.Secrets.VaultAddr,
		VaultToken:    cfg.Secrets.VaultToken,
		VaultPath:     cfg.Secrets.VaultSecretPath,
		AWSSecretName: cfg.Secrets.AWSSecretName,
		AWSRegion:     cfg.Secrets.AWSRegion,
	})
	return secrets.NewResolver(chain,
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithTimeout(cfg.Secrets.Timeout),
		secrets.WithCacheTTL(cfg.Secrets.CacheTTL),
	)
}

// ResolveClientSecret fills cfg.Keycloak.ClientSecret through the secret
// chain when it was not set directly. A missing secret is not fatal for
// bearer validation and is only logged.
func ResolveClientSecret(ctx context.Context, cfg *config.Config, resolver *secrets.Resolver, logger hclog.Logger) error {
	if cfg.Keycloak.ClientSecret != "" {
		return nil
	}
	v, err := resolver.Resolve(ctx, cfg.Keycloak.ClientSecretName)
	if err != nil {
		if errors.Is(err, secrets.ErrNotFound) {
			logger.Warn("client secret not found in any backend", "name", cfg.Keycloak.ClientSecretName, "error", err)
			return nil
		}
		return fmt.Errorf("resolve client secret: %w", err)
	}
	logger.Info("client secret resolved", "secret", v.String())
	cfg.Keycloak.ClientSecret = v.Value
	return nil
}

// OpenDB connects to the identity store and, when migrate is set, applies
// pending migrations.
func OpenDB(ctx context.Context, cfg *config.Config, migrate bool, logger hclog.Logger) (*bun.DB, error) {
	db, err := bunx.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if migrate {
		group, err := migrations.Apply(ctx, db)
		if err != nil {
			_ = bunx.Close(db)
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		if group.ID != 0 {
			logger.Info("applied migration group", "group", group.ID)
		}
	}
	return db, nil
}

// NewKeyResolver builds the realm key resolver from cfg.
func NewKeyResolver(cfg *config.Config, logger hclog.Logger, metrics *telemetry.AuthMetrics) *auth.KeyResolver {
	return auth.NewKeyResolver(cfg.Keycloak.JWKSURL(),
		auth.WithFetchTimeout(cfg.Keycloak.JWKS.FetchTimeout),
		auth.WithRefetchOnMiss(cfg.Keycloak.JWKS.RefetchOnMiss),
		auth.WithRefreshInterval(cfg.Keycloak.JWKS.RefreshInterval),
		auth.WithMinRefetchInterval(cfg.Keycloak.JWKS.MinRefetchInterval),
		auth.WithKeyLogger(logger.Named("keys")),
		auth.WithKeyMetrics(metrics),
	)
}

// NewVerifier builds the token verifier on top of keys.
func NewVerifier(cfg *config.Config, keys auth.KeySource, logger hclog.Logger) (*auth.Verifier, error) {
	v, err := auth.NewVerifier(keys, cfg.Keycloak.IssuerURL(), cfg.Keycloak.ClientID,
		auth.WithLeeway(cfg.Keycloak.TokenLeeway),
		auth.WithAlgorithms(cfg.Keycloak.AllowedAlgorithms...),
		auth.WithClientRoles(cfg.Keycloak.IncludeClientRoles),
		auth.WithVerifierLogger(logger.Named("verifier")),
	)
	if err != nil {
		return nil, fmt.Errorf("create token verifier: %w", err)
	}
	return v, nil
}

// EngineOptions controls how the CLI constructs the engine.
type EngineOptions struct {
	// Migrate applies pending migrations after connecting.
	Migrate bool
	Metrics *telemetry.AuthMetrics
}

// Engine bundles the authentication pipeline with its collaborators so
// callers can reuse them.
type Engine struct {
	Keys       *auth.KeyResolver
	Verifier   *auth.Verifier
	Repository *repository.BunIdentityRepository
	Service    *identity.Service
	DB         *bun.DB
}

// Close releases the underlying database connection.
func (e *Engine) Close() {
	if e == nil || e.DB == nil {
		return
	}
	_ = bunx.Close(e.DB)
}

// NewEngine centralizes pipeline construction for CLI commands.
func NewEngine(ctx context.Context, cfg *config.Config, logger hclog.Logger, opts EngineOptions) (*Engine, error) {
	keys := NewKeyResolver(cfg, logger, opts.Metrics)
	verifier, err := NewVerifier(cfg, keys, logger)
	if err != nil {
		return nil, err
	}

	db, err := OpenDB(ctx, cfg, opts.Migrate, logger)
	if err != nil {
		return nil, err
	}

	repo := repository.NewBunIdentityRepository(db)
	svc := identity.NewService(verifier, repo,
		identity.WithLogger(logger.Named("identity")),
		identity.WithMetrics(opts.Metrics),
	)

	return &Engine{
		Keys:       keys,
		Verifier:   verifier,
		Repository: repo,
		Service:    svc,
		DB:         db,
	}, nil
}
