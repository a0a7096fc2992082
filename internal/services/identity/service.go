// Package identity drives one authentication request through token
// verification, identity sync and the role check.
//
//	Received --verify--> Verified --sync--> Synced --authorize--> Authorized
//
// Any failing step ends in Rejected with the step's typed error. Rejections
// are terminal: nothing is retried within a request.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terraconstructs/kcauth/internal/auth"
	"github.com/terraconstructs/kcauth/internal/db/models"
	"github.com/terraconstructs/kcauth/internal/repository"
	"github.com/terraconstructs/kcauth/internal/telemetry"
)

// State is a step of the authentication pipeline.
type State string

const (
	StateReceived   State = "received"
	StateVerified   State = "verified"
	StateSynced     State = "synced"
	StateAuthorized State = "authorized"
	StateRejected   State = "rejected"
)

// TokenVerifier validates a raw bearer token. *auth.Verifier implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, raw string) (*auth.TokenClaims, error)
}

// Store is the part of the identity repository the pipeline needs.
type Store interface {
	Sync(ctx context.Context, user *models.User, roles []string) error
	GetRoles(ctx context.Context, userID string) ([]string, error)
}

// Service is constructed once at startup and shared by all requests.
type Service struct {
	verifier TokenVerifier
	store    Store
	logger   hclog.Logger
	metrics  *telemetry.AuthMetrics
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records pipeline outcomes on m.
func WithMetrics(m *telemetry.AuthMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires the pipeline.
func NewService(verifier TokenVerifier, store Store, opts ...Option) *Service {
	s := &Service{
		verifier: verifier,
		store:    store,
		logger:   hclog.NewNullLogger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Authenticate verifies rawToken, mirrors the identity into the store and
// checks that it holds at least one of required (no check when required is
// empty). On success the returned roles are the ones read back from the store.
func (s *Service) Authenticate(ctx context.Context, rawToken string, required []string) (*auth.Identity, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, "kcauth/identity", "identity.Authenticate")
	defer span.End()

	state := StateReceived
	reject := func(err error) (*auth.Identity, error) {
		outcome := Outcome(err)
		s.logger.Debug("authentication rejected", "state", string(StateRejected), "after", string(state), "outcome", outcome, "reason", err.Error())
		span.SetAttributes(
			attribute.String(telemetry.AttrSyncState, string(StateRejected)),
			attribute.String(telemetry.AttrRejectedAfter, string(state)),
		)
		telemetry.RecordError(span, err)
		s.metrics.RecordAuth(ctx, outcome, msSince(start))
		return nil, err
	}

	claims, err := s.verifier.Verify(ctx, rawToken)
	if err != nil {
		return reject(err)
	}
	state = StateVerified
	span.SetAttributes(attribute.String(telemetry.AttrUserID, claims.Subject))

	user := &models.User{
		ID:       claims.Subject,
		Username: optional(claims.PreferredUsername),
		Email:    optional(claims.Email),
	}
	if err := s.store.Sync(ctx, user, claims.RealmRoles); err != nil {
		return reject(err)
	}
	roles, err := s.store.GetRoles(ctx, claims.Subject)
	if err != nil {
		return reject(err)
	}
	state = StateSynced

	if err := auth.Authorize(required, roles); err != nil {
		return reject(err)
	}

	span.SetAttributes(attribute.String(telemetry.AttrSyncState, string(StateAuthorized)))
	s.metrics.RecordAuth(ctx, string(StateAuthorized), msSince(start))
	s.logger.Trace("authenticated", "sub", claims.Subject, "roles", roles)

	return &auth.Identity{
		ID:       claims.Subject,
		Roles:    roles,
		RawToken: rawToken,
		Username: claims.PreferredUsername,
		Email:    claims.Email,
	}, nil
}

// Verify validates a token without touching the store.
func (s *Service) Verify(ctx context.Context, rawToken string) (*auth.TokenClaims, error) {
	return s.verifier.Verify(ctx, rawToken)
}

// Outcome names the terminal state for err, as used in metrics and logs.
func Outcome(err error) string {
	var (
		invalid *auth.InvalidTokenError
		perm    *auth.InsufficientPermissionsError
		fetch   *auth.FetchError
		storage *repository.StorageError
	)
	switch {
	case err == nil:
		return string(StateAuthorized)
	case errors.As(err, &invalid):
		return "invalid_token"
	case errors.As(err, &perm):
		return "forbidden"
	case errors.As(err, &fetch):
		return "fetch_error"
	case errors.As(err, &storage):
		return "storage_error"
	default:
		return "error"
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
