package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/terraconstructs/kcauth/internal/db/models"
	kcmiddleware "github.com/terraconstructs/kcauth/internal/middleware"
	"github.com/terraconstructs/kcauth/internal/telemetry"
)

// Directory reads the local identity mirror. *repository.BunIdentityRepository
// implements it.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*models.User, error)
	GetRoles(ctx context.Context, userID string) ([]string, error)
}

// RouterOptions controls the construction of the HTTP router.
// Authenticator is required; everything else has a default.
type RouterOptions struct {
	Authenticator kcmiddleware.Authenticator
	Directory     Directory
	AdminRoles    []string
	AuthnOptions  []kcmiddleware.Option
	CORSOptions   *cors.Options
	Middleware    []func(http.Handler) http.Handler
	Metrics       *telemetry.ServerMetrics
	Logger        hclog.Logger
	HealthHandler http.HandlerFunc
	ExtraRoutes   func(chi.Router)
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", kcmiddleware.RequestIDHeader},
		ExposedHeaders:   []string{"WWW-Authenticate", kcmiddleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	kcmiddleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy and
// the identity endpoints. /health stays public; everything under /v1 passes
// through the authentication interceptor.
func NewRouter(opts RouterOptions) chi.Router {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	r := chi.NewRouter()

	r.Use(kcmiddleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(kcmiddleware.Metrics(opts.Metrics))

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/health", healthHandler)

	if opts.Authenticator != nil {
		authnOpts := append([]kcmiddleware.Option{kcmiddleware.WithLogger(logger)}, opts.AuthnOptions...)

		r.Route("/v1", func(v1 chi.Router) {
			v1.Use(kcmiddleware.Authenticate(opts.Authenticator, authnOpts...))
			v1.Get("/me", HandleMe(opts.Directory))

			switch {
			case opts.Directory == nil:
				logger.Warn("skipping /v1/users/{id}/roles - no identity directory configured")
			case len(opts.AdminRoles) == 0:
				logger.Warn("skipping /v1/users/{id}/roles - no admin roles configured")
			default:
				v1.With(kcmiddleware.RequireRoles(logger, opts.AdminRoles...)).
					Get("/users/{id}/roles", HandleUserRoles(opts.Directory, logger))
			}
		})
	} else {
		logger.Warn("no authenticator configured, /v1 routes are not mounted")
	}

	if opts.ExtraRoutes != nil {
		opts.ExtraRoutes(r)
	}

	return r
}

// NewH2CHandler wraps the router with an h2c server to provide HTTP/2 over
// cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
