package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
	"github.com/terraconstructs/kcauth/internal/server"
	"github.com/terraconstructs/kcauth/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Starts the HTTP server. Requests under /v1 must carry a bearer token issued
by the configured realm; /health is public.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTelemetry, err := telemetry.Init(ctx, cfg.Observability, logger.Named("telemetry"))
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()

		authMetrics, err := telemetry.NewAuthMetrics()
		if err != nil {
			return fmt.Errorf("create auth metrics: %w", err)
		}
		serverMetrics, err := telemetry.NewServerMetrics()
		if err != nil {
			return fmt.Errorf("create server metrics: %w", err)
		}

		resolver := cmdutil.NewSecretResolver(cfg, logger)
		if err := cmdutil.ResolveClientSecret(ctx, cfg, resolver, logger); err != nil {
			return err
		}

		engine, err := cmdutil.NewEngine(ctx, cfg, logger, cmdutil.EngineOptions{
			Migrate: cfg.AutoMigrate,
			Metrics: authMetrics,
		})
		if err != nil {
			return err
		}
		defer engine.Close()

		logger.Info("accepting tokens",
			"issuer", cfg.Keycloak.IssuerURL(),
			"audience", cfg.Keycloak.ClientID,
			"jwks", engine.Keys.URL(),
			"algorithms", cfg.Keycloak.AllowedAlgorithms)

		// Warm the key cache; a failure here is retried on the first request.
		if _, err := engine.Keys.Refresh(ctx); err != nil {
			logger.Warn("initial key fetch failed", "error", err)
		}

		if cfg.Keycloak.JWKS.RefreshInterval > 0 {
			refreshCtx, cancelRefresh := context.WithCancel(ctx)
			defer cancelRefresh()
			go engine.Keys.Run(refreshCtx)
		}

		handler := server.NewH2CHandler(server.RouterOptions{
			Authenticator: engine.Service,
			Directory:     engine.Repository,
			AdminRoles:    cfg.AdminRoles,
			Metrics:       serverMetrics,
			Logger:        logger.Named("http"),
		})

		return server.New(cfg.ServerAddr, handler, logger.Named("http")).ListenAndServe(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
