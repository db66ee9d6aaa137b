package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sboagy/tunetrees-sync/tunestore"
	"github.com/sboagy/tunetrees-sync/tunesync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides config)")
	serveCmd.Flags().String("database-url", "", "PostgreSQL connection string (overrides config)")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("database-url", serveCmd.Flags().Lookup("database-url"))
}

func runServe(ctx context.Context) error {
	logger := newLogger(viper.GetString("log-level"))

	jwtSecret := viper.GetString("jwt-secret")
	if jwtSecret == "" {
		jwtSecret = "dev-secret-change-in-production"
		logger.Warn("using default JWT secret, set TUNESYNC_JWT_SECRET in production")
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, viper.GetString("database-url"))
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	store, err := tunestore.NewStoreService(pool, &tunestore.ServiceConfig{
		RegisteredTables: tunesync.SyncTables,
		MaxPushBatchSize: viper.GetInt("push-batch-size"),
		PullLimit:        viper.GetInt("pull-limit"),
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	jwtAuth := tunestore.NewJWTAuth(jwtSecret)
	identity := tunestore.NewIdentityService(pool, jwtAuth, logger)
	handlers := tunestore.NewHTTPHandlers(store, identity, jwtAuth, logger)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         viper.GetString("listen"),
		Handler:      mux,
		ReadTimeout:  120 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting sync server", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("forced shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
