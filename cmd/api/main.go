package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"marketflow/auth"
	"marketflow/config"
	"marketflow/db"
	"marketflow/events"
	"marketflow/fulfillment"
	"marketflow/httpapi"
	"marketflow/logging"
	"marketflow/migrations"
	"marketflow/supervisor"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("load configuration")
	}
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("fulfillment server stopped")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.RequireServer(); err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if cfg.Database.AutoMigrate {
		if _, err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
	}

	pub, err := events.New(cfg.Events)
	if err != nil {
		return err
	}
	defer pub.Close()

	handler := newHandler(cfg, fulfillment.NewStore(pool), pub, pool)
	srv := newHTTPServer(cfg.Server, handler)

	tree := supervisor.NewTree("marketflow-api", logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddAPIService(supervisor.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	logging.Info().
		Str("addr", cfg.Server.Addr).
		Str("events_driver", cfg.Events.Driver).
		Msg("fulfillment server starting")
	return tree.Serve(ctx)
}

func newHandler(cfg *config.Config, store fulfillment.Store, pub fulfillment.EventPublisher, pinger httpapi.Pinger) http.Handler {
	dispatcher := fulfillment.NewDispatcher(store, pub)
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Roles...)
	return httpapi.NewServer(cfg.Server, dispatcher, verifier, pinger).Routes()
}

func newHTTPServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}
