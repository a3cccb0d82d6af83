package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"marketflow/apiclient"
	"marketflow/config"
	"marketflow/gotrue"
	"marketflow/health"
	"marketflow/localstore"
	"marketflow/logging"
	"marketflow/querycache"
	"marketflow/recovery"
	"marketflow/session"
)

// app is the client stack shared by every command.
type app struct {
	cfg      *config.Config
	store    localstore.Store
	sessions *session.Manager
	auth     *gotrue.Client
	cache    *querycache.Cache
	client   *apiclient.Client
	monitor  *health.Monitor
	recovery *recovery.Engine
}

func newApp(ctx context.Context, cfg *config.Config, stderr io.Writer) (*app, error) {
	store, err := localstore.Open(cfg.Storage)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.Backend.RequestTimeout + 5*time.Second}
	authAPI := gotrue.New(cfg.Backend.BaseURL, cfg.Backend.APIKey, httpClient)
	sessions := session.NewManager(session.NewStore(store, cfg.Storage.EncryptionKey), authAPI)
	cache := querycache.New(cfg.Backend.CacheTTL)
	refresher := apiclient.NewRefreshCoordinator(sessions, cfg.Backend.RequestTimeout)

	monitor := health.NewMonitor(health.Config{
		BaseURL:    cfg.Backend.BaseURL,
		APIKey:     cfg.Backend.APIKey,
		Interval:   cfg.Health.Interval,
		LogEntries: cfg.Health.LogEntries,
		Timeout:    cfg.Backend.RequestTimeout,
	}, sessions, store, httpClient)
	if err := monitor.LoadLog(ctx); err != nil {
		logging.Warn().Err(err).Msg("restore health log")
	}

	var conn recovery.Connectivity = recovery.AlwaysOnline{}
	if checker, err := recovery.NewDialChecker(cfg.Backend.BaseURL, 3*time.Second); err == nil {
		conn = checker
	}
	engine := recovery.New(recovery.Deps{
		Connectivity: conn,
		Sessions:     sessions,
		Refresher:    refresher,
		Cache:        cache,
		Monitor:      monitor,
		Logout:       authAPI,
		Storage:      store,
		OnSignedOut: func(res recovery.Result) {
			fmt.Fprintf(stderr, "signed out: %s\n", res.Message)
		},
	})

	client := apiclient.New(apiclient.ConfigFromBackend(cfg.Backend), apiclient.Deps{
		Tokens:     sessions,
		Refresher:  refresher,
		Recoverer:  engine,
		Grace:      apiclient.NewGraceEvaluator(sessions, cfg.Backend.GraceWindow),
		Cache:      cache,
		HTTPClient: httpClient,
		OnUnauthorized: func(*apiclient.Error) {
			fmt.Fprintln(stderr, "session expired, run `marketctl login` to sign in again")
		},
	})

	return &app{
		cfg:      cfg,
		store:    store,
		sessions: sessions,
		auth:     authAPI,
		cache:    cache,
		client:   client,
		monitor:  monitor,
		recovery: engine,
	}, nil
}

func (a *app) Close() error {
	a.monitor.Stop()
	return a.store.Close()
}
