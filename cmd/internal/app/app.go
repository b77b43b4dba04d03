// Package app wires the qamanager server runtime: config, logging, the ledger
// store, HTTP routes, the live account feed and the background jobs.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"qamanager/cmd/internal/api"
	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/realtime"
	"qamanager/cmd/internal/reconcile"
	"qamanager/cmd/internal/safego"
	"qamanager/cmd/internal/telemetry"
	"qamanager/cmd/security/identitytoken"
	"qamanager/cmd/security/secret"
	"qamanager/cmd/security/token"
	v1 "qamanager/shared/contracts/realtime/v1"
)

// job is a background loop that runs until its context ends.
type job struct {
	name  string
	start func(ctx context.Context)
}

// App owns the HTTP server wiring and every long-lived dependency.
type App struct {
	cfg Config
	log *slog.Logger

	store      ledger.Store
	closeStore func()
	dbEnabled  bool

	ledger *ledger.Ledger
	api    *api.Handler
	feed   *realtime.Feed
	ws     *realtime.WSGateway

	jobs []job
}

// New constructs a fully wired App. It connects to (and migrates) the
// database when one is configured.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.Log)
	}

	loc, err := cfg.Reset.Location()
	if err != nil {
		return nil, err
	}

	sealer, err := secret.NewSealer(cfg.Secrets.Key, []byte(cfg.Secrets.Salt), secret.DefaultKDFParams())
	if err != nil {
		return nil, err
	}
	hasher, err := token.NewHasher(cfg.Invite.HMACKey)
	if err != nil {
		return nil, err
	}
	verifier, err := identitytoken.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}
	if !verifier.Enabled() {
		log.Warn("auth.disabled", "reason", "auth.jwt_secret not set; only invite routes will work")
	}
	if !sealer.Enabled() {
		log.Warn("secrets.disabled", "reason", "secrets.key not set; account passwords stored unsealed")
	}

	st, closeStore, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}

	l, err := ledger.New(st,
		ledger.WithLogger(log),
		ledger.WithStoreTimeout(cfg.Store.Timeout),
		ledger.WithStrictOwnerRelease(cfg.Ledger.StrictOwnerRelease),
		ledger.WithSealer(sealer),
		ledger.WithTokenHasher(hasher),
		ledger.WithInviteTokenBytes(cfg.Invite.TokenBytes),
		ledger.WithInviteMaxTTL(cfg.Invite.MaxTTL),
	)
	if err != nil {
		closeStore()
		return nil, err
	}

	status := reconcile.NewStatusClient(reconcile.ClientConfig{
		BaseURL:   cfg.Reconcile.BaseURL,
		Username:  cfg.Reconcile.Username,
		AccessKey: cfg.Reconcile.AccessKey,
		Timeout:   cfg.Reconcile.Timeout,
	})
	reconciler := reconcile.NewReconciler(log, status, l.Accounts, l.Engine)

	h, err := api.NewHandler(log, l, verifier, reconciler, api.Config{
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		MaxImportBytes: cfg.HTTP.MaxImportBytes,
		Location:       loc,
	})
	if err != nil {
		closeStore()
		return nil, err
	}

	hub := realtime.NewHub(log)
	feed := realtime.NewFeed(log, hub, l.Accounts, st)
	feed.OnSnapshot = func(p v1.AccountsSnapshotPayload) {
		telemetry.RecordSnapshot(p.Total, p.Busy)
	}

	wsCfg := realtime.DefaultGatewayConfig()
	wsCfg.OriginRequired = cfg.WS.OriginRequired
	if len(cfg.WS.AllowedOrigins) > 0 {
		wsCfg.AllowedOrigins = cfg.WS.AllowedOrigins
	}
	var wsAuth realtime.Authenticator
	if cfg.WS.RequireAuth {
		wsAuth = h.AuthenticateWS
	}
	ws := realtime.NewWSGateway(log, hub, feed, wsCfg, wsAuth)

	a := &App{
		cfg:        cfg,
		log:        log,
		store:      st,
		closeStore: closeStore,
		dbEnabled:  cfg.Database.URL != "",
		ledger:     l,
		api:        h,
		feed:       feed,
		ws:         ws,
	}

	if cfg.Reconcile.Interval > 0 {
		if !status.Configured() {
			log.Warn("reconcile.poller.skip", "reason", "reconcile.username or reconcile.access_key not set")
		} else {
			p := reconcile.NewPoller(log, reconciler, cfg.Reconcile.Interval)
			a.jobs = append(a.jobs, job{name: "reconcile.poller", start: p.Start})
		}
	}
	if cfg.Reset.Enabled {
		rj, err := reconcile.NewDailyResetJob(log, l.Engine, cfg.Reset.At, loc)
		if err != nil {
			closeStore()
			return nil, err
		}
		a.jobs = append(a.jobs, job{name: "reset.daily", start: rj.Start})
	}

	return a, nil
}

// Run starts the HTTP server and background jobs and blocks until ctx is
// canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	defer a.closeStore()

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.HTTP.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.HTTP.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.HTTP.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.HTTP.MaxHeaderBytes, 1<<20),
	}

	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()

	jobs := safego.NewGroup(a.log)
	a.startJobs(jobCtx, jobs)

	a.log.Info("server.start",
		"addr", a.cfg.HTTP.Addr,
		"db_enabled", a.dbEnabled,
		"jobs", len(a.jobs),
		"metrics", a.cfg.Metrics.Enabled,
	)

	errCh := make(chan error, 1)
	safego.Go(a.log, "http.server", func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	stopJobs()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.HTTP.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	jobs.Wait()

	a.log.Info("server.stopped")
	return runErr
}

// startJobs launches the feed and every configured job on g.
func (a *App) startJobs(ctx context.Context, g *safego.Group) {
	g.Go("realtime.feed", func() {
		if err := a.feed.Run(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("feed.fail", "err", err)
		}
	})
	for _, j := range a.jobs {
		g.Go(j.name, func() { j.start(ctx) })
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
