package app

import (
	"context"
	"net/http"
	"time"

	"qamanager/cmd/internal/telemetry"

	"github.com/go-chi/chi/v5"
)

// Handler builds the root router: middleware, probes, metrics, the websocket
// feed and the API routes.
func (a *App) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(WithRequestLogging(a.log))
	r.Use(Recoverer(a.log))
	r.Use(WithSecurityHeaders)
	if mw := WithCORS(a.cfg.CORS); mw != nil {
		r.Use(mw)
	}
	r.Use(telemetry.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)

	if a.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	}

	r.Method(http.MethodGet, "/ws/accounts", a.ws)

	a.api.Register(r)
	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Database.RequireForReadiness && !a.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}

	if err := pingStore(r, a, 2*time.Second); err != nil {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		a.log.Info("readyz.store.not_ready", "err", err)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func pingStore(r *http.Request, a *App, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	return a.store.Ping(ctx)
}
