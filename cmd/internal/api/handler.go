// Package api is the HTTP surface of the ledger.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/reconcile"
	"qamanager/cmd/internal/telemetry"
	"qamanager/cmd/security/identitytoken"

	"github.com/go-chi/chi/v5"
)

// Checker runs one external-status reconciliation.
type Checker interface {
	Check(ctx context.Context) (reconcile.Report, error)
}

// Config controls request limits and presentation defaults.
type Config struct {
	MaxBodyBytes   int64
	MaxImportBytes int64

	// Location is used for day grouping and insights unless a request
	// passes ?tz=.
	Location *time.Location

	// InsightsLimit is how many recent history entries insights look at.
	InsightsLimit int
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:   1 << 20,
		MaxImportBytes: 8 << 20,
		Location:       time.UTC,
		InsightsLimit:  500,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MaxImportBytes <= 0 {
		c.MaxImportBytes = d.MaxImportBytes
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.InsightsLimit <= 0 {
		c.InsightsLimit = d.InsightsLimit
	}
	return c
}

// Handler serves the ledger over HTTP.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	ledger   *ledger.Ledger
	verifier *identitytoken.Verifier
	checker  Checker
	now      func() time.Time
}

// NewHandler wires the handler. checker may be nil, in which case /check
// reports the reconciliation as not configured.
func NewHandler(log *slog.Logger, l *ledger.Ledger, verifier *identitytoken.Verifier, checker Checker, cfg Config) (*Handler, error) {
	if l == nil {
		return nil, errors.New("api: nil ledger")
	}
	if verifier == nil {
		return nil, errors.New("api: nil identity verifier")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		cfg:      cfg.withDefaults(),
		ledger:   l,
		verifier: verifier,
		checker:  checker,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Routes returns a router with every API route and HTTP metrics.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(telemetry.Middleware)
	h.Register(r)
	return r
}

// Register mounts the API routes on r.
func (h *Handler) Register(r chi.Router) {
	// Invite capability routes: the token is the credential.
	r.Get("/invites/{token}", h.handleVerifyInvite)
	r.Get("/invites/{token}/accounts", h.handleInviteAccounts)
	r.Post("/invites/{token}/reserve", h.handleInviteReserve)
	r.Post("/invites/{token}/release", h.handleInviteRelease)

	r.Group(func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/invites", h.handleIssueInvite)

		r.Get("/api/accounts", h.handleListAccounts)
		r.Get("/api/accounts/{id}", h.handleGetAccount)
		r.Get("/api/accounts/{id}/credentials", h.handleCredentials)
		r.Get("/api/accounts/{id}/history", h.handleAccountHistory)
		r.Post("/api/accounts/{id}/reserve", h.handleReserve)
		r.Post("/api/accounts/{id}/release", h.handleRelease)
		r.Post("/api/reservations/quick", h.handleQuickReserve)
		r.Get("/api/me/reservation", h.handleMyReservation)

		r.Get("/api/history", h.handleHistory)
		r.Get("/api/history/days", h.handleHistoryDays)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)

			r.Get("/check", h.handleCheck)
			r.Post("/reset", h.handleReset)

			r.Post("/api/accounts", h.handleCreateAccount)
			r.Get("/api/accounts/export", h.handleExport)
			r.Post("/api/accounts/import", h.handleImport)
			r.Patch("/api/accounts/{id}", h.handleUpdateAccount)
			r.Delete("/api/accounts/{id}", h.handleDeleteAccount)
			r.Get("/api/insights", h.handleInsights)
		})
	})
}

// ---- reconciliation & reset ----

func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	if h.checker == nil {
		h.writeFailure(w, r, "api.check", reconcile.ErrNotConfigured)
		return
	}
	rep, err := h.checker.Check(r.Context())
	if err != nil {
		h.writeFailure(w, r, "api.check", err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.Engine.ResetAll(r.Context())
	if err != nil {
		h.writeFailure(w, r, "api.reset", err)
		return
	}
	telemetry.ResetsTotal.WithLabelValues("manual").Inc()
	telemetry.ResetAccountsTotal.Add(float64(res.Count))
	writeJSON(w, http.StatusOK, resetResponse{Reset: res.Count, At: res.At})
}
