package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/telemetry"
)

// SessionSource lists the provider's running sessions.
type SessionSource interface {
	RunningSessions(ctx context.Context) ([]Session, error)
}

// AccountLister is the read side of the account repository.
type AccountLister interface {
	List(ctx context.Context) ([]ledger.Account, error)
}

// ObservationRecorder stores external busy flags without touching ownership.
type ObservationRecorder interface {
	RecordObservations(ctx context.Context, obs []ledger.Observation, at time.Time) error
}

// Discrepancy kinds.
const (
	// The provider runs a session on an account nobody reserved.
	BusyUnreserved = "busy_unreserved"
	// The ledger says reserved but the provider shows no running session.
	ReservedIdle = "reserved_idle"
)

// Discrepancy flags an account whose external state disagrees with the ledger.
type Discrepancy struct {
	AccountID    string  `json:"accountId"`
	Username     string  `json:"username"`
	Kind         string  `json:"kind"`
	Status       string  `json:"status"`
	Owner        *string `json:"owner"`
	ExternalBusy bool    `json:"externalBusy"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	Updated       int           `json:"updated"`
	BusyCount     int           `json:"busyCount"`
	CheckedAt     time.Time     `json:"checkedAt"`
	Discrepancies []Discrepancy `json:"discrepancies"`
}

// Reconciler compares provider sessions with the ledger. It records what it
// saw on every account and reports mismatches; status and ownership are left
// to the reservation engine.
type Reconciler struct {
	log      *slog.Logger
	sessions SessionSource
	accounts AccountLister
	recorder ObservationRecorder
	now      func() time.Time
}

// NewReconciler wires a Reconciler. log may be nil.
func NewReconciler(log *slog.Logger, sessions SessionSource, accounts AccountLister, recorder ObservationRecorder) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		log:      log,
		sessions: sessions,
		accounts: accounts,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check runs one reconciliation. Provider failures surface as ErrNotConfigured
// or ErrUpstream.
func (r *Reconciler) Check(ctx context.Context) (Report, error) {
	sessions, err := r.sessions.RunningSessions(ctx)
	if err != nil {
		r.fail("fetch", err)
		return Report{}, err
	}

	busyUsers := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		if name := usernameKey(s.UserName); name != "" {
			busyUsers[name] = struct{}{}
		}
	}

	accounts, err := r.accounts.List(ctx)
	if err != nil {
		r.fail("list", err)
		return Report{}, err
	}

	now := r.now()
	obs := make([]ledger.Observation, 0, len(accounts))
	report := Report{
		Updated:       len(accounts),
		BusyCount:     len(busyUsers),
		CheckedAt:     now,
		Discrepancies: []Discrepancy{},
	}
	for _, a := range accounts {
		_, external := busyUsers[usernameKey(a.Username)]
		obs = append(obs, ledger.Observation{AccountID: a.ID, Busy: external})

		kind := ""
		switch {
		case external && a.Status == ledger.StatusFree:
			kind = BusyUnreserved
		case !external && a.Status == ledger.StatusBusy:
			kind = ReservedIdle
		}
		if kind != "" {
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				AccountID:    a.ID,
				Username:     a.Username,
				Kind:         kind,
				Status:       string(a.Status),
				Owner:        a.Owner,
				ExternalBusy: external,
			})
		}
	}

	if err := r.recorder.RecordObservations(ctx, obs, now); err != nil {
		r.fail("record", err)
		return Report{}, err
	}

	telemetry.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	telemetry.ReconcileDiscrepancies.Set(float64(len(report.Discrepancies)))
	r.log.Info("reconcile.run.ok",
		"accounts", report.Updated,
		"busy_users", report.BusyCount,
		"discrepancies", len(report.Discrepancies),
	)
	return report, nil
}

func (r *Reconciler) fail(stage string, err error) {
	result := "error"
	switch {
	case errors.Is(err, ErrNotConfigured):
		result = "not_configured"
	case errors.Is(err, ErrUpstream):
		result = "upstream"
	}
	telemetry.ReconcileRunsTotal.WithLabelValues(result).Inc()
	r.log.Warn("reconcile.run.fail", "stage", stage, "result", result, "err", err)
}

// usernameKey matches usernames the way the ledger enforces uniqueness.
func usernameKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
