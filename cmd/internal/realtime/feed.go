package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"qamanager/cmd/internal/ledger"
	v1 "qamanager/shared/contracts/realtime/v1"
)

// AccountLister lists accounts in display order.
type AccountLister interface {
	List(ctx context.Context) ([]ledger.Account, error)
}

// AccountWatcher signals account changes.
type AccountWatcher interface {
	WatchAccounts(ctx context.Context) (<-chan struct{}, error)
}

// Feed keeps the latest accounts snapshot and pushes it to the Hub whenever
// the store reports a change.
type Feed struct {
	log     *slog.Logger
	hub     *Hub
	lister  AccountLister
	watcher AccountWatcher
	now     func() time.Time

	// OnSnapshot, when set, observes every rebuilt snapshot.
	OnSnapshot func(v1.AccountsSnapshotPayload)

	mu   sync.RWMutex
	last *v1.Envelope
}

// NewFeed constructs a Feed.
func NewFeed(log *slog.Logger, hub *Hub, lister AccountLister, watcher AccountWatcher) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{
		log:     log,
		hub:     hub,
		lister:  lister,
		watcher: watcher,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Run watches the store until ctx ends.
func (f *Feed) Run(ctx context.Context) error {
	changes, err := f.watcher.WatchAccounts(ctx)
	if err != nil {
		return err
	}
	if _, err := f.Refresh(ctx); err != nil {
		f.log.Warn("feed.snapshot.fail", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
		}

		// Let a burst of writes settle into one snapshot.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(snapshotDebounce):
		}
		select {
		case <-changes:
		default:
		}

		env, err := f.Refresh(ctx)
		if err != nil {
			f.log.Warn("feed.snapshot.fail", "err", err)
			continue
		}
		n := f.hub.Broadcast(env)
		f.log.Debug("feed.broadcast", "clients", n)
	}
}

// Refresh rebuilds and caches the snapshot.
func (f *Feed) Refresh(ctx context.Context) (v1.Envelope, error) {
	list, err := f.lister.List(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	snap := buildSnapshot(list, f.now())
	payload, err := json.Marshal(snap)
	if err != nil {
		return v1.Envelope{}, err
	}
	env := newEnvelope(v1.TypeAccountsSnapshot, payload, snap.GeneratedAt)

	f.mu.Lock()
	f.last = &env
	f.mu.Unlock()

	if f.OnSnapshot != nil {
		f.OnSnapshot(snap)
	}
	return env, nil
}

// Current returns the cached snapshot, building one if none exists yet.
func (f *Feed) Current(ctx context.Context) (v1.Envelope, error) {
	f.mu.RLock()
	last := f.last
	f.mu.RUnlock()
	if last != nil {
		return *last, nil
	}
	return f.Refresh(ctx)
}

func buildSnapshot(list []ledger.Account, now time.Time) v1.AccountsSnapshotPayload {
	out := v1.AccountsSnapshotPayload{
		Accounts:    make([]v1.AccountView, 0, len(list)),
		Total:       len(list),
		GeneratedAt: now,
	}
	for _, a := range list {
		if a.Status == ledger.StatusBusy {
			out.Busy++
		}
		out.Accounts = append(out.Accounts, AccountView(a))
	}
	return out
}

// AccountView projects an account for display, without credentials.
func AccountView(a ledger.Account) v1.AccountView {
	return v1.AccountView{
		ID:             a.ID,
		Username:       a.Username,
		Email:          a.Email,
		Status:         string(a.Status),
		Owner:          a.Owner,
		OwnerID:        a.OwnerID,
		LastUsedAt:     a.LastUsedAt,
		LastReturnedAt: a.LastReturnedAt,
		ExternalBusy:   a.ExternalBusy,
		LastCheckedAt:  a.LastCheckedAt,
	}
}
