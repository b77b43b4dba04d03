// Package memstore is an in-memory ledger.Store used when no database is
// configured and in tests.
//
// Transactions are serialized by one mutex and work on a copy of the state
// that replaces the live state on commit, so a failed transaction leaves
// nothing behind.
package memstore

import (
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"qamanager/cmd/internal/ledger"
)

var errClosed = errors.New("memstore: closed")

type state struct {
	accounts  map[string]ledger.Account
	events    []ledger.HistoryEntry
	invites   map[string]ledger.Invite // by token hash
	resetDays map[string]time.Time
}

func (s state) clone() state {
	return state{
		accounts:  maps.Clone(s.accounts),
		events:    s.events[:len(s.events):len(s.events)],
		invites:   maps.Clone(s.invites),
		resetDays: maps.Clone(s.resetDays),
	}
}

// Store implements ledger.Store in memory.
type Store struct {
	mu     sync.Mutex
	st     state
	closed bool

	watchMu  sync.Mutex
	watchers map[*watcher]struct{}
}

type watcher struct {
	ch chan struct{}
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		st: state{
			accounts:  make(map[string]ledger.Account),
			invites:   make(map[string]ledger.Invite),
			resetDays: make(map[string]time.Time),
		},
		watchers: make(map[*watcher]struct{}),
	}
}

// InTx runs fn against a private copy and publishes it when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	tx := &memTx{st: s.st.clone()}
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		s.st = tx.st
	}
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if tx.accountsChanged {
		s.notify()
	}
	return nil
}

// ListAccounts returns every account.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.st.accounts)), nil
}

// GetAccount returns account id.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return a, nil
}

// RecentEvents returns matching entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, q ledger.EventQuery) ([]ledger.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]ledger.HistoryEntry, 0, min(len(s.st.events), max(q.Limit, 0)))
	for _, e := range s.st.events {
		if q.AccountID != "" && e.AccountID != q.AccountID {
			continue
		}
		out = append(out, e)
	}
	s.mu.Unlock()

	ledger.SortEntries(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// GetInviteByHash returns the invite stored under tokenHash.
func (s *Store) GetInviteByHash(ctx context.Context, tokenHash string) (ledger.Invite, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Invite{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.st.invites[tokenHash]
	if !ok {
		return ledger.Invite{}, ledger.ErrNotFound
	}
	return inv, nil
}

// WatchAccounts returns a coalescing change signal.
func (s *Store) WatchAccounts(ctx context.Context) (<-chan struct{}, error) {
	w := &watcher{ch: make(chan struct{}, 1)}
	s.watchMu.Lock()
	s.watchers[w] = struct{}{}
	s.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		s.watchMu.Lock()
		delete(s.watchers, w)
		s.watchMu.Unlock()
		close(w.ch)
	}()
	return w.ch, nil
}

func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for w := range s.watchers {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// Ping always succeeds while the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return nil
}

// Close rejects further transactions.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type memTx struct {
	st              state
	accountsChanged bool
}

func (t *memTx) GetAccountForUpdate(_ context.Context, id string) (ledger.Account, error) {
	a, ok := t.st.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrNotFound
	}
	return a, nil
}

func (t *memTx) AccountsHeldBy(_ context.Context, ownerID string) ([]ledger.Account, error) {
	var out []ledger.Account
	for _, a := range t.st.accounts {
		if a.HeldBy(ownerID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (t *memTx) BusyAccountsForUpdate(_ context.Context) ([]ledger.Account, error) {
	return t.filter(ledger.StatusBusy), nil
}

func (t *memTx) FreeAccounts(_ context.Context) ([]ledger.Account, error) {
	return t.filter(ledger.StatusFree), nil
}

func (t *memTx) filter(status ledger.Status) []ledger.Account {
	var out []ledger.Account
	for _, a := range t.st.accounts {
		if a.Status == status {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b ledger.Account) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (t *memTx) InsertAccount(_ context.Context, a ledger.Account) error {
	if _, ok := t.st.accounts[a.ID]; ok {
		return ledger.ErrConflict
	}
	if t.usernameTaken(a.Username, a.ID) {
		return ledger.ErrConflict
	}
	t.st.accounts[a.ID] = a
	t.accountsChanged = true
	return nil
}

func (t *memTx) UpdateAccount(_ context.Context, a ledger.Account) error {
	if _, ok := t.st.accounts[a.ID]; !ok {
		return ledger.ErrNotFound
	}
	if t.usernameTaken(a.Username, a.ID) {
		return ledger.ErrConflict
	}
	if a.Status == ledger.StatusBusy && a.OwnerID != nil {
		for id, other := range t.st.accounts {
			if id != a.ID && other.HeldBy(*a.OwnerID) {
				return ledger.ErrAlreadyHolding
			}
		}
	}
	t.st.accounts[a.ID] = a
	t.accountsChanged = true
	return nil
}

func (t *memTx) usernameTaken(username, exceptID string) bool {
	for id, other := range t.st.accounts {
		if id != exceptID && strings.EqualFold(other.Username, username) {
			return true
		}
	}
	return false
}

func (t *memTx) DeleteAccount(_ context.Context, id string) error {
	if _, ok := t.st.accounts[id]; !ok {
		return ledger.ErrNotFound
	}
	delete(t.st.accounts, id)
	t.accountsChanged = true
	return nil
}

func (t *memTx) RecordObservation(_ context.Context, accountID string, busy bool, at time.Time) error {
	a, ok := t.st.accounts[accountID]
	if !ok {
		return ledger.ErrNotFound
	}
	a.ExternalBusy = &busy
	a.LastCheckedAt = &at
	t.st.accounts[accountID] = a
	t.accountsChanged = true
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e ledger.HistoryEntry) error {
	t.st.events = append(t.st.events, e)
	return nil
}

func (t *memTx) InsertInvite(_ context.Context, inv ledger.Invite, tokenHash string) error {
	if _, ok := t.st.invites[tokenHash]; ok {
		return ledger.ErrConflict
	}
	t.st.invites[tokenHash] = inv
	return nil
}

func (t *memTx) GetInviteForUpdate(_ context.Context, tokenHash string) (ledger.Invite, error) {
	inv, ok := t.st.invites[tokenHash]
	if !ok {
		return ledger.Invite{}, ledger.ErrNotFound
	}
	return inv, nil
}

func (t *memTx) SetInviteRemaining(_ context.Context, inviteID string, remaining int) error {
	for h, inv := range t.st.invites {
		if inv.ID != inviteID {
			continue
		}
		if remaining < 0 {
			return ledger.ErrInviteNotActive
		}
		inv.RemainingUses = &remaining
		t.st.invites[h] = inv
		return nil
	}
	return ledger.ErrNotFound
}

func (t *memTx) ClaimResetDay(_ context.Context, day string, at time.Time) (bool, error) {
	if _, ok := t.st.resetDays[day]; ok {
		return false, nil
	}
	t.st.resetDays[day] = at
	return true, nil
}
