// Package ledger is the account reservation ledger: accounts, the reserve /
// release state machine, the history feed and invite capabilities.
//
// All state lives behind Store. Every call is bounded by a store timeout and
// every state change runs inside a single Store transaction together with its
// history entry and, for guests, the invite decrement.
package ledger

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"qamanager/cmd/identity/ids"
	"qamanager/cmd/security/secret"
	"qamanager/cmd/security/token"
)

const defaultStoreTimeout = 5 * time.Second

// Ledger bundles the ledger components over one Store.
type Ledger struct {
	Accounts *Accounts
	Engine   *Engine
	History  *History
	Invites  *Invites
}

// core is shared by every component.
type core struct {
	store   Store
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time

	sealer *secret.Sealer
	hasher *token.Hasher

	strictOwnerRelease bool
	inviteTokenBytes   int
	inviteMaxTTL       time.Duration
}

// Option configures a Ledger.
type Option func(*core) error

// WithLogger sets the logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option {
	return func(c *core) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

// WithStoreTimeout bounds every store call (default 5s).
func WithStoreTimeout(d time.Duration) Option {
	return func(c *core) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		c.timeout = d
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *core) error {
		if now == nil {
			return ErrInvalidInput
		}
		c.now = now
		return nil
	}
}

// WithStrictOwnerRelease controls whether only the owner (or an admin) may
// release a busy account. Default true.
func WithStrictOwnerRelease(strict bool) Option {
	return func(c *core) error {
		c.strictOwnerRelease = strict
		return nil
	}
}

// WithSealer sets the password sealer (default pass-through).
func WithSealer(s *secret.Sealer) Option {
	return func(c *core) error {
		if s != nil {
			c.sealer = s
		}
		return nil
	}
}

// WithTokenHasher sets how invite tokens are hashed (default SHA-256).
func WithTokenHasher(h *token.Hasher) Option {
	return func(c *core) error {
		if h != nil {
			c.hasher = h
		}
		return nil
	}
}

// WithInviteTokenBytes sets the entropy of issued invite tokens.
func WithInviteTokenBytes(n int) Option {
	return func(c *core) error {
		if n < 16 {
			return ErrInvalidInput
		}
		c.inviteTokenBytes = n
		return nil
	}
}

// WithInviteMaxTTL caps expiresInHours on issued invites. Zero means no cap.
func WithInviteMaxTTL(d time.Duration) Option {
	return func(c *core) error {
		if d < 0 {
			return ErrInvalidInput
		}
		c.inviteMaxTTL = d
		return nil
	}
}

// New constructs a Ledger over store.
func New(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, errNilStore
	}
	c := &core{
		store:              store,
		log:                slog.Default(),
		timeout:            defaultStoreTimeout,
		now:                func() time.Time { return time.Now().UTC() },
		sealer:             &secret.Sealer{},
		hasher:             &token.Hasher{},
		strictOwnerRelease: true,
		inviteTokenBytes:   token.DefaultBytes,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return &Ledger{
		Accounts: &Accounts{c: c},
		Engine:   &Engine{c: c},
		History:  &History{c: c},
		Invites:  &Invites{c: c},
	}, nil
}

// bounded derives the per-call deadline.
func (c *core) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

// inTx runs fn in a store transaction under the store timeout; fn receives
// the bounded context.
func (c *core) inTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	return c.store.InTx(ctx, func(tx Tx) error { return fn(ctx, tx) })
}

func (c *core) newID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// appendEvent stamps an id and writes e inside tx.
func (c *core) appendEvent(ctx context.Context, tx Tx, e HistoryEntry) (HistoryEntry, error) {
	at := c.now()
	if e.Timestamp != nil {
		at = *e.Timestamp
	}
	id, err := c.newID(at)
	if err != nil {
		return HistoryEntry{}, err
	}
	e.ID = id
	if err := tx.AppendEvent(ctx, e); err != nil {
		return HistoryEntry{}, err
	}
	return e, nil
}

// randIndex picks a uniform index in [0,n).
func (c *core) randIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.IntN(n)
}
