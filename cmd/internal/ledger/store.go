package ledger

import (
	"context"
	"time"
)

// EventQuery selects history entries, newest first.
type EventQuery struct {
	// AccountID restricts to one account when non-empty.
	AccountID string
	Limit     int
}

// Store is the persistence boundary for the ledger.
//
// Reads outside InTx may observe any committed state. Everything that changes
// account status, history or invite uses goes through InTx so the store can
// serialize it against concurrent writers.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error

	ListAccounts(ctx context.Context) ([]Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	RecentEvents(ctx context.Context, q EventQuery) ([]HistoryEntry, error)
	GetInviteByHash(ctx context.Context, tokenHash string) (Invite, error)

	// WatchAccounts signals (coalesced) after every committed change that
	// touches the accounts collection. The channel closes when ctx ends.
	WatchAccounts(ctx context.Context) (<-chan struct{}, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is a unit of work. Methods suffixed ForUpdate lock what they return
// until the transaction ends.
type Tx interface {
	GetAccountForUpdate(ctx context.Context, id string) (Account, error)
	// AccountsHeldBy returns busy accounts whose owner is ownerID.
	AccountsHeldBy(ctx context.Context, ownerID string) ([]Account, error)
	BusyAccountsForUpdate(ctx context.Context) ([]Account, error)
	FreeAccounts(ctx context.Context) ([]Account, error)

	InsertAccount(ctx context.Context, a Account) error
	UpdateAccount(ctx context.Context, a Account) error
	DeleteAccount(ctx context.Context, id string) error
	RecordObservation(ctx context.Context, accountID string, busy bool, at time.Time) error

	AppendEvent(ctx context.Context, e HistoryEntry) error

	InsertInvite(ctx context.Context, inv Invite, tokenHash string) error
	GetInviteForUpdate(ctx context.Context, tokenHash string) (Invite, error)
	SetInviteRemaining(ctx context.Context, inviteID string, remaining int) error

	// ClaimResetDay records that the daily reset ran for day (YYYY-MM-DD).
	// It returns false when the day was already claimed.
	ClaimResetDay(ctx context.Context, day string, at time.Time) (bool, error)
}
