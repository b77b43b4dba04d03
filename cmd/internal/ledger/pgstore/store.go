// Package pgstore persists the ledger in PostgreSQL.
//
// Every table lives in one schema (default "qam"). Reserve, release and invite
// consumption lock rows with SELECT ... FOR UPDATE at READ COMMITTED; the
// partial unique index uq_accounts_busy_owner backs the one-account-per-user
// rule when two transactions race on different accounts.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"qamanager/cmd/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSchema is used when WithSchema is not given.
const DefaultSchema = "qam"

var errNilPool = errors.New("pgstore: nil pool")

// Store implements ledger.Store on a pgx pool. The pool is owned by the caller.
type Store struct {
	pool   *pgxpool.Pool
	schema string
	log    *slog.Logger

	done chan struct{}
}

var _ ledger.Store = (*Store)(nil)

// Option configures Store.
type Option func(*Store) error

// WithSchema sets the DB schema used by the store.
func WithSchema(schema string) Option {
	return func(s *Store) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ledger.ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// WithLogger sets the logger used by account watchers.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

// New constructs a Store.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	st := &Store{pool: pool, schema: DefaultSchema, log: slog.Default(), done: make(chan struct{})}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errNilPool
	}
	return st, nil
}

// Schema returns the schema the store reads and writes.
func (s *Store) Schema() string { return s.schema }

func (s *Store) table(name string) string {
	return pgIdent(s.schema, name)
}

// InTx runs fn in a READ COMMITTED transaction.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{s: s, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err)
	}
	return nil
}

// ListAccounts returns every account.
func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM `+s.table("accounts"))
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAccounts(rows)
}

// GetAccount returns account id.
func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM `+s.table("accounts")+` WHERE id = $1`, id)
	a, err := scanAccount(row)
	return a, mapErr(err)
}

// RecentEvents returns matching entries, newest first.
func (s *Store) RecentEvents(ctx context.Context, q ledger.EventQuery) ([]ledger.HistoryEntry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = ledger.MaxHistoryLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	events := s.table("account_events")
	if q.AccountID != "" {
		rows, err = s.pool.Query(ctx,
			`SELECT id, account_id, action, user_id, user_name, email, occurred_at
			   FROM `+events+`
			  WHERE account_id = $1
			  ORDER BY occurred_at DESC NULLS LAST, id DESC
			  LIMIT $2`,
			q.AccountID, limit)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT id, account_id, action, user_id, user_name, email, occurred_at
			   FROM `+events+`
			  ORDER BY occurred_at DESC NULLS LAST, id DESC
			  LIMIT $1`,
			limit)
	}
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []ledger.HistoryEntry
	for rows.Next() {
		var (
			e      ledger.HistoryEntry
			action string
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &action, &e.UserID, &e.UserName, &e.Email, &e.Timestamp); err != nil {
			return nil, mapErr(err)
		}
		e.Action = ledger.Action(action)
		out = append(out, e)
	}
	return out, mapErr(rows.Err())
}

// GetInviteByHash returns the invite stored under tokenHash.
func (s *Store) GetInviteByHash(ctx context.Context, tokenHash string) (ledger.Invite, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+inviteColumns+` FROM `+s.table("invites")+` WHERE token_hash = $1`, tokenHash)
	inv, err := scanInvite(row)
	return inv, mapErr(err)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close stops account watchers. It does not close the pool.
func (s *Store) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return nil
}

type pgTx struct {
	s  *Store
	tx pgx.Tx
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (ledger.Account, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM `+t.s.table("accounts")+` WHERE id = $1 FOR UPDATE`, id)
	a, err := scanAccount(row)
	return a, mapErr(err)
}

func (t *pgTx) AccountsHeldBy(ctx context.Context, ownerID string) ([]ledger.Account, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+accountColumns+` FROM `+t.s.table("accounts")+`
		  WHERE status = 'busy' AND owner_id = $1
		  ORDER BY id`,
		ownerID)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAccounts(rows)
}

func (t *pgTx) BusyAccountsForUpdate(ctx context.Context) ([]ledger.Account, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+accountColumns+` FROM `+t.s.table("accounts")+`
		  WHERE status = 'busy'
		  ORDER BY id
		  FOR UPDATE`)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAccounts(rows)
}

func (t *pgTx) FreeAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+accountColumns+` FROM `+t.s.table("accounts")+`
		  WHERE status = 'free'
		  ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectAccounts(rows)
}

func (t *pgTx) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("accounts")+` (
		     id, username, email, sealed_password, status, owner, owner_id,
		     last_used_at, last_returned_at, created_at, updated_at, external_busy, last_checked_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Username, a.Email, a.SealedPassword, string(a.Status), a.Owner, a.OwnerID,
		a.LastUsedAt, a.LastReturnedAt, a.CreatedAt, a.UpdatedAt, a.ExternalBusy, a.LastCheckedAt,
	)
	return mapErr(err)
}

func (t *pgTx) UpdateAccount(ctx context.Context, a ledger.Account) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("accounts")+`
		    SET username = $2,
		        email = $3,
		        sealed_password = $4,
		        status = $5,
		        owner = $6,
		        owner_id = $7,
		        last_used_at = $8,
		        last_returned_at = $9,
		        updated_at = $10,
		        external_busy = $11,
		        last_checked_at = $12
		  WHERE id = $1`,
		a.ID, a.Username, a.Email, a.SealedPassword, string(a.Status), a.Owner, a.OwnerID,
		a.LastUsedAt, a.LastReturnedAt, a.UpdatedAt, a.ExternalBusy, a.LastCheckedAt,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) DeleteAccount(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+t.s.table("accounts")+` WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) RecordObservation(ctx context.Context, accountID string, busy bool, at time.Time) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("accounts")+`
		    SET external_busy = $2, last_checked_at = $3
		  WHERE id = $1`,
		accountID, busy, at)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendEvent(ctx context.Context, e ledger.HistoryEntry) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("account_events")+` (
		     id, account_id, action, user_id, user_name, email, occurred_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.AccountID, string(e.Action), e.UserID, e.UserName, e.Email, e.Timestamp,
	)
	return mapErr(err)
}

func (t *pgTx) InsertInvite(ctx context.Context, inv ledger.Invite, tokenHash string) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("invites")+` (
		     id, token_hash, label, invitee_email, created_at, created_by, expires_at, max_uses, remaining_uses
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		inv.ID, tokenHash, inv.Label, inv.InviteeEmail, inv.CreatedAt, inv.CreatedBy,
		inv.ExpiresAt, inv.MaxUses, inv.RemainingUses,
	)
	return mapErr(err)
}

func (t *pgTx) GetInviteForUpdate(ctx context.Context, tokenHash string) (ledger.Invite, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+inviteColumns+` FROM `+t.s.table("invites")+` WHERE token_hash = $1 FOR UPDATE`, tokenHash)
	inv, err := scanInvite(row)
	return inv, mapErr(err)
}

func (t *pgTx) SetInviteRemaining(ctx context.Context, inviteID string, remaining int) error {
	if remaining < 0 {
		return ledger.ErrInviteNotActive
	}
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.s.table("invites")+` SET remaining_uses = $2 WHERE id = $1`,
		inviteID, remaining)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *pgTx) ClaimResetDay(ctx context.Context, day string, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.s.table("reset_runs")+` (day, ran_at) VALUES ($1, $2)
		 ON CONFLICT (day) DO NOTHING`,
		day, at)
	if err != nil {
		return false, mapErr(err)
	}
	return tag.RowsAffected() == 1, nil
}

const accountColumns = `id, username, email, sealed_password, status, owner, owner_id,
	last_used_at, last_returned_at, created_at, updated_at, external_busy, last_checked_at`

const inviteColumns = `id, label, invitee_email, created_at, created_by, expires_at, max_uses, remaining_uses`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		a      ledger.Account
		status string
	)
	err := row.Scan(
		&a.ID,
		&a.Username,
		&a.Email,
		&a.SealedPassword,
		&status,
		&a.Owner,
		&a.OwnerID,
		&a.LastUsedAt,
		&a.LastReturnedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ExternalBusy,
		&a.LastCheckedAt,
	)
	if err != nil {
		return ledger.Account{}, err
	}
	a.Status = ledger.Status(status)
	return a, nil
}

func collectAccounts(rows pgx.Rows) ([]ledger.Account, error) {
	defer rows.Close()
	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, a)
	}
	return out, mapErr(rows.Err())
}

func scanInvite(row pgx.Row) (ledger.Invite, error) {
	var inv ledger.Invite
	err := row.Scan(
		&inv.ID,
		&inv.Label,
		&inv.InviteeEmail,
		&inv.CreatedAt,
		&inv.CreatedBy,
		&inv.ExpiresAt,
		&inv.MaxUses,
		&inv.RemainingUses,
	)
	return inv, err
}

// mapErr converts driver errors into ledger sentinels.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		if pgErr.ConstraintName == "uq_accounts_busy_owner" {
			return ledger.ErrAlreadyHolding
		}
		return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.ConstraintName)
	case "23514": // check_violation
		if pgErr.ConstraintName == "chk_invites_remaining" {
			return ledger.ErrInviteNotActive
		}
		return fmt.Errorf("%w: %s", ledger.ErrInvalidInput, pgErr.ConstraintName)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return ledger.ErrSerialization
	}
	return err
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
