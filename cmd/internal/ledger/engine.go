package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Engine is the only writer of account status and ownership, and the only
// producer of history entries.
type Engine struct {
	c *core
}

// ReserveResult describes a Reserve outcome.
type ReserveResult struct {
	Account Account
	// Changed is false for a repeated reserve by the current holder.
	Changed bool
	Entry   *HistoryEntry
}

// ReleaseResult describes a Release outcome.
type ReleaseResult struct {
	Account Account
	// Changed is false when the account was already free.
	Changed bool
	Entry   *HistoryEntry
}

// ResetResult describes a bulk reset.
type ResetResult struct {
	Count int
	At    time.Time
	// Skipped is true when a daily reset found its day already claimed.
	Skipped bool
}

// Observation is one external-status reading for an account.
type Observation struct {
	AccountID string
	Busy      bool
}

// Reserve gives actor exclusive use of account id.
func (e *Engine) Reserve(ctx context.Context, id string, actor Actor) (ReserveResult, error) {
	const op = "ledger.Engine.Reserve"

	if err := validateActor(op, actor); err != nil {
		return ReserveResult{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ReserveResult{}, opErr(op, ErrInvalidInput, "missing account id")
	}

	var out ReserveResult
	err := e.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		res, err := e.reserveTx(ctx, tx, op, id, actor)
		out = res
		return err
	})
	if err != nil {
		e.c.log.Info("reservation.reserve.fail", "account_id", id, "actor_id", actor.ID, "err", err)
		return ReserveResult{}, e.reserveErr(op, err)
	}
	if out.Changed {
		e.c.log.Info("reservation.reserve.ok", "account_id", id, "actor_id", actor.ID)
	}
	return out, nil
}

// ReserveAny reserves a random free account for actor.
func (e *Engine) ReserveAny(ctx context.Context, actor Actor) (ReserveResult, error) {
	const op = "ledger.Engine.ReserveAny"

	if err := validateActor(op, actor); err != nil {
		return ReserveResult{}, err
	}

	var out ReserveResult
	err := e.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		held, err := tx.AccountsHeldBy(ctx, actor.ID)
		if err != nil {
			return err
		}
		if len(held) > 0 {
			return opErr(op, ErrAlreadyHolding, "you already hold "+held[0].Username+", release it first")
		}
		free, err := tx.FreeAccounts(ctx)
		if err != nil {
			return err
		}
		if len(free) == 0 {
			return opErr(op, ErrUnavailable, "no free account right now")
		}
		pick := free[e.c.randIndex(len(free))]
		res, err := e.reserveTx(ctx, tx, op, pick.ID, actor)
		out = res
		return err
	})
	if err != nil {
		return ReserveResult{}, e.reserveErr(op, err)
	}
	e.c.log.Info("reservation.reserve_any.ok", "account_id", out.Account.ID, "actor_id", actor.ID)
	return out, nil
}

// reserveTx runs the reserve state machine inside tx.
func (e *Engine) reserveTx(ctx context.Context, tx Tx, op, id string, actor Actor) (ReserveResult, error) {
	held, err := tx.AccountsHeldBy(ctx, actor.ID)
	if err != nil {
		return ReserveResult{}, err
	}
	for _, h := range held {
		if h.ID != id {
			return ReserveResult{}, opErr(op, ErrAlreadyHolding, "you already hold "+h.Username+", release it first")
		}
	}

	a, err := tx.GetAccountForUpdate(ctx, id)
	if err != nil {
		return ReserveResult{}, err
	}
	if a.Status == StatusBusy {
		if a.HeldBy(actor.ID) {
			return ReserveResult{Account: a}, nil
		}
		return ReserveResult{}, opErr(op, ErrUnavailable, a.Username+" is already in use, pick another account")
	}

	now := e.c.now()
	a.markBusy(actor, now)
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return ReserveResult{}, err
	}
	entry, err := e.c.appendEvent(ctx, tx, actor.historyEntry(a.ID, ActionCheckout, now))
	if err != nil {
		return ReserveResult{}, err
	}
	return ReserveResult{Account: a, Changed: true, Entry: &entry}, nil
}

func (e *Engine) reserveErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		var oe OpError
		if !errors.As(err, &oe) {
			return opErr(op, ErrNotFound, "account not found")
		}
	}
	if errors.Is(err, ErrAlreadyHolding) {
		var oe OpError
		if !errors.As(err, &oe) {
			return opErr(op, ErrAlreadyHolding, "you already hold an account, release it first")
		}
	}
	return storeErr(op, err)
}

// Release frees account id on behalf of actor.
func (e *Engine) Release(ctx context.Context, id string, actor Actor) (ReleaseResult, error) {
	const op = "ledger.Engine.Release"

	if err := validateActor(op, actor); err != nil {
		return ReleaseResult{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ReleaseResult{}, opErr(op, ErrInvalidInput, "missing account id")
	}

	var out ReleaseResult
	err := e.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		res, err := e.releaseTx(ctx, tx, op, id, actor)
		out = res
		return err
	})
	if err != nil {
		e.c.log.Info("reservation.release.fail", "account_id", id, "actor_id", actor.ID, "err", err)
		if errors.Is(err, ErrNotFound) {
			var oe OpError
			if !errors.As(err, &oe) {
				return ReleaseResult{}, opErr(op, ErrNotFound, "account not found")
			}
		}
		return ReleaseResult{}, storeErr(op, err)
	}
	if out.Changed {
		e.c.log.Info("reservation.release.ok", "account_id", id, "actor_id", actor.ID)
	}
	return out, nil
}

func (e *Engine) releaseTx(ctx context.Context, tx Tx, op, id string, actor Actor) (ReleaseResult, error) {
	a, err := tx.GetAccountForUpdate(ctx, id)
	if err != nil {
		return ReleaseResult{}, err
	}
	if a.Status == StatusFree {
		return ReleaseResult{Account: a}, nil
	}
	if e.c.strictOwnerRelease && !a.HeldBy(actor.ID) && !actor.IsAdmin() {
		owner := "another user"
		if a.Owner != nil {
			owner = *a.Owner
		}
		return ReleaseResult{}, opErr(op, ErrNotOwner, a.Username+" is held by "+owner+", only they can release it")
	}

	now := e.c.now()
	a.markFree(now)
	if err := tx.UpdateAccount(ctx, a); err != nil {
		return ReleaseResult{}, err
	}
	entry, err := e.c.appendEvent(ctx, tx, actor.historyEntry(a.ID, ActionCheckin, now))
	if err != nil {
		return ReleaseResult{}, err
	}
	return ReleaseResult{Account: a, Changed: true, Entry: &entry}, nil
}

// Active returns the account actorID currently holds, if any.
func (e *Engine) Active(ctx context.Context, actorID string) (*Account, error) {
	list, err := (&Accounts{c: e.c}).List(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range list {
		if a.HeldBy(actorID) {
			return &a, nil
		}
	}
	return nil, nil
}

// ResetAll frees every busy account and records a checkin per account,
// attributed to SystemResetActor.
func (e *Engine) ResetAll(ctx context.Context) (ResetResult, error) {
	const op = "ledger.Engine.ResetAll"

	var out ResetResult
	err := e.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		res, err := e.resetTx(ctx, tx)
		out = res
		return err
	})
	if err != nil {
		return ResetResult{}, storeErr(op, err)
	}
	e.c.log.Info("reset.run.ok", "count", out.Count, "trigger", "manual")
	return out, nil
}

// DailyReset runs ResetAll at most once per calendar day. day is YYYY-MM-DD in
// the reset time zone.
func (e *Engine) DailyReset(ctx context.Context, day string) (ResetResult, error) {
	const op = "ledger.Engine.DailyReset"

	if _, err := time.Parse(time.DateOnly, day); err != nil {
		return ResetResult{}, opErr(op, ErrInvalidInput, "day must be YYYY-MM-DD")
	}

	var out ResetResult
	err := e.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		claimed, err := tx.ClaimResetDay(ctx, day, e.c.now())
		if err != nil {
			return err
		}
		if !claimed {
			out = ResetResult{Skipped: true, At: e.c.now()}
			return nil
		}
		res, err := e.resetTx(ctx, tx)
		out = res
		return err
	})
	if err != nil {
		return ResetResult{}, storeErr(op, err)
	}
	if !out.Skipped {
		e.c.log.Info("reset.run.ok", "count", out.Count, "trigger", "daily", "day", day)
	}
	return out, nil
}

func (e *Engine) resetTx(ctx context.Context, tx Tx) (ResetResult, error) {
	busy, err := tx.BusyAccountsForUpdate(ctx)
	if err != nil {
		return ResetResult{}, err
	}
	now := e.c.now()
	for _, a := range busy {
		a.markFree(now)
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return ResetResult{}, err
		}
		if _, err := e.c.appendEvent(ctx, tx, SystemResetActor.historyEntry(a.ID, ActionCheckin, now)); err != nil {
			return ResetResult{}, err
		}
	}
	return ResetResult{Count: len(busy), At: now}, nil
}

// RecordObservations stores external busy flags. It never changes status or
// ownership.
func (e *Engine) RecordObservations(ctx context.Context, obs []Observation, at time.Time) error {
	const op = "ledger.Engine.RecordObservations"

	err := e.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		for _, o := range obs {
			if err := tx.RecordObservation(ctx, o.AccountID, o.Busy, at); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
		}
		return nil
	})
	return storeErr(op, err)
}

func validateActor(op string, a Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return opErr(op, ErrUnauthenticated, "missing acting user")
	}
	return nil
}
