package ledger

import (
	"context"
	"errors"
	"math"
	"net/mail"
	"strings"
	"time"

	"qamanager/cmd/security/token"
)

const (
	maxInviteLabelLen = 200
	maxInviteHours    = float64(math.MaxInt64) / float64(time.Hour)

	ReasonNotFound  = "invite not found"
	ReasonExpired   = "invite expired"
	ReasonExhausted = "invite has no remaining uses"
)

// Invites is the invite ledger: the only writer of Invite.RemainingUses.
type Invites struct {
	c *core
}

// IssueInviteInput describes a new invite. Nil fields are unset.
type IssueInviteInput struct {
	Label          *string
	InviteeEmail   *string
	ExpiresInHours *float64
	MaxUses        *int
}

// Verification is the outcome of Verify.
type Verification struct {
	Valid        bool
	Reason       string
	InviteeEmail *string
	Label        *string
	Invite       *Invite
}

// Issue creates an invite and returns it with its plain token. The token is
// not recoverable afterwards.
func (s *Invites) Issue(ctx context.Context, in IssueInviteInput, issuer Actor) (Invite, string, error) {
	const op = "ledger.Invites.Issue"

	if strings.TrimSpace(issuer.ID) == "" || issuer.Kind == ActorGuest {
		return Invite{}, "", opErr(op, ErrUnauthenticated, "sign in to create invites")
	}

	now := s.c.now()
	inv := Invite{CreatedAt: now, CreatedBy: issuer.ID}

	if in.Label != nil {
		if l := strings.TrimSpace(*in.Label); l != "" {
			if len(l) > maxInviteLabelLen {
				return Invite{}, "", opErr(op, ErrInvalidInput, "label is too long")
			}
			inv.Label = &l
		}
	}
	if in.InviteeEmail != nil {
		if e := strings.TrimSpace(*in.InviteeEmail); e != "" {
			addr, err := mail.ParseAddress(e)
			if err != nil || addr.Address != e {
				return Invite{}, "", opErr(op, ErrInvalidInput, "invitee email is not a valid address")
			}
			inv.InviteeEmail = &e
		}
	}
	if in.ExpiresInHours != nil {
		h := *in.ExpiresInHours
		if math.IsNaN(h) || math.IsInf(h, 0) {
			return Invite{}, "", opErr(op, ErrInvalidInput, "expiresInHours must be a number")
		}
		if h <= 0 {
			return Invite{}, "", opErr(op, ErrInvalidInput, "expiresInHours must be positive")
		}
		// time.Duration overflows past ~292 years; Add would wrap into the past.
		if h >= maxInviteHours {
			return Invite{}, "", opErr(op, ErrInvalidInput, "expiresInHours is too large")
		}
		d := time.Duration(h * float64(time.Hour))
		if d <= 0 {
			return Invite{}, "", opErr(op, ErrInvalidInput, "expiresInHours is too large")
		}
		if s.c.inviteMaxTTL > 0 && d > s.c.inviteMaxTTL {
			return Invite{}, "", opErr(op, ErrInvalidInput, "expiresInHours exceeds the allowed maximum")
		}
		exp := now.Add(d)
		inv.ExpiresAt = &exp
	}
	if in.MaxUses != nil {
		if *in.MaxUses <= 0 {
			return Invite{}, "", opErr(op, ErrInvalidInput, "maxUses must be positive")
		}
		inv.MaxUses = ptr(*in.MaxUses)
		inv.RemainingUses = ptr(*in.MaxUses)
	}

	plain, err := token.NewOpaque(s.c.inviteTokenBytes)
	if err != nil {
		return Invite{}, "", err
	}
	id, err := s.c.newID(now)
	if err != nil {
		return Invite{}, "", err
	}
	inv.ID = id

	err = s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertInvite(ctx, inv, s.c.hasher.Hash(plain))
	})
	if err != nil {
		return Invite{}, "", storeErr(op, err)
	}
	s.c.log.Info("invite.issue.ok", "invite_id", inv.ID, "issuer_id", issuer.ID)
	return inv, plain, nil
}

// Verify reports whether raw is currently usable. It never mutates state and
// reports unknown, expired and exhausted invites as Valid=false.
func (s *Invites) Verify(ctx context.Context, raw string) (Verification, error) {
	const op = "ledger.Invites.Verify"

	tok, err := token.Normalize(raw)
	if err != nil {
		return Verification{Reason: ReasonNotFound}, nil
	}

	ctx, cancel := s.c.bounded(ctx)
	defer cancel()

	inv, err := s.c.store.GetInviteByHash(ctx, s.c.hasher.Hash(tok))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Verification{Reason: ReasonNotFound}, nil
		}
		return Verification{}, storeErr(op, err)
	}

	v := Verification{InviteeEmail: inv.InviteeEmail, Label: inv.Label, Invite: &inv}
	switch reason := inactiveReason(inv, s.c.now()); reason {
	case "":
		v.Valid = true
	default:
		v.Reason = reason
	}
	return v, nil
}

// Consume uses up one redemption of raw. Unlimited invites are left untouched.
func (s *Invites) Consume(ctx context.Context, raw string) (Invite, error) {
	const op = "ledger.Invites.Consume"

	tok, err := token.Normalize(raw)
	if err != nil {
		return Invite{}, opErr(op, ErrNotFound, ReasonNotFound)
	}

	var out Invite
	err = s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := s.lockActive(ctx, tx, op, tok)
		if err != nil {
			return err
		}
		if err := s.decrement(ctx, tx, &inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if err != nil {
		return Invite{}, storeErr(op, err)
	}
	s.c.log.Info("invite.consume.ok", "invite_id", out.ID)
	return out, nil
}

// ReserveWithInvite reserves account id for the invite's guest identity and
// consumes one use in the same transaction. A repeated reserve by the same
// guest does not consume.
func (s *Invites) ReserveWithInvite(ctx context.Context, raw, accountID string) (ReserveResult, Actor, error) {
	const op = "ledger.Invites.ReserveWithInvite"

	tok, err := token.Normalize(raw)
	if err != nil {
		return ReserveResult{}, Actor{}, opErr(op, ErrNotFound, ReasonNotFound)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ReserveResult{}, Actor{}, opErr(op, ErrInvalidInput, "missing account id")
	}

	eng := &Engine{c: s.c}
	var (
		out   ReserveResult
		guest Actor
	)
	err = s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := s.lockActive(ctx, tx, op, tok)
		if err != nil {
			return err
		}
		guest = inv.GuestActor()
		res, err := eng.reserveTx(ctx, tx, op, accountID, guest)
		if err != nil {
			return err
		}
		if res.Changed {
			if err := s.decrement(ctx, tx, &inv); err != nil {
				return err
			}
		}
		out = res
		return nil
	})
	if err != nil {
		return ReserveResult{}, guest, eng.reserveErr(op, err)
	}
	s.c.log.Info("invite.reserve.ok", "account_id", accountID, "actor_id", guest.ID, "changed", out.Changed)
	return out, guest, nil
}

// ReleaseWithInvite releases account id for the invite's guest identity. It
// works while the invite exists and has not expired, even with no uses left.
func (s *Invites) ReleaseWithInvite(ctx context.Context, raw, accountID string) (ReleaseResult, Actor, error) {
	const op = "ledger.Invites.ReleaseWithInvite"

	tok, err := token.Normalize(raw)
	if err != nil {
		return ReleaseResult{}, Actor{}, opErr(op, ErrNotFound, ReasonNotFound)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ReleaseResult{}, Actor{}, opErr(op, ErrInvalidInput, "missing account id")
	}

	eng := &Engine{c: s.c}
	var (
		out   ReleaseResult
		guest Actor
	)
	err = s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		inv, err := tx.GetInviteForUpdate(ctx, s.c.hasher.Hash(tok))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return opErr(op, ErrNotFound, ReasonNotFound)
			}
			return err
		}
		if inv.Expired(s.c.now()) {
			return opErr(op, ErrInviteNotActive, ReasonExpired)
		}
		guest = inv.GuestActor()
		res, err := eng.releaseTx(ctx, tx, op, accountID, guest)
		out = res
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			var oe OpError
			if !errors.As(err, &oe) {
				return ReleaseResult{}, guest, opErr(op, ErrNotFound, "account not found")
			}
		}
		return ReleaseResult{}, guest, storeErr(op, err)
	}
	return out, guest, nil
}

// FreeAccounts lists free accounts for a currently valid invite.
func (s *Invites) FreeAccounts(ctx context.Context, raw string) ([]Account, error) {
	const op = "ledger.Invites.FreeAccounts"

	v, err := s.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !v.Valid {
		if v.Reason == ReasonNotFound {
			return nil, opErr(op, ErrNotFound, v.Reason)
		}
		return nil, opErr(op, ErrInviteNotActive, v.Reason)
	}
	list, err := (&Accounts{c: s.c}).List(ctx)
	if err != nil {
		return nil, err
	}
	out := list[:0]
	for _, a := range list {
		if a.Status == StatusFree {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Invites) lockActive(ctx context.Context, tx Tx, op, tok string) (Invite, error) {
	inv, err := tx.GetInviteForUpdate(ctx, s.c.hasher.Hash(tok))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Invite{}, opErr(op, ErrNotFound, ReasonNotFound)
		}
		return Invite{}, err
	}
	if reason := inactiveReason(inv, s.c.now()); reason != "" {
		return Invite{}, opErr(op, ErrInviteNotActive, reason)
	}
	return inv, nil
}

func (s *Invites) decrement(ctx context.Context, tx Tx, inv *Invite) error {
	if inv.RemainingUses == nil {
		return nil
	}
	left := *inv.RemainingUses - 1
	if err := tx.SetInviteRemaining(ctx, inv.ID, left); err != nil {
		return err
	}
	inv.RemainingUses = &left
	return nil
}

func inactiveReason(inv Invite, now time.Time) string {
	switch {
	case inv.Expired(now):
		return ReasonExpired
	case inv.Exhausted():
		return ReasonExhausted
	}
	return ""
}
