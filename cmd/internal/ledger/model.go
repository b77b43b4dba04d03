package ledger

import (
	"strings"
	"time"
)

// Status is the reservation state of an account.
type Status string

const (
	StatusFree Status = "free"
	StatusBusy Status = "busy"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool { return s == StatusFree || s == StatusBusy }

// Action is the kind of state transition recorded in history.
type Action string

const (
	ActionCheckout Action = "checkout"
	ActionCheckin  Action = "checkin"
)

// Account is one shared credential set.
//
// Status == StatusBusy iff OwnerID != nil. Free accounts carry no Owner/OwnerID.
type Account struct {
	ID       string
	Username string
	Email    string

	// SealedPassword is the at-rest form of the password; never sent to clients.
	SealedPassword *string

	Status  Status
	Owner   *string
	OwnerID *string

	LastUsedAt     *time.Time
	LastReturnedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Observation from the external session API. Informational only.
	ExternalBusy  *bool
	LastCheckedAt *time.Time
}

// HeldBy reports whether the account is busy and owned by actorID.
func (a Account) HeldBy(actorID string) bool {
	return a.Status == StatusBusy && a.OwnerID != nil && *a.OwnerID == actorID
}

// markBusy transitions the account into the busy state for actor.
func (a *Account) markBusy(actor Actor, now time.Time) {
	name := actor.Label()
	id := actor.ID
	a.Status = StatusBusy
	a.Owner = &name
	a.OwnerID = &id
	a.LastUsedAt = &now
	a.UpdatedAt = now
}

// markFree transitions the account into the free state.
func (a *Account) markFree(now time.Time) {
	a.Status = StatusFree
	a.Owner = nil
	a.OwnerID = nil
	a.LastReturnedAt = &now
	a.UpdatedAt = now
}

// HistoryEntry is one immutable audit record. The same row backs the global
// feed and the per-account feed.
type HistoryEntry struct {
	ID        string
	AccountID string
	Action    Action
	UserID    string
	UserName  *string
	Email     *string

	// Timestamp is nil when the time is unknown; such entries sort last.
	Timestamp *time.Time
}

// ActorKind classifies who is acting on the ledger.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorAdmin  ActorKind = "admin"
	ActorGuest  ActorKind = "guest"
	ActorSystem ActorKind = "system"
)

// Actor is the identity attached to every mutating call.
type Actor struct {
	ID          string
	DisplayName string
	Email       string
	Kind        ActorKind

	// InviteID is set for guests acting through an invite.
	InviteID string
}

// IsAdmin reports whether the actor may perform administrative operations.
func (a Actor) IsAdmin() bool { return a.Kind == ActorAdmin || a.Kind == ActorSystem }

// Label is the display form stored as the account owner.
func (a Actor) Label() string {
	if s := strings.TrimSpace(a.DisplayName); s != "" {
		return s
	}
	if s := strings.TrimSpace(a.Email); s != "" {
		return s
	}
	return "User"
}

func (a Actor) historyEntry(accountID string, action Action, at time.Time) HistoryEntry {
	e := HistoryEntry{
		AccountID: accountID,
		Action:    action,
		UserID:    a.ID,
		Timestamp: &at,
	}
	if s := strings.TrimSpace(a.DisplayName); s != "" {
		e.UserName = &s
	}
	if s := strings.TrimSpace(a.Email); s != "" {
		e.Email = &s
	}
	return e
}

// SystemResetActor is the identity that daily resets are attributed to.
var SystemResetActor = Actor{
	ID:          "system-reset",
	DisplayName: "Automatic reset",
	Kind:        ActorSystem,
}

// Invite is a capability granting time/use bounded reservation rights.
type Invite struct {
	ID           string
	Label        *string
	InviteeEmail *string
	CreatedAt    time.Time
	CreatedBy    string
	ExpiresAt    *time.Time

	// nil means unlimited uses.
	MaxUses       *int
	RemainingUses *int
}

// Expired reports whether the invite is past its expiry at now.
func (i Invite) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Exhausted reports whether a use-limited invite has no uses left.
func (i Invite) Exhausted() bool {
	return i.RemainingUses != nil && *i.RemainingUses <= 0
}

// GuestActor is the capability identity bound to this invite.
func (i Invite) GuestActor() Actor {
	a := Actor{Kind: ActorGuest, InviteID: i.ID}
	if i.InviteeEmail != nil && strings.TrimSpace(*i.InviteeEmail) != "" {
		email := strings.ToLower(strings.TrimSpace(*i.InviteeEmail))
		a.ID = "invite:" + email
		a.DisplayName = email
		a.Email = email
		return a
	}
	a.ID = "invite:" + i.ID
	if i.Label != nil && strings.TrimSpace(*i.Label) != "" {
		a.DisplayName = strings.TrimSpace(*i.Label)
	} else {
		a.DisplayName = "Guest"
	}
	return a
}

func ptr[T any](v T) *T { return &v }
