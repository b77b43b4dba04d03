package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Callers match them with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyHolding   = errors.New("already holding a reservation")
	ErrUnavailable      = errors.New("account unavailable")
	ErrNotOwner         = errors.New("not the reservation owner")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConflict         = errors.New("conflict")
	ErrInviteNotActive  = errors.New("invite not active")
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSerialization is returned by stores when a transaction lost a write race.
	ErrSerialization = errors.New("concurrent update detected")

	errNilStore = errors.New("ledger: nil store")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above. Msg is human readable and never carries secrets.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// Message returns the human-readable part of err suitable for end users.
func Message(err error) string {
	var oe OpError
	if errors.As(err, &oe) {
		if oe.Msg != "" {
			return oe.Msg
		}
		return oe.Kind.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// storeErr classifies a raw store failure. Known kinds pass through untouched,
// timeouts and transport failures become ErrStoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var oe OpError
	if errors.As(err, &oe) {
		return err
	}
	for _, k := range []error{
		ErrNotFound, ErrConflict, ErrAlreadyHolding, ErrUnavailable,
		ErrInviteNotActive, ErrInvalidInput,
	} {
		if errors.Is(err, k) {
			return OpError{Op: op, Kind: k, Msg: err.Error()}
		}
	}
	if errors.Is(err, ErrSerialization) {
		return OpError{Op: op, Kind: ErrUnavailable, Msg: "another request changed this account first, refresh and try again"}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrStoreUnavailable) {
		return OpError{Op: op, Kind: ErrStoreUnavailable, Msg: "storage did not answer in time"}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return OpError{Op: op, Kind: ErrStoreUnavailable, Msg: err.Error()}
}

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsAlreadyHolding reports whether err represents ErrAlreadyHolding.
func IsAlreadyHolding(err error) bool { return errors.Is(err, ErrAlreadyHolding) }

// IsUnavailable reports whether err represents ErrUnavailable.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsNotOwner reports whether err represents ErrNotOwner.
func IsNotOwner(err error) bool { return errors.Is(err, ErrNotOwner) }

// IsConflict reports whether err represents ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsStoreUnavailable reports whether err represents ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }
