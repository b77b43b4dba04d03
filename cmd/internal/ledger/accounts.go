package ledger

import (
	"context"
	"errors"
	"net/mail"
	"strings"
)

const maxFieldLen = 256

// Accounts manages account records. It never changes reservation ownership
// except to clear it when an admin forces an account back to free.
type Accounts struct {
	c *core
}

// CreateAccountInput is the payload for Create and Import.
type CreateAccountInput struct {
	Username string
	Email    string
	Password string
}

// AccountPatch carries the fields an admin edit may change. Nil means unchanged.
type AccountPatch struct {
	Username *string
	Email    *string
	Password *string
	Status   *Status
}

// ImportResult reports one Import line.
type ImportResult struct {
	Username string
	ID       string
	Err      error
}

// Create inserts a new free account.
func (s *Accounts) Create(ctx context.Context, in CreateAccountInput) (Account, error) {
	const op = "ledger.Accounts.Create"

	username, email, err := normalizeAccountFields(in.Username, in.Email)
	if err != nil {
		return Account{}, opErr(op, ErrInvalidInput, err.Error())
	}
	now := s.c.now()
	id, err := s.c.newID(now)
	if err != nil {
		return Account{}, err
	}

	a := Account{
		ID:        id,
		Username:  username,
		Email:     email,
		Status:    StatusFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.Password != "" {
		sealed, err := s.c.sealer.Seal(in.Password)
		if err != nil {
			return Account{}, err
		}
		a.SealedPassword = &sealed
	}

	err = s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertAccount(ctx, a)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return Account{}, opErr(op, ErrConflict, "an account with this username already exists")
		}
		return Account{}, storeErr(op, err)
	}
	s.c.log.Info("account.create.ok", "account_id", a.ID, "username", a.Username)
	return a, nil
}

// Update applies patch to account id. Forcing status to free clears the owner;
// forcing busy is rejected unless the account is already held.
func (s *Accounts) Update(ctx context.Context, id string, patch AccountPatch) (Account, error) {
	const op = "ledger.Accounts.Update"

	id = strings.TrimSpace(id)
	if id == "" {
		return Account{}, opErr(op, ErrInvalidInput, "missing account id")
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return Account{}, opErr(op, ErrInvalidInput, "status must be free or busy")
	}

	var sealed *string
	if patch.Password != nil {
		if *patch.Password == "" {
			sealed = ptr("")
		} else {
			v, err := s.c.sealer.Seal(*patch.Password)
			if err != nil {
				return Account{}, err
			}
			sealed = &v
		}
	}

	var out Account
	err := s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		a, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return err
		}

		username, email := a.Username, a.Email
		if patch.Username != nil {
			username = *patch.Username
		}
		if patch.Email != nil {
			email = *patch.Email
		}
		if username, email, err = normalizeAccountFields(username, email); err != nil {
			return opErr(op, ErrInvalidInput, err.Error())
		}
		a.Username, a.Email = username, email

		if sealed != nil {
			if *sealed == "" {
				a.SealedPassword = nil
			} else {
				a.SealedPassword = sealed
			}
		}

		now := s.c.now()
		if patch.Status != nil {
			switch *patch.Status {
			case StatusFree:
				a.Status = StatusFree
				a.Owner = nil
				a.OwnerID = nil
			case StatusBusy:
				if a.OwnerID == nil {
					return opErr(op, ErrInvalidInput, "an account can only become busy through a reservation")
				}
			}
		}
		a.UpdatedAt = now

		if err := tx.UpdateAccount(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, opErr(op, ErrNotFound, "account not found")
		}
		if errors.Is(err, ErrConflict) {
			return Account{}, opErr(op, ErrConflict, "an account with this username already exists")
		}
		return Account{}, storeErr(op, err)
	}
	s.c.log.Info("account.update.ok", "account_id", out.ID)
	return out, nil
}

// Delete removes account id. History entries stay.
func (s *Accounts) Delete(ctx context.Context, id string) error {
	const op = "ledger.Accounts.Delete"

	id = strings.TrimSpace(id)
	if id == "" {
		return opErr(op, ErrInvalidInput, "missing account id")
	}
	err := s.c.inTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteAccount(ctx, id)
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return opErr(op, ErrNotFound, "account not found")
		}
		return storeErr(op, err)
	}
	s.c.log.Info("account.delete.ok", "account_id", id)
	return nil
}

// List returns every account ordered by username.
func (s *Accounts) List(ctx context.Context) ([]Account, error) {
	ctx, cancel := s.c.bounded(ctx)
	defer cancel()

	out, err := s.c.store.ListAccounts(ctx)
	if err != nil {
		return nil, storeErr("ledger.Accounts.List", err)
	}
	sortAccounts(out)
	return out, nil
}

// Get returns one account.
func (s *Accounts) Get(ctx context.Context, id string) (Account, error) {
	const op = "ledger.Accounts.Get"

	ctx, cancel := s.c.bounded(ctx)
	defer cancel()

	a, err := s.c.store.GetAccount(ctx, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, opErr(op, ErrNotFound, "account not found")
		}
		return Account{}, storeErr(op, err)
	}
	return a, nil
}

// Credentials returns the plain password of account id. Only the current
// holder or an admin may read it.
func (s *Accounts) Credentials(ctx context.Context, id string, actor Actor) (string, error) {
	const op = "ledger.Accounts.Credentials"

	a, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if !actor.IsAdmin() && !a.HeldBy(actor.ID) {
		return "", opErr(op, ErrPermissionDenied, "reserve the account to see its password")
	}
	if a.SealedPassword == nil {
		return "", nil
	}
	plain, err := s.c.sealer.Open(*a.SealedPassword)
	if err != nil {
		s.c.log.Error("account.credentials.open.fail", "account_id", a.ID, "err", err)
		return "", opErr(op, ErrStoreUnavailable, "stored password cannot be decrypted")
	}
	return plain, nil
}

// Export returns every account with its plain password for backup.
func (s *Accounts) Export(ctx context.Context) ([]CreateAccountInput, error) {
	const op = "ledger.Accounts.Export"

	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]CreateAccountInput, 0, len(list))
	for _, a := range list {
		item := CreateAccountInput{Username: a.Username, Email: a.Email}
		if a.SealedPassword != nil {
			plain, err := s.c.sealer.Open(*a.SealedPassword)
			if err != nil {
				return nil, opErr(op, ErrStoreUnavailable, "stored password cannot be decrypted for "+a.Username)
			}
			item.Password = plain
		}
		out = append(out, item)
	}
	return out, nil
}

// Import creates each item, continuing past failures.
func (s *Accounts) Import(ctx context.Context, items []CreateAccountInput) []ImportResult {
	out := make([]ImportResult, 0, len(items))
	for _, in := range items {
		a, err := s.Create(ctx, in)
		out = append(out, ImportResult{Username: strings.TrimSpace(in.Username), ID: a.ID, Err: err})
	}
	return out
}

func normalizeAccountFields(username, email string) (string, string, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" {
		return "", "", errors.New("username is required")
	}
	if email == "" {
		return "", "", errors.New("email is required")
	}
	if len(username) > maxFieldLen || len(email) > maxFieldLen {
		return "", "", errors.New("username and email must be at most 256 characters")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", "", errors.New("email is not a valid address")
	}
	return username, email, nil
}
