package pgstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"qamanager/cmd/identity/ids"
	"qamanager/cmd/internal/ledger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when QAM_TEST_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestLedger_ReserveReleaseHistory(t *testing.T) {
	t.Parallel()

	l, _ := mustOpenTestLedger(t)
	ctx := context.Background()

	acc, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: "qa01", Email: "qa01@x.com", Password: "pw"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: "QA01", Email: "dup@x.com"}); !ledger.IsConflict(err) {
		t.Fatalf("expected conflict for duplicate username, got %v", err)
	}

	alice := ledger.Actor{ID: "alice", DisplayName: "Alice", Kind: ledger.ActorUser}
	bob := ledger.Actor{ID: "bob", DisplayName: "Bob", Kind: ledger.ActorUser}

	if _, err := l.Engine.Reserve(ctx, acc.ID, alice); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := l.Engine.Reserve(ctx, acc.ID, bob); !ledger.IsUnavailable(err) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if _, err := l.Engine.Release(ctx, acc.ID, bob); !ledger.IsNotOwner(err) {
		t.Fatalf("expected not owner, got %v", err)
	}
	rel, err := l.Engine.Release(ctx, acc.ID, alice)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !rel.Changed || rel.Account.Status != ledger.StatusFree || rel.Account.LastReturnedAt == nil {
		t.Fatalf("unexpected release result: %+v", rel)
	}

	hist, err := l.History.RecentForAccount(ctx, acc.ID, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 || hist[0].Action != ledger.ActionCheckin || hist[1].Action != ledger.ActionCheckout {
		t.Fatalf("unexpected history: %+v", hist)
	}

	pw, err := l.Accounts.Credentials(ctx, acc.ID, ledger.Actor{ID: "admin", Kind: ledger.ActorAdmin})
	if err != nil || pw != "pw" {
		t.Fatalf("credentials = %q, %v", pw, err)
	}
}

func TestLedger_ConcurrentReserve_OneWinner(t *testing.T) {
	t.Parallel()

	l, _ := mustOpenTestLedger(t)
	ctx := context.Background()

	acc, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: "qa01", Email: "qa01@x.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	wg.Add(attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			actor := ledger.Actor{ID: newTestULID(t), Kind: ledger.ActorUser}
			_, err := l.Engine.Reserve(ctx, acc.ID, actor)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if ledger.IsUnavailable(err) {
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if success != 1 {
		t.Fatalf("expected 1 success, got %d", success)
	}
}

func TestLedger_ConcurrentReserve_OnePerUser(t *testing.T) {
	t.Parallel()

	l, _ := mustOpenTestLedger(t)
	ctx := context.Background()

	var accountIDs []string
	for _, name := range []string{"a", "b", "c", "d"} {
		acc, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: name, Email: name + "@x.com"})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		accountIDs = append(accountIDs, acc.ID)
	}

	alice := ledger.Actor{ID: "alice", Kind: ledger.ActorUser}
	var wg sync.WaitGroup
	wg.Add(len(accountIDs))
	errs := make(chan error, len(accountIDs))
	for _, id := range accountIDs {
		go func() {
			defer wg.Done()
			_, err := l.Engine.Reserve(ctx, id, alice)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if ledger.IsAlreadyHolding(err) || ledger.IsUnavailable(err) {
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if success != 1 {
		t.Fatalf("expected 1 success, got %d", success)
	}
}

func TestLedger_InviteConsume_MaxUses(t *testing.T) {
	t.Parallel()

	l, _ := mustOpenTestLedger(t)
	ctx := context.Background()

	two := 2
	_, tok, err := l.Invites.Issue(ctx, ledger.IssueInviteInput{MaxUses: &two}, ledger.Actor{ID: "admin", Kind: ledger.ActorAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	const attempts = 5
	var wg sync.WaitGroup
	wg.Add(attempts)
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := l.Invites.Consume(ctx, tok)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ledger.ErrInviteNotActive) {
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if success != 2 {
		t.Fatalf("expected 2 successes, got %d", success)
	}

	v, err := l.Invites.Verify(ctx, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if v.Valid || v.Reason != ledger.ReasonExhausted {
		t.Fatalf("expected exhausted invite, got %+v", v)
	}
}

func TestLedger_DailyResetOnce(t *testing.T) {
	t.Parallel()

	l, _ := mustOpenTestLedger(t)
	ctx := context.Background()

	acc, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: "qa01", Email: "qa01@x.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.Engine.Reserve(ctx, acc.ID, ledger.Actor{ID: "alice", Kind: ledger.ActorUser}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	first, err := l.Engine.DailyReset(ctx, "2026-03-10")
	if err != nil {
		t.Fatalf("daily reset: %v", err)
	}
	second, err := l.Engine.DailyReset(ctx, "2026-03-10")
	if err != nil {
		t.Fatalf("daily reset again: %v", err)
	}
	if first.Skipped || first.Count != 1 || !second.Skipped {
		t.Fatalf("unexpected results: first=%+v second=%+v", first, second)
	}
}

func TestStore_WatchAccounts(t *testing.T) {
	t.Parallel()

	l, st := mustOpenTestLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := st.WatchAccounts(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	// LISTEN runs asynchronously; keep writing until a signal arrives.
	deadline := time.After(10 * time.Second)
	for i := 0; ; i++ {
		name := "qa" + newTestULID(t)
		if _, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: name, Email: "w@x.com"}); err != nil {
			t.Fatalf("create: %v", err)
		}
		select {
		case <-ch:
			return
		case <-time.After(200 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no account signal after %d writes", i+1)
		}
	}
}

// ---- helpers ----

func mustOpenTestLedger(t *testing.T) (*ledger.Ledger, *Store) {
	t.Helper()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	schema := "qam_it_" + strings.ToLower(newTestULID(t))
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := Migrate(ctx, pool, schema); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := New(pool, WithSchema(schema), WithLogger(log))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	l, err := ledger.New(st, ledger.WithLogger(log))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return l, st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("QAM_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: QAM_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse QAM_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (QAM_TEST_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func newTestULID(t *testing.T) string {
	t.Helper()
	id, err := ids.NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	return id
}
