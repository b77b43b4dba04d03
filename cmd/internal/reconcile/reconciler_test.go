package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/ledger/memstore"

	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	sessions []Session
	err      error
}

func (f fakeSessions) RunningSessions(context.Context) ([]Session, error) {
	return f.sessions, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.New(memstore.New(), ledger.WithLogger(discardLogger()))
	require.NoError(t, err)
	return l
}

func TestReconciler_RecordsObservationsWithoutTouchingOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t)

	ids := map[string]string{}
	for _, name := range []string{"qa01", "qa02", "QA03"} {
		a, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: name, Email: name + "@x.com"})
		require.NoError(t, err)
		ids[name] = a.ID
	}
	alice := ledger.Actor{ID: "alice", DisplayName: "Alice", Kind: ledger.ActorUser}
	_, err := l.Engine.Reserve(ctx, ids["qa01"], alice)
	require.NoError(t, err)

	checkedAt := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	src := fakeSessions{sessions: []Session{
		{UserName: "qa02", Status: "running"},
		{UserName: "qa03 ", Status: "running"},
		{UserName: "qa02", Status: "running"},
		{UserName: "ghost", Status: "running"},
		{UserName: "", Status: "running"},
	}}
	r := NewReconciler(discardLogger(), src, l.Accounts, l.Engine)
	r.now = func() time.Time { return checkedAt }

	rep, err := r.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, rep.Updated)
	require.Equal(t, 3, rep.BusyCount)
	require.Equal(t, checkedAt, rep.CheckedAt)

	kinds := map[string]string{}
	for _, d := range rep.Discrepancies {
		kinds[d.Username] = d.Kind
	}
	require.Equal(t, map[string]string{
		"qa01": ReservedIdle,
		"qa02": BusyUnreserved,
		"QA03": BusyUnreserved,
	}, kinds)

	busy, err := l.Accounts.Get(ctx, ids["qa01"])
	require.NoError(t, err)
	require.Equal(t, ledger.StatusBusy, busy.Status)
	require.NotNil(t, busy.OwnerID)
	require.Equal(t, "alice", *busy.OwnerID)
	require.NotNil(t, busy.ExternalBusy)
	require.False(t, *busy.ExternalBusy)

	free, err := l.Accounts.Get(ctx, ids["qa02"])
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFree, free.Status)
	require.Nil(t, free.OwnerID)
	require.NotNil(t, free.ExternalBusy)
	require.True(t, *free.ExternalBusy)
	require.NotNil(t, free.LastCheckedAt)
	require.True(t, free.LastCheckedAt.Equal(checkedAt))

	hist, err := l.History.RecentGlobal(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 1, "reconciliation must not write history")
}

func TestReconciler_SourceFailureLeavesAccountsAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := newLedger(t)

	a, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: "qa01", Email: "qa01@x.com"})
	require.NoError(t, err)

	for _, want := range []error{ErrNotConfigured, ErrUpstream} {
		r := NewReconciler(discardLogger(), fakeSessions{err: want}, l.Accounts, l.Engine)
		_, err := r.Check(ctx)
		require.True(t, errors.Is(err, want))
	}

	got, err := l.Accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Nil(t, got.ExternalBusy)
	require.Nil(t, got.LastCheckedAt)
}

type countingChecker struct {
	calls chan struct{}
	err   error
}

func (c *countingChecker) Check(context.Context) (Report, error) {
	select {
	case c.calls <- struct{}{}:
	default:
	}
	return Report{}, c.err
}

func TestPoller_RunsUntilCanceled(t *testing.T) {
	t.Parallel()

	c := &countingChecker{calls: make(chan struct{}, 8)}
	p := NewPoller(discardLogger(), c, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		select {
		case <-c.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d checks ran", i)
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_StopsWhenNotConfigured(t *testing.T) {
	t.Parallel()

	c := &countingChecker{calls: make(chan struct{}, 8), err: ErrNotConfigured}
	done := make(chan struct{})
	go func() {
		NewPoller(discardLogger(), c, time.Millisecond).Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller kept running without credentials")
	}
	require.Len(t, c.calls, 1)
}

func TestPoller_DisabledByZeroInterval(t *testing.T) {
	t.Parallel()

	c := &countingChecker{calls: make(chan struct{}, 1)}
	NewPoller(discardLogger(), c, 0).Start(context.Background())
	require.Len(t, c.calls, 0)
}
