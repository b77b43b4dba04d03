package ledger_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/ledger/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLedger(t *testing.T, opts ...ledger.Option) (*ledger.Ledger, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []ledger.Option{
		ledger.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		ledger.WithClock(clock.Now),
	}
	l, err := ledger.New(memstore.New(), append(base, opts...)...)
	require.NoError(t, err)
	return l, clock
}

func mustCreate(t *testing.T, l *ledger.Ledger, username string) ledger.Account {
	t.Helper()
	a, err := l.Accounts.Create(context.Background(), ledger.CreateAccountInput{
		Username: username,
		Email:    username + "@x.com",
		Password: "pw123",
	})
	require.NoError(t, err)
	return a
}

func user(id string) ledger.Actor {
	return ledger.Actor{ID: id, DisplayName: id, Email: id + "@team.io", Kind: ledger.ActorUser}
}

func assertInvariant(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	list, err := l.Accounts.List(context.Background())
	require.NoError(t, err)
	owners := map[string]int{}
	for _, a := range list {
		if a.Status == ledger.StatusBusy {
			require.NotNil(t, a.OwnerID, "busy account %s without owner", a.Username)
			owners[*a.OwnerID]++
		} else {
			assert.Nil(t, a.OwnerID, "free account %s with owner id", a.Username)
			assert.Nil(t, a.Owner, "free account %s with owner", a.Username)
		}
	}
	for owner, n := range owners {
		assert.LessOrEqual(t, n, 1, "owner %s holds %d accounts", owner, n)
	}
}

func TestReserveRelease_Scenario(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, clock := newTestLedger(t)

	acc := mustCreate(t, l, "qa01")
	assert.Equal(t, ledger.StatusFree, acc.Status)
	assert.Nil(t, acc.Owner)
	assert.Nil(t, acc.LastUsedAt)
	assert.Nil(t, acc.LastReturnedAt)

	res, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, ledger.StatusBusy, res.Account.Status)
	require.NotNil(t, res.Account.Owner)
	assert.Equal(t, "A", *res.Account.Owner)
	require.NotNil(t, res.Account.LastUsedAt)
	assertInvariant(t, l)

	_, err = l.Engine.Reserve(ctx, acc.ID, user("B"))
	require.Error(t, err)
	assert.True(t, ledger.IsUnavailable(err))

	clock.Advance(time.Minute)
	rel, err := l.Engine.Release(ctx, acc.ID, user("A"))
	require.NoError(t, err)
	assert.True(t, rel.Changed)
	assert.Equal(t, ledger.StatusFree, rel.Account.Status)
	require.NotNil(t, rel.Account.LastReturnedAt)
	assertInvariant(t, l)

	clock.Advance(time.Minute)
	_, err = l.Engine.Reserve(ctx, acc.ID, user("B"))
	require.NoError(t, err)

	hist, err := l.History.RecentForAccount(ctx, acc.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, ledger.ActionCheckout, hist[0].Action)
	assert.Equal(t, "B", hist[0].UserID)
	assert.Equal(t, ledger.ActionCheckin, hist[1].Action)
	assert.Equal(t, "A", hist[1].UserID)
	assert.Equal(t, ledger.ActionCheckout, hist[2].Action)

	global, err := l.History.RecentGlobal(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, hist, global)
}

func TestReserve_OnePerUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	x := mustCreate(t, l, "x")
	y := mustCreate(t, l, "y")

	_, err := l.Engine.Reserve(ctx, x.ID, user("A"))
	require.NoError(t, err)

	_, err = l.Engine.Reserve(ctx, y.ID, user("A"))
	require.Error(t, err)
	assert.True(t, ledger.IsAlreadyHolding(err))

	got, err := l.Accounts.Get(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFree, got.Status)
}

func TestReserve_ReentrantIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)
	acc := mustCreate(t, l, "qa01")

	_, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
	require.NoError(t, err)
	again, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Nil(t, again.Entry)

	hist, err := l.History.RecentForAccount(ctx, acc.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestReserve_MissingAccountAndActor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Engine.Reserve(ctx, "nope", user("A"))
	assert.True(t, ledger.IsNotFound(err))

	acc := mustCreate(t, l, "qa01")
	_, err = l.Engine.Reserve(ctx, acc.ID, ledger.Actor{})
	assert.ErrorIs(t, err, ledger.ErrUnauthenticated)
}

func TestRelease_Policies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("free account is a no-op", func(t *testing.T) {
		t.Parallel()
		l, _ := newTestLedger(t)
		acc := mustCreate(t, l, "qa01")
		res, err := l.Engine.Release(ctx, acc.ID, user("A"))
		require.NoError(t, err)
		assert.False(t, res.Changed)
		hist, err := l.History.RecentGlobal(ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, hist)
	})

	t.Run("strict rejects non-owner", func(t *testing.T) {
		t.Parallel()
		l, _ := newTestLedger(t)
		acc := mustCreate(t, l, "qa01")
		_, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
		require.NoError(t, err)
		_, err = l.Engine.Release(ctx, acc.ID, user("B"))
		assert.True(t, ledger.IsNotOwner(err))
	})

	t.Run("strict allows admin override", func(t *testing.T) {
		t.Parallel()
		l, _ := newTestLedger(t)
		acc := mustCreate(t, l, "qa01")
		_, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
		require.NoError(t, err)
		admin := ledger.Actor{ID: "boss", DisplayName: "Boss", Kind: ledger.ActorAdmin}
		res, err := l.Engine.Release(ctx, acc.ID, admin)
		require.NoError(t, err)
		assert.True(t, res.Changed)
		require.NotNil(t, res.Entry)
		assert.Equal(t, "boss", res.Entry.UserID)
	})

	t.Run("lenient allows anyone", func(t *testing.T) {
		t.Parallel()
		l, _ := newTestLedger(t, ledger.WithStrictOwnerRelease(false))
		acc := mustCreate(t, l, "qa01")
		_, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
		require.NoError(t, err)
		res, err := l.Engine.Release(ctx, acc.ID, user("B"))
		require.NoError(t, err)
		assert.True(t, res.Changed)
	})
}

func TestReserve_ConcurrentSameAccount(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)
	acc := mustCreate(t, l, "qa01")

	const n = 16
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		wins, loses int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := l.Engine.Reserve(ctx, acc.ID, user(string(rune('a'+i))))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case ledger.IsUnavailable(err):
				loses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, loses)
	assertInvariant(t, l)
}

func TestReserve_ConcurrentSameUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	var ids []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		ids = append(ids, mustCreate(t, l, name).ID)
	}

	var wg sync.WaitGroup
	wg.Add(len(ids))
	for _, id := range ids {
		go func() {
			defer wg.Done()
			_, _ = l.Engine.Reserve(ctx, id, user("A"))
		}()
	}
	wg.Wait()

	active, err := l.Engine.Active(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, active)
	assertInvariant(t, l)
}

func TestReserveAny(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	_, err := l.Engine.ReserveAny(ctx, user("A"))
	assert.True(t, ledger.IsUnavailable(err))

	mustCreate(t, l, "x")
	mustCreate(t, l, "y")

	res, err := l.Engine.ReserveAny(ctx, user("A"))
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, err = l.Engine.ReserveAny(ctx, user("A"))
	assert.True(t, ledger.IsAlreadyHolding(err))

	_, err = l.Engine.ReserveAny(ctx, user("B"))
	require.NoError(t, err)

	_, err = l.Engine.ReserveAny(ctx, user("C"))
	assert.True(t, ledger.IsUnavailable(err))
	assertInvariant(t, l)
}

func TestResetAll_SystemCheckins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	x := mustCreate(t, l, "x")
	y := mustCreate(t, l, "y")
	mustCreate(t, l, "z")
	_, err := l.Engine.Reserve(ctx, x.ID, user("A"))
	require.NoError(t, err)
	_, err = l.Engine.Reserve(ctx, y.ID, user("B"))
	require.NoError(t, err)

	res, err := l.Engine.ResetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	list, err := l.Accounts.List(ctx)
	require.NoError(t, err)
	for _, a := range list {
		assert.Equal(t, ledger.StatusFree, a.Status)
	}
	assertInvariant(t, l)

	for _, id := range []string{x.ID, y.ID} {
		hist, err := l.History.RecentForAccount(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, ledger.ActionCheckin, hist[0].Action)
		assert.Equal(t, ledger.SystemResetActor.ID, hist[0].UserID)
	}

	global, err := l.History.RecentGlobal(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, global, 4)
}

func TestDailyReset_OncePerDay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, _ := newTestLedger(t)

	x := mustCreate(t, l, "x")
	_, err := l.Engine.Reserve(ctx, x.ID, user("A"))
	require.NoError(t, err)

	first, err := l.Engine.DailyReset(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Count)

	_, err = l.Engine.Reserve(ctx, x.ID, user("A"))
	require.NoError(t, err)

	second, err := l.Engine.DailyReset(ctx, "2026-03-10")
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	got, err := l.Accounts.Get(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusBusy, got.Status)

	_, err = l.Engine.DailyReset(ctx, "10/03/2026")
	assert.True(t, ledger.IsInvalidInput(err))
}

func TestRecordObservations_DoesNotTouchOwnership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, clock := newTestLedger(t)

	x := mustCreate(t, l, "x")
	y := mustCreate(t, l, "y")
	_, err := l.Engine.Reserve(ctx, x.ID, user("A"))
	require.NoError(t, err)

	at := clock.Now()
	err = l.Engine.RecordObservations(ctx, []ledger.Observation{
		{AccountID: x.ID, Busy: false},
		{AccountID: y.ID, Busy: true},
		{AccountID: "deleted", Busy: true},
	}, at)
	require.NoError(t, err)

	gx, err := l.Accounts.Get(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusBusy, gx.Status)
	require.NotNil(t, gx.ExternalBusy)
	assert.False(t, *gx.ExternalBusy)

	gy, err := l.Accounts.Get(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFree, gy.Status)
	require.NotNil(t, gy.ExternalBusy)
	assert.True(t, *gy.ExternalBusy)
	require.NotNil(t, gy.LastCheckedAt)
	assert.True(t, gy.LastCheckedAt.Equal(at))
}
