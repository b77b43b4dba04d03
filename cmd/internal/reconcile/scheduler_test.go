package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/ledger/memstore"

	"github.com/stretchr/testify/require"
)

func TestParseClock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		hour     int
		minute   int
		wantFail bool
	}{
		{in: "18:00", hour: 18},
		{in: " 07:05 ", hour: 7, minute: 5},
		{in: "00:00"},
		{in: "23:59", hour: 23, minute: 59},
		{in: "24:00", wantFail: true},
		{in: "12:60", wantFail: true},
		{in: "7:00", wantFail: true},
		{in: "1800", wantFail: true},
		{in: "ab:cd", wantFail: true},
		{in: "", wantFail: true},
	}
	for _, tt := range tests {
		h, m, err := ParseClock(tt.in)
		if tt.wantFail {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.hour, h, tt.in)
		require.Equal(t, tt.minute, m, tt.in)
	}
}

// stepClock drives DailyResetJob deterministically: every wait the job asks
// for is published on waits and released by the test via tick.
type stepClock struct {
	mu    sync.Mutex
	now   time.Time
	waits chan time.Duration
	tick  chan time.Time
}

func newStepClock(now time.Time) *stepClock {
	return &stepClock{now: now, waits: make(chan time.Duration, 1), tick: make(chan time.Time)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.waits <- d
	return c.tick
}

// release advances the clock by the pending wait and wakes the job.
func (c *stepClock) release(t *testing.T, want time.Duration) {
	t.Helper()
	got := c.nextWait(t)
	require.Equal(t, want, got)
	c.mu.Lock()
	c.now = c.now.Add(got)
	now := c.now
	c.mu.Unlock()
	c.tick <- now
}

func (c *stepClock) nextWait(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.waits:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("job did not schedule a wait")
		return 0
	}
}

type recordingResetter struct {
	mu   sync.Mutex
	days []string
	errs []error
}

func (r *recordingResetter) DailyReset(_ context.Context, day string) (ledger.ResetResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.days = append(r.days, day)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return ledger.ResetResult{}, err
	}
	return ledger.ResetResult{Count: 1}, nil
}

func (r *recordingResetter) Days() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.days...)
}

func startJob(t *testing.T, res DailyResetter, clock *stepClock, loc *time.Location) context.CancelFunc {
	t.Helper()
	j, err := NewDailyResetJob(discardLogger(), res, "18:00", loc)
	require.NoError(t, err)
	j.now = clock.Now
	j.after = clock.After

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("job did not stop")
		}
	})
	return cancel
}

func TestDailyResetJob_WaitsForThreshold(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	clock := newStepClock(time.Date(2026, 3, 10, 17, 0, 0, 0, loc))
	res := &recordingResetter{}
	startJob(t, res, clock, loc)

	clock.release(t, time.Hour)
	clock.release(t, 24*time.Hour)
	clock.nextWait(t)

	require.Equal(t, []string{"2026-03-10", "2026-03-11"}, res.Days())
}

func TestDailyResetJob_RunsAtStartupWhenPastThreshold(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	// 23:30 UTC is 20:30 in Sao Paulo; the local calendar day decides.
	clock := newStepClock(time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC))
	res := &recordingResetter{}
	startJob(t, res, clock, loc)

	require.Equal(t, 21*time.Hour+30*time.Minute, clock.nextWait(t))
	require.Equal(t, []string{"2026-03-10"}, res.Days())
}

func TestDailyResetJob_RetriesFailedReset(t *testing.T) {
	t.Parallel()

	clock := newStepClock(time.Date(2026, 3, 10, 19, 0, 0, 0, time.UTC))
	res := &recordingResetter{errs: []error{errors.New("store down")}}
	startJob(t, res, clock, time.UTC)

	clock.release(t, resetRetryDelay)
	require.Equal(t, 23*time.Hour-resetRetryDelay, clock.nextWait(t))
	require.Equal(t, []string{"2026-03-10", "2026-03-10"}, res.Days())
}

func TestDailyResetJob_TwoInstancesResetOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l, err := ledger.New(memstore.New(), ledger.WithLogger(discardLogger()))
	require.NoError(t, err)
	for _, name := range []string{"qa01", "qa02"} {
		a, err := l.Accounts.Create(ctx, ledger.CreateAccountInput{Username: name, Email: name + "@x.com"})
		require.NoError(t, err)
		_, err = l.Engine.Reserve(ctx, a.ID, ledger.Actor{ID: "user-" + name, Kind: ledger.ActorUser})
		require.NoError(t, err)
	}

	now := time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		clock := newStepClock(now)
		startJob(t, l.Engine, clock, time.UTC)
		clock.nextWait(t)
	}

	hist, err := l.History.RecentGlobal(ctx, 0)
	require.NoError(t, err)
	checkins := 0
	for _, e := range hist {
		if e.Action == ledger.ActionCheckin {
			require.Equal(t, ledger.SystemResetActor.ID, e.UserID)
			checkins++
		}
	}
	require.Equal(t, 2, checkins)

	list, err := l.Accounts.List(ctx)
	require.NoError(t, err)
	for _, a := range list {
		require.Equal(t, ledger.StatusFree, a.Status)
	}
}
