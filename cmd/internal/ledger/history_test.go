package ledger_test

import (
	"context"
	"testing"
	"time"

	"qamanager/cmd/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestSortEntries_NilTimestampsLast(t *testing.T) {
	t.Parallel()

	entries := []ledger.HistoryEntry{
		{ID: "1", Timestamp: nil},
		{ID: "2", Timestamp: ts("2026-03-10T10:00:00Z")},
		{ID: "3", Timestamp: ts("2026-03-11T10:00:00Z")},
		{ID: "4", Timestamp: nil},
	}
	ledger.SortEntries(entries)

	var got []string
	for _, e := range entries {
		got = append(got, e.ID)
	}
	assert.Equal(t, []string{"3", "2", "4", "1"}, got)
}

func TestGroupByDay(t *testing.T) {
	t.Parallel()

	sp, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	entries := []ledger.HistoryEntry{
		{ID: "a", Timestamp: ts("2026-03-10T14:00:00Z")},
		{ID: "b", Timestamp: nil},
		// 01:30 UTC on the 11th is still the 10th in Sao Paulo.
		{ID: "c", Timestamp: ts("2026-03-11T01:30:00Z")},
		{ID: "d", Timestamp: ts("2026-03-11T15:00:00Z")},
	}

	groups := ledger.GroupByDay(entries, sp)
	require.Len(t, groups, 3)
	assert.Equal(t, "2026-03-11", groups[0].Day)
	assert.Len(t, groups[0].Entries, 1)
	assert.Equal(t, "2026-03-10", groups[1].Day)
	require.Len(t, groups[1].Entries, 2)
	assert.Equal(t, "c", groups[1].Entries[0].ID)
	assert.Equal(t, ledger.UnknownDay, groups[2].Day)

	assert.Empty(t, ledger.GroupByDay(nil, nil))
}

func TestHistory_Limits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l, clock := newTestLedger(t)

	acc := mustCreate(t, l, "qa01")
	for range 12 {
		_, err := l.Engine.Reserve(ctx, acc.ID, user("A"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
		_, err = l.Engine.Release(ctx, acc.ID, user("A"))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	perAccount, err := l.History.RecentForAccount(ctx, acc.ID, 0)
	require.NoError(t, err)
	assert.Len(t, perAccount, ledger.DefaultAccountLimit)

	three, err := l.History.RecentGlobal(ctx, 3)
	require.NoError(t, err)
	require.Len(t, three, 3)
	assert.Equal(t, ledger.ActionCheckin, three[0].Action)
	assert.True(t, three[0].Timestamp.After(*three[1].Timestamp))

	all, err := l.History.RecentGlobal(ctx, 10_000)
	require.NoError(t, err)
	assert.Len(t, all, 24)

	_, err = l.History.RecentForAccount(ctx, " ", 5)
	assert.True(t, ledger.IsInvalidInput(err))
}

func TestBuildInsights(t *testing.T) {
	t.Parallel()

	now := *ts("2026-03-10T18:00:00Z")
	name := "Ana"
	entries := []ledger.HistoryEntry{
		{ID: "1", AccountID: "x", Action: ledger.ActionCheckout, UserID: "ana", UserName: &name, Timestamp: ts("2026-03-10T09:00:00Z")},
		{ID: "2", AccountID: "x", Action: ledger.ActionCheckin, UserID: "ana", Timestamp: ts("2026-03-10T10:00:00Z")},
		{ID: "3", AccountID: "y", Action: ledger.ActionCheckout, UserID: "ana", UserName: &name, Timestamp: ts("2026-03-08T09:00:00Z")},
		{ID: "4", AccountID: "gone", Action: ledger.ActionCheckout, UserID: "bob", Timestamp: ts("2026-02-01T09:00:00Z")},
		{ID: "5", AccountID: "x", Action: ledger.ActionCheckout, UserID: "bob", Timestamp: nil},
	}
	accounts := []ledger.Account{
		{ID: "x", Username: "qa-x", Status: ledger.StatusBusy},
		{ID: "y", Username: "qa-y", Status: ledger.StatusFree},
	}

	got := ledger.BuildInsights(now, time.UTC, entries, accounts)
	assert.Equal(t, 4, got.TotalReservations)
	assert.Equal(t, 1, got.Today)
	assert.Equal(t, 2, got.LastSevenDays)
	assert.Equal(t, 2, got.UniqueUsers)
	require.Len(t, got.TopUsers, 2)
	assert.Equal(t, "Ana", got.TopUsers[0].Label)
	assert.Equal(t, 2, got.TopUsers[0].Count)

	require.Len(t, got.ByAccount, 3)
	assert.Equal(t, "qa-x", got.ByAccount[0].Label)
	assert.Equal(t, 2, got.ByAccount[0].Count)
	assert.Equal(t, "qa-y", got.ByAccount[1].Label)
	assert.Equal(t, "removed account", got.ByAccount[2].Label)

	assert.Equal(t, ledger.StatusSummary{Total: 2, Busy: 1, Free: 1, Occupancy: 50}, got.Status)
}
