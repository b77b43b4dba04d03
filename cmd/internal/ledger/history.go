package ledger

import (
	"context"
	"slices"
	"strings"
	"time"
)

const (
	DefaultGlobalLimit  = 100
	DefaultAccountLimit = 10
	MaxHistoryLimit     = 500

	// UnknownDay is the group key for entries without a timestamp.
	UnknownDay = "unknown"
)

// History reads the event log. It never writes.
type History struct {
	c *core
}

// DayGroup is one calendar day of history, newest entries first.
type DayGroup struct {
	Day     string
	Entries []HistoryEntry
}

// RecentGlobal returns up to limit entries across all accounts, newest first.
func (h *History) RecentGlobal(ctx context.Context, limit int) ([]HistoryEntry, error) {
	return h.recent(ctx, "ledger.History.RecentGlobal", EventQuery{Limit: clampLimit(limit, DefaultGlobalLimit)})
}

// RecentForAccount returns up to limit entries of one account, newest first.
func (h *History) RecentForAccount(ctx context.Context, accountID string, limit int) ([]HistoryEntry, error) {
	const op = "ledger.History.RecentForAccount"

	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, opErr(op, ErrInvalidInput, "missing account id")
	}
	return h.recent(ctx, op, EventQuery{AccountID: accountID, Limit: clampLimit(limit, DefaultAccountLimit)})
}

func (h *History) recent(ctx context.Context, op string, q EventQuery) ([]HistoryEntry, error) {
	ctx, cancel := h.c.bounded(ctx)
	defer cancel()

	out, err := h.c.store.RecentEvents(ctx, q)
	if err != nil {
		return nil, storeErr(op, err)
	}
	SortEntries(out)
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SortEntries orders newest first; entries without a timestamp go last, ties
// break on id descending.
func SortEntries(entries []HistoryEntry) {
	slices.SortStableFunc(entries, func(a, b HistoryEntry) int {
		switch {
		case a.Timestamp == nil && b.Timestamp == nil:
			return strings.Compare(b.ID, a.ID)
		case a.Timestamp == nil:
			return 1
		case b.Timestamp == nil:
			return -1
		}
		if c := b.Timestamp.Compare(*a.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}

// GroupByDay splits sorted entries into calendar days in loc. The unknown
// group, if any, comes last.
func GroupByDay(entries []HistoryEntry, loc *time.Location) []DayGroup {
	if loc == nil {
		loc = time.UTC
	}
	sorted := slices.Clone(entries)
	SortEntries(sorted)

	var out []DayGroup
	idx := make(map[string]int)
	for _, e := range sorted {
		day := UnknownDay
		if e.Timestamp != nil {
			day = e.Timestamp.In(loc).Format(time.DateOnly)
		}
		i, ok := idx[day]
		if !ok {
			i = len(out)
			idx[day] = i
			out = append(out, DayGroup{Day: day})
		}
		out[i].Entries = append(out[i].Entries, e)
	}
	return out
}

func sortAccounts(list []Account) {
	slices.SortStableFunc(list, func(a, b Account) int {
		if c := strings.Compare(strings.ToLower(a.Username), strings.ToLower(b.Username)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
