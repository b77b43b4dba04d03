package ledger

import (
	"context"
	"slices"
	"strings"
	"time"
)

// UsageCount is one row of a ranking.
type UsageCount struct {
	Key   string
	Label string
	Count int
}

// StatusSummary counts accounts by status.
type StatusSummary struct {
	Total     int
	Busy      int
	Free      int
	Occupancy float64 // percent of busy accounts, 0..100
}

// Insights summarizes recent reservations for admins.
type Insights struct {
	GeneratedAt       time.Time
	Today             int
	LastSevenDays     int
	UniqueUsers       int
	TotalReservations int
	TopUsers          []UsageCount
	ByAccount         []UsageCount
	Status            StatusSummary
}

// Insights builds the usage summary from the newest limit history entries.
// Day boundaries are computed in loc.
func (h *History) Insights(ctx context.Context, loc *time.Location, limit int) (Insights, error) {
	if loc == nil {
		loc = time.UTC
	}
	entries, err := h.RecentGlobal(ctx, clampLimit(limit, MaxHistoryLimit))
	if err != nil {
		return Insights{}, err
	}
	accounts, err := (&Accounts{c: h.c}).List(ctx)
	if err != nil {
		return Insights{}, err
	}
	return BuildInsights(h.c.now(), loc, entries, accounts), nil
}

// BuildInsights is the pure part of Insights.
func BuildInsights(now time.Time, loc *time.Location, entries []HistoryEntry, accounts []Account) Insights {
	local := now.In(loc)
	startToday := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	startWeek := startToday.AddDate(0, 0, -6)

	out := Insights{GeneratedAt: now}

	names := make(map[string]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Username
		out.Status.Total++
		if a.Status == StatusBusy {
			out.Status.Busy++
		} else {
			out.Status.Free++
		}
	}
	if out.Status.Total > 0 {
		out.Status.Occupancy = float64(out.Status.Busy) * 100 / float64(out.Status.Total)
	}

	users := map[string]*UsageCount{}
	byAccount := map[string]*UsageCount{}
	for _, e := range entries {
		if e.Action != ActionCheckout {
			continue
		}
		out.TotalReservations++
		if e.Timestamp != nil {
			if !e.Timestamp.Before(startToday) {
				out.Today++
			}
			if !e.Timestamp.Before(startWeek) {
				out.LastSevenDays++
			}
		}

		uk, ul := userKey(e)
		if u, ok := users[uk]; ok {
			u.Count++
		} else {
			users[uk] = &UsageCount{Key: uk, Label: ul, Count: 1}
		}

		label := names[e.AccountID]
		if label == "" {
			label = "removed account"
		}
		if a, ok := byAccount[e.AccountID]; ok {
			a.Count++
		} else {
			byAccount[e.AccountID] = &UsageCount{Key: e.AccountID, Label: label, Count: 1}
		}
	}
	out.UniqueUsers = len(users)
	out.TopUsers = rank(users)
	out.ByAccount = rank(byAccount)
	return out
}

func userKey(e HistoryEntry) (string, string) {
	label := e.UserID
	if e.Email != nil && *e.Email != "" {
		label = *e.Email
	}
	if e.UserName != nil && *e.UserName != "" {
		label = *e.UserName
	}
	return e.UserID, label
}

func rank(m map[string]*UsageCount) []UsageCount {
	out := make([]UsageCount, 0, len(m))
	for _, v := range m {
		out = append(out, *v)
	}
	slices.SortFunc(out, func(a, b UsageCount) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Label, b.Label)
	})
	return out
}
