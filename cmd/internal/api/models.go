package api

import (
	"time"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/realtime"
	v1 "qamanager/shared/contracts/realtime/v1"
)

// ---- requests ----

type createAccountRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type updateAccountRequest struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Password *string `json:"password"`
	Status   *string `json:"status"`
}

type issueInviteRequest struct {
	Label          *string  `json:"label"`
	InviteeEmail   *string  `json:"inviteeEmail"`
	ExpiresInHours *float64 `json:"expiresInHours"`
	MaxUses        *int     `json:"maxUses"`
}

type inviteReservationRequest struct {
	AccountID string `json:"accountId"`
}

// ---- responses ----

type historyEntryResponse struct {
	ID        string     `json:"id"`
	AccountID string     `json:"accountId"`
	Action    string     `json:"action"`
	UserID    string     `json:"userId"`
	UserName  *string    `json:"userName"`
	Email     *string    `json:"email"`
	Timestamp *time.Time `json:"timestamp"`
}

type reservationResponse struct {
	Account v1.AccountView        `json:"account"`
	Changed bool                  `json:"changed"`
	Entry   *historyEntryResponse `json:"entry,omitempty"`
}

type dayGroupResponse struct {
	Day     string                 `json:"day"`
	Entries []historyEntryResponse `json:"entries"`
}

type inviteResponse struct {
	ID            string     `json:"id"`
	Label         *string    `json:"label"`
	InviteeEmail  *string    `json:"inviteeEmail"`
	CreatedAt     time.Time  `json:"createdAt"`
	CreatedBy     string     `json:"createdBy"`
	ExpiresAt     *time.Time `json:"expiresAt"`
	MaxUses       *int       `json:"maxUses"`
	RemainingUses *int       `json:"remainingUses"`
}

type issueInviteResponse struct {
	Token  string         `json:"token"`
	Invite inviteResponse `json:"invite"`
}

type verifyInviteResponse struct {
	Valid         bool       `json:"valid"`
	Reason        string     `json:"reason,omitempty"`
	InviteeEmail  *string    `json:"inviteeEmail,omitempty"`
	Label         *string    `json:"label,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	RemainingUses *int       `json:"remainingUses,omitempty"`
}

type accountExportItem struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type importResultResponse struct {
	Username string `json:"username"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type importResponse struct {
	Created int                    `json:"created"`
	Failed  int                    `json:"failed"`
	Results []importResultResponse `json:"results"`
}

type usageCountResponse struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Count int    `json:"count"`
}

type insightsResponse struct {
	GeneratedAt       time.Time            `json:"generatedAt"`
	Today             int                  `json:"today"`
	LastSevenDays     int                  `json:"lastSevenDays"`
	UniqueUsers       int                  `json:"uniqueUsers"`
	TotalReservations int                  `json:"totalReservations"`
	TopUsers          []usageCountResponse `json:"topUsers"`
	ByAccount         []usageCountResponse `json:"byAccount"`
	Status            struct {
		Total     int     `json:"total"`
		Busy      int     `json:"busy"`
		Free      int     `json:"free"`
		Occupancy float64 `json:"occupancy"`
	} `json:"status"`
}

type resetResponse struct {
	Reset int       `json:"reset"`
	At    time.Time `json:"at"`
}

// ---- mapping ----

func toAccountViews(list []ledger.Account) []v1.AccountView {
	out := make([]v1.AccountView, 0, len(list))
	for _, a := range list {
		out = append(out, realtime.AccountView(a))
	}
	return out
}

func toHistoryEntry(e ledger.HistoryEntry) historyEntryResponse {
	return historyEntryResponse{
		ID:        e.ID,
		AccountID: e.AccountID,
		Action:    string(e.Action),
		UserID:    e.UserID,
		UserName:  e.UserName,
		Email:     e.Email,
		Timestamp: e.Timestamp,
	}
}

func toHistoryEntries(list []ledger.HistoryEntry) []historyEntryResponse {
	out := make([]historyEntryResponse, 0, len(list))
	for _, e := range list {
		out = append(out, toHistoryEntry(e))
	}
	return out
}

func toReservation(a ledger.Account, changed bool, e *ledger.HistoryEntry) reservationResponse {
	out := reservationResponse{Account: realtime.AccountView(a), Changed: changed}
	if e != nil {
		he := toHistoryEntry(*e)
		out.Entry = &he
	}
	return out
}

func toInvite(i ledger.Invite) inviteResponse {
	return inviteResponse{
		ID:            i.ID,
		Label:         i.Label,
		InviteeEmail:  i.InviteeEmail,
		CreatedAt:     i.CreatedAt,
		CreatedBy:     i.CreatedBy,
		ExpiresAt:     i.ExpiresAt,
		MaxUses:       i.MaxUses,
		RemainingUses: i.RemainingUses,
	}
}

func toUsageCounts(list []ledger.UsageCount) []usageCountResponse {
	out := make([]usageCountResponse, 0, len(list))
	for _, u := range list {
		out = append(out, usageCountResponse{Key: u.Key, Label: u.Label, Count: u.Count})
	}
	return out
}

func toInsights(in ledger.Insights) insightsResponse {
	out := insightsResponse{
		GeneratedAt:       in.GeneratedAt,
		Today:             in.Today,
		LastSevenDays:     in.LastSevenDays,
		UniqueUsers:       in.UniqueUsers,
		TotalReservations: in.TotalReservations,
		TopUsers:          toUsageCounts(in.TopUsers),
		ByAccount:         toUsageCounts(in.ByAccount),
	}
	out.Status.Total = in.Status.Total
	out.Status.Busy = in.Status.Busy
	out.Status.Free = in.Status.Free
	out.Status.Occupancy = in.Status.Occupancy
	return out
}
