package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"qamanager/cmd/internal/ledger"

	"github.com/go-chi/chi/v5"
)

// queryLimit parses ?limit=. Zero means the reader's default.
func queryLimit(r *http.Request) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// queryLocation parses ?tz= and falls back to the configured zone.
func (h *Handler) queryLocation(r *http.Request) (*time.Location, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("tz"))
	if raw == "" {
		return h.cfg.Location, true
	}
	loc, err := time.LoadLocation(raw)
	if err != nil {
		return nil, false
	}
	return loc, true
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
		return
	}
	entries, err := h.ledger.History.RecentGlobal(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, r, "api.history", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryEntries(entries))
}

func (h *Handler) handleHistoryDays(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
		return
	}
	loc, ok := h.queryLocation(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown time zone")
		return
	}
	entries, err := h.ledger.History.RecentGlobal(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, r, "api.history.days", err)
		return
	}
	groups := ledger.GroupByDay(entries, loc)
	out := make([]dayGroupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, dayGroupResponse{Day: g.Day, Entries: toHistoryEntries(g.Entries)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleAccountHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a non-negative integer")
		return
	}
	entries, err := h.ledger.History.RecentForAccount(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeFailure(w, r, "api.history.account", err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryEntries(entries))
}

func (h *Handler) handleInsights(w http.ResponseWriter, r *http.Request) {
	loc, ok := h.queryLocation(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown time zone")
		return
	}
	in, err := h.ledger.History.Insights(r.Context(), loc, h.cfg.InsightsLimit)
	if err != nil {
		h.writeFailure(w, r, "api.insights", err)
		return
	}
	writeJSON(w, http.StatusOK, toInsights(in))
}
