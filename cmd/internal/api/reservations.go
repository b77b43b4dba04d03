package api

import (
	"net/http"

	"qamanager/cmd/internal/realtime"
	"qamanager/cmd/internal/telemetry"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	res, err := h.ledger.Engine.Reserve(r.Context(), chi.URLParam(r, "id"), actor)
	telemetry.ReservationsTotal.WithLabelValues("reserve", resultLabel(err)).Inc()
	if err != nil {
		h.writeFailure(w, r, "api.reserve", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservation(res.Account, res.Changed, res.Entry))
}

func (h *Handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	res, err := h.ledger.Engine.Release(r.Context(), chi.URLParam(r, "id"), actor)
	telemetry.ReservationsTotal.WithLabelValues("release", resultLabel(err)).Inc()
	if err != nil {
		h.writeFailure(w, r, "api.release", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservation(res.Account, res.Changed, res.Entry))
}

// handleQuickReserve reserves any free account for the caller.
func (h *Handler) handleQuickReserve(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	res, err := h.ledger.Engine.ReserveAny(r.Context(), actor)
	telemetry.ReservationsTotal.WithLabelValues("quick", resultLabel(err)).Inc()
	if err != nil {
		h.writeFailure(w, r, "api.reserve_any", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservation(res.Account, res.Changed, res.Entry))
}

// handleMyReservation returns the caller's held account, or null.
func (h *Handler) handleMyReservation(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	a, err := h.ledger.Engine.Active(r.Context(), actor.ID)
	if err != nil {
		h.writeFailure(w, r, "api.me.reservation", err)
		return
	}
	if a == nil {
		writeJSON(w, http.StatusOK, map[string]any{"account": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": realtime.AccountView(*a)})
}
