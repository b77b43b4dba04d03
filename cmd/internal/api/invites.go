package api

import (
	"net/http"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/telemetry"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleIssueInvite(w http.ResponseWriter, r *http.Request) {
	var req issueInviteRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	actor, _ := actorFrom(r.Context())
	inv, tok, err := h.ledger.Invites.Issue(r.Context(), ledger.IssueInviteInput{
		Label:          req.Label,
		InviteeEmail:   req.InviteeEmail,
		ExpiresInHours: req.ExpiresInHours,
		MaxUses:        req.MaxUses,
	}, actor)
	telemetry.InvitesTotal.WithLabelValues("issue", resultLabel(err)).Inc()
	if err != nil {
		h.writeFailure(w, r, "api.invites.issue", err)
		return
	}
	writeJSON(w, http.StatusCreated, issueInviteResponse{Token: tok, Invite: toInvite(inv)})
}

// handleVerifyInvite never fails for unknown, expired or exhausted invites;
// it answers valid=false with a reason instead.
func (h *Handler) handleVerifyInvite(w http.ResponseWriter, r *http.Request) {
	v, err := h.ledger.Invites.Verify(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		telemetry.InvitesTotal.WithLabelValues("verify", resultLabel(err)).Inc()
		h.writeFailure(w, r, "api.invites.verify", err)
		return
	}
	result := "valid"
	if !v.Valid {
		result = "invalid"
	}
	telemetry.InvitesTotal.WithLabelValues("verify", result).Inc()

	out := verifyInviteResponse{
		Valid:        v.Valid,
		Reason:       v.Reason,
		InviteeEmail: v.InviteeEmail,
		Label:        v.Label,
	}
	if v.Valid && v.Invite != nil {
		out.ExpiresAt = v.Invite.ExpiresAt
		out.RemainingUses = v.Invite.RemainingUses
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleInviteAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.Invites.FreeAccounts(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		h.writeFailure(w, r, "api.invites.accounts", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountViews(list))
}

func (h *Handler) handleInviteReserve(w http.ResponseWriter, r *http.Request) {
	var req inviteReservationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, _, err := h.ledger.Invites.ReserveWithInvite(r.Context(), chi.URLParam(r, "token"), req.AccountID)
	telemetry.ReservationsTotal.WithLabelValues("invite_reserve", resultLabel(err)).Inc()
	if err != nil {
		h.writeFailure(w, r, "api.invites.reserve", err)
		return
	}
	if res.Changed {
		telemetry.InvitesTotal.WithLabelValues("consume", "ok").Inc()
	}
	writeJSON(w, http.StatusOK, toReservation(res.Account, res.Changed, res.Entry))
}

func (h *Handler) handleInviteRelease(w http.ResponseWriter, r *http.Request) {
	var req inviteReservationRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	res, _, err := h.ledger.Invites.ReleaseWithInvite(r.Context(), chi.URLParam(r, "token"), req.AccountID)
	telemetry.ReservationsTotal.WithLabelValues("invite_release", resultLabel(err)).Inc()
	if err != nil {
		h.writeFailure(w, r, "api.invites.release", err)
		return
	}
	writeJSON(w, http.StatusOK, toReservation(res.Account, res.Changed, res.Entry))
}
