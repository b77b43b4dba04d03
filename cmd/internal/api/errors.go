package api

import (
	"context"
	"errors"
	"net/http"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/internal/reconcile"
)

type errorClass struct {
	kind   error
	status int
	code   string
}

// Order matters: the first matching kind wins.
var errorClasses = []errorClass{
	{ledger.ErrInvalidInput, http.StatusBadRequest, "invalid_input"},
	{ledger.ErrUnauthenticated, http.StatusUnauthorized, "unauthenticated"},
	{ledger.ErrPermissionDenied, http.StatusForbidden, "permission_denied"},
	{ledger.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{ledger.ErrNotFound, http.StatusNotFound, "not_found"},
	{ledger.ErrAlreadyHolding, http.StatusConflict, "already_holding"},
	{ledger.ErrUnavailable, http.StatusConflict, "account_unavailable"},
	{ledger.ErrConflict, http.StatusConflict, "conflict"},
	{ledger.ErrInviteNotActive, http.StatusConflict, "invite_not_active"},
	{ledger.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{reconcile.ErrNotConfigured, http.StatusInternalServerError, "not_configured"},
	{reconcile.ErrUpstream, http.StatusBadGateway, "upstream_failed"},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, "timeout"},
}

// classify maps err to an HTTP status and a stable error code.
func classify(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.kind) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// resultLabel is the metric label for an operation outcome.
func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	_, code := classify(err)
	return code
}

// writeFailure renders err. Unclassified errors are logged and reported
// without their text.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := classify(err)
	msg := ledger.Message(err)
	switch {
	case code == "internal":
		h.log.Error(op+".fail", "err", err, "path", r.URL.Path)
		msg = "something went wrong, please try again"
	case status >= 500:
		h.log.Warn(op+".fail", "code", code, "err", err)
		if code == "not_configured" {
			msg = "external status credentials are not configured"
		} else if code == "upstream_failed" {
			msg = "external status service is unavailable"
		}
	}
	writeError(w, status, code, msg)
}
