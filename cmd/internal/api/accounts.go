package api

import (
	"net/http"
	"strings"

	"qamanager/cmd/internal/ledger"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.Accounts.List(r.Context())
	if err != nil {
		h.writeFailure(w, r, "api.accounts.list", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountViews(list))
}

func (h *Handler) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.ledger.Accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, "api.accounts.get", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountViews([]ledger.Account{a})[0])
}

func (h *Handler) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	a, err := h.ledger.Accounts.Create(r.Context(), ledger.CreateAccountInput{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.writeFailure(w, r, "api.accounts.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountViews([]ledger.Account{a})[0])
}

func (h *Handler) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	patch := ledger.AccountPatch{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
	}
	if req.Status != nil {
		st := ledger.Status(strings.ToLower(strings.TrimSpace(*req.Status)))
		patch.Status = &st
	}
	a, err := h.ledger.Accounts.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		h.writeFailure(w, r, "api.accounts.update", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountViews([]ledger.Account{a})[0])
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Accounts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeFailure(w, r, "api.accounts.delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCredentials(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	pw, err := h.ledger.Accounts.Credentials(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.writeFailure(w, r, "api.accounts.credentials", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"password": pw})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	items, err := h.ledger.Accounts.Export(r.Context())
	if err != nil {
		h.writeFailure(w, r, "api.accounts.export", err)
		return
	}
	out := make([]accountExportItem, 0, len(items))
	for _, it := range items {
		out = append(out, accountExportItem{Username: it.Username, Email: it.Email, Password: it.Password})
	}
	w.Header().Set("Content-Disposition", `attachment; filename="accounts.json"`)
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req []accountExportItem
	if err := decodeJSON(w, r, h.cfg.MaxImportBytes, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "expected a JSON array of {username, email, password}")
		return
	}
	items := make([]ledger.CreateAccountInput, 0, len(req))
	for _, it := range req {
		items = append(items, ledger.CreateAccountInput{Username: it.Username, Email: it.Email, Password: it.Password})
	}

	results := h.ledger.Accounts.Import(r.Context(), items)
	out := importResponse{Results: make([]importResultResponse, 0, len(results))}
	for _, res := range results {
		item := importResultResponse{Username: res.Username, ID: res.ID}
		if res.Err != nil {
			item.Error = ledger.Message(res.Err)
			out.Failed++
		} else {
			out.Created++
		}
		out.Results = append(out.Results, item)
	}
	writeJSON(w, http.StatusOK, out)
}
