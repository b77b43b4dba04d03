package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"qamanager/cmd/internal/ledger"
	"qamanager/cmd/security/identitytoken"
)

type actorKey struct{}

var errNoBearer = errors.New("missing bearer token")

// actorFrom returns the actor stored by authenticate.
func actorFrom(ctx context.Context) (ledger.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(ledger.Actor)
	return a, ok
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}

// resolveActor verifies a raw identity token.
func (h *Handler) resolveActor(raw string) (ledger.Actor, error) {
	if raw == "" {
		return ledger.Actor{}, errNoBearer
	}
	c, err := h.verifier.Verify(raw, h.now())
	if err != nil {
		return ledger.Actor{}, err
	}
	a := ledger.Actor{
		ID:          c.Subject,
		DisplayName: strings.TrimSpace(c.Name),
		Email:       strings.TrimSpace(c.Email),
		Kind:        ledger.ActorUser,
	}
	if c.Role == identitytoken.RoleAdmin {
		a.Kind = ledger.ActorAdmin
	}
	return a, nil
}

// authenticate rejects requests without a valid identity token.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := h.resolveActor(bearerToken(r))
		if err != nil {
			msg := "sign in to continue"
			if errors.Is(err, identitytoken.ErrDisabled) {
				msg = "identity tokens are not configured on this server"
			}
			writeError(w, http.StatusUnauthorized, "unauthenticated", msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, a)))
	})
}

// requireAdmin must run after authenticate.
func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := actorFrom(r.Context())
		if !ok || !a.IsAdmin() {
			writeError(w, http.StatusForbidden, "permission_denied", "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthenticateWS resolves the websocket subject. Browsers cannot set headers
// on the upgrade request, so the access_token query parameter is accepted too.
func (h *Handler) AuthenticateWS(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	a, err := h.resolveActor(raw)
	if err != nil {
		return "", err
	}
	return a.ID, nil
}
