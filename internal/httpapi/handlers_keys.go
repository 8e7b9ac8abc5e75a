package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routecore/routecore/internal/apperr"
)

// TenantKeysCreateHandler mints a tenant key; the plaintext is returned
// exactly once.
func TenantKeysCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.KeyMgr == nil {
			writeError(w, apperr.Validation("tenant keys are not enabled"))
			return
		}
		var body struct {
			Tenant           string     `json:"tenant"`
			Scopes           string     `json:"scopes"`
			MonthlyBudgetUSD float64    `json:"monthlyBudgetUsd"`
			ExpiresAt        *time.Time `json:"expiresAt"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if body.Tenant == "" {
			writeError(w, apperr.Validation("tenant is required"))
			return
		}
		if body.Scopes == "" {
			body.Scopes = `["run","project"]`
		}
		plaintext, rec, err := d.KeyMgr.Generate(r.Context(), body.Tenant, body.Scopes, body.MonthlyBudgetUSD, body.ExpiresAt)
		if err != nil {
			writeError(w, apperr.Internal("generate key: %v", err))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"key":    plaintext,
			"record": rec,
		})
	}
}

func TenantKeysListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		keys, err := d.Store.ListTenantKeys(r.Context())
		if err != nil {
			writeError(w, apperr.Internal("list keys: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, keys)
	}
}

func TenantKeysRevokeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.KeyMgr == nil {
			writeError(w, apperr.Validation("tenant keys are not enabled"))
			return
		}
		id := chi.URLParam(r, "id")
		if err := d.KeyMgr.Revoke(r.Context(), id); err != nil {
			writeError(w, apperr.NotFound("tenant key %q", id))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "revoked": true})
	}
}
