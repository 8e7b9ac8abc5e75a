package apikey

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/routecore/routecore/internal/store"
)

type contextKey string

const tenantKeyContextKey contextKey = "tenantkey"

// FromContext returns the tenant key record attached to the request context,
// or nil when auth is disabled.
func FromContext(ctx context.Context) *store.TenantKeyRecord {
	if v, ok := ctx.Value(tenantKeyContextKey).(*store.TenantKeyRecord); ok {
		return v
	}
	return nil
}

// scopeForPath maps an endpoint to the scope it requires.
func scopeForPath(path string) string {
	switch {
	case strings.HasPrefix(path, "/projects/"):
		return "project"
	case strings.HasPrefix(path, "/governance/"):
		return "governance"
	default:
		return "run"
	}
}

func hasScope(rec *store.TenantKeyRecord, scope string) bool {
	var scopes []string
	if err := json.Unmarshal([]byte(rec.Scopes), &scopes); err != nil {
		return false
	}
	for _, s := range scopes {
		if s == scope || s == "*" {
			return true
		}
	}
	return false
}

// AuthMiddleware validates Bearer tokens on incoming requests: 401 for
// missing/invalid keys, 403 for insufficient scope, 429 when the tenant's
// monthly budget ceiling is exhausted. budgetChecker may be nil to skip
// budget enforcement.
func AuthMiddleware(mgr *Manager, budgetChecker *BudgetChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}

			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				slog.Warn("tenant auth: missing or malformed token",
					slog.String("ip", clientIP), slog.String("path", r.URL.Path))
				http.Error(w, "authorization required", http.StatusUnauthorized)
				return
			}
			token := strings.TrimPrefix(auth, "Bearer ")
			if !strings.HasPrefix(token, keyPrefix) {
				http.Error(w, "invalid api key format", http.StatusUnauthorized)
				return
			}

			rec, err := mgr.Validate(r.Context(), token)
			if err != nil {
				slog.Warn("tenant auth: validation failed",
					slog.String("ip", clientIP), slog.String("path", r.URL.Path),
					slog.String("error", err.Error()))
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}

			if !hasScope(rec, scopeForPath(r.URL.Path)) {
				slog.Warn("tenant auth: insufficient scope",
					slog.String("tenant", rec.Tenant), slog.String("path", r.URL.Path))
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}

			if budgetChecker != nil {
				if err := budgetChecker.CheckBudget(r.Context(), rec); err != nil {
					if budgetErr, ok := err.(*BudgetExceededError); ok {
						w.Header().Set("Content-Type", "application/json")
						w.WriteHeader(http.StatusTooManyRequests)
						_ = json.NewEncoder(w).Encode(map[string]any{
							"error":      "monthly budget exceeded",
							"tenant":     budgetErr.Tenant,
							"budget_usd": budgetErr.BudgetUSD,
							"spent_usd":  budgetErr.SpentUSD,
						})
						return
					}
					// Spend lookup failed; log and let the request through
					// rather than blocking paid traffic on an internal error.
					slog.Warn("tenant auth: budget check error", slog.String("error", err.Error()))
				}
			}

			ctx := context.WithValue(r.Context(), tenantKeyContextKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
