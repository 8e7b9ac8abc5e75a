package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/routecore/routecore/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.String("error", err.Error()))
	}
}

// writeError maps an error to the structured {code, message, details?}
// shape. Business outcomes (no qualified models, budget exceeded) come back
// as 200s; only transport and internal failures are 5xx.
func writeError(w http.ResponseWriter, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Internal("%v", err)
	}
	body := map[string]any{
		"code":    ae.Code,
		"message": ae.Message,
	}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	writeJSON(w, apperr.HTTPStatus(ae.Code), map[string]any{"error": body})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}
