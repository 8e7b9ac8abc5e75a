package httpapi

import (
	"fmt"
	"net/http"

	"github.com/routecore/routecore/internal/events"
)

// SSEHandler streams run events (ROUTE, ESCALATION, PACKAGE_DONE,
// RUN_COMPLETED, HEALTH_CHANGE) as server-sent events until the client
// disconnects.
func SSEHandler(bus *events.Bus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := bus.Subscribe(64)
		defer bus.Unsubscribe(sub)

		for {
			select {
			case <-r.Context().Done():
				return
			case e := <-sub.C:
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, e.JSON())
				flusher.Flush()
			}
		}
	}
}
