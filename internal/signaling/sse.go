// ABOUTME: Server-sent events transport for the local pairing UI
// ABOUTME: Streams broadcaster events as `event: <type>` / `data: <json>` frames

package signaling

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// sseKeepalive is how often an idle stream gets a comment frame so proxies
// don't time it out.
const sseKeepalive = 15 * time.Second

// SSEHandler streams events from b. The optional ?types= query parameter is
// a comma separated list of event types to receive.
func SSEHandler(b *Broadcaster) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			b.logger.Error("streaming not supported")
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var types []EventType
		if raw := r.URL.Query().Get("types"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					types = append(types, EventType(t))
				}
			}
		}

		events, subID := b.Subscribe(r.Context(), types...)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		writeSSEEvent(w, "ready", map[string]string{"subscription": subID, "device_id": b.deviceID})
		flusher.Flush()

		ticker := time.NewTicker(sseKeepalive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := writeSSEEvent(w, string(ev.Type), ev); err != nil {
					b.logger.Error("failed to marshal SSE data", "error", err)
					continue
				}
				flusher.Flush()
			}
		}
	})
}

// writeSSEEvent writes a single SSE event to the response writer.
func writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
	return nil
}
