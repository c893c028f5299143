package realtime

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// keepAliveInterval is how often an idle stream gets a comment line so
// proxies do not time it out.
var keepAliveInterval = 30 * time.Second

// HandleSSE streams broadcaster messages as Server-Sent Events. Each message
// is written as "event: <kind>" followed by its JSON payload. The
// subscription ends when the client goes away, a write fails or the
// broadcaster closes it.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	// streams outlive the server's WriteTimeout
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub := b.Subscribe()
	defer sub.Close()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				logger.Debug("[Realtime] sse write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg Message) error {
	var payload any = msg.Snapshot
	if msg.Kind == KindEvent {
		payload = msg.Event
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Kind, data)
	return err
}
