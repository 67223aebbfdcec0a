package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
)

// Stream serves a requester's replies as Server-Sent Events.
func (a *API) Stream(w http.ResponseWriter, r *http.Request, requester string) {
	if a.mailbox == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.mailbox.Subscribe(ctx, requester)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for msg := range ch {
		payload, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: " + string(msg.Kind) + "\n"))
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
