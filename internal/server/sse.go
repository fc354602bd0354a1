package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/llmctl/llmctl/internal/events"
)

// WriteSSE streams one event room to an HTTP response as Server-Sent Events.
// The subscription replays the room history first, then carries live events;
// a terminal "done" event is emitted only when the room actually closed, not
// when this client was dropped for slowness.
func WriteSSE(w http.ResponseWriter, r *http.Request, bus *events.Bus, room string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	evCh, doneCh, unsub := bus.Subscribe(room)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				select {
				case <-doneCh:
					fmt.Fprintf(w, "event: done\ndata: {}\n\n")
					flusher.Flush()
				default:
					// Slow-client drop, disconnect silently.
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
