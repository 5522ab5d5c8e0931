package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

const defaultReplay = 20

// Stream serves saga progress events as Server-Sent Events. Recent events are
// replayed first; ?replay=0 disables that.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.deps.Bus == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	replay := defaultReplay
	if raw := r.URL.Query().Get("replay"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "replay must be a non-negative integer")
			return
		}
		replay = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.deps.Bus.Subscribe(r.Context())
	_, _ = w.Write([]byte(": stream started\n\n"))
	if replay > 0 {
		for _, evt := range a.deps.Bus.Recent(replay) {
			writeEvent(w, evt.ID, evt)
		}
	}
	flusher.Flush()

	for evt := range ch {
		writeEvent(w, evt.ID, evt)
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, id string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", id, payload)
}
