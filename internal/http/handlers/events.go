package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ContentEvents streams content events as server-sent events until the
// client goes away.
func (api *API) ContentEvents(w http.ResponseWriter, r *http.Request) {
	if api.events == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}

	controller := http.NewResponseController(w)
	subscription := api.events.Subscribe(64)
	defer subscription.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return
	}
	if err := controller.Flush(); err != nil {
		api.logf("event stream flush unsupported err=%v", err)
		return
	}

	heartbeat := time.NewTicker(api.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case event, ok := <-subscription.C:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ContentID, event.Type, data); err != nil {
				return
			}
		}
		if err := controller.Flush(); err != nil {
			return
		}
	}
}
