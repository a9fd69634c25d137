package handlers

import "net/http"

func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{"status": "ok"}
	if api.events != nil {
		response["event_subscribers"] = api.events.Subscribers()
		response["events_dropped"] = api.events.Dropped()
	}
	writeJSON(w, http.StatusOK, response)
}
