package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/iwangbowen/simple-scp/internal/sshpool"
)

func GetPoolStatus(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not initialized")
		return
	}
	writeJSON(w, http.StatusOK, Pool.Status())
}

// GetPoolEvents returns the connection log of one host (?host=) or of all hosts.
func GetPoolEvents(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not initialized")
		return
	}
	if hostID := r.URL.Query().Get("host"); hostID != "" {
		events := Pool.Events(hostID)
		if events == nil {
			events = []sshpool.Event{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"hostId": hostID,
			"events":  events,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"hosts": Pool.AllEvents()})
}

func ClosePoolConnection(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not initialized")
		return
	}
	Pool.Close(chi.URLParam(r, "hostId"))
	w.WriteHeader(http.StatusNoContent)
}

func CleanupPool(w http.ResponseWriter, r *http.Request) {
	if Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "Connection pool not initialized")
		return
	}
	removed := Pool.CleanupIdle()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"status":  Pool.Status(),
	})
}
