package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iwangbowen/simple-scp/internal/remote"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

// BrowseRemote lists a remote directory: GET /hosts/{id}/browse?mode=&path=.
func BrowseRemote(w http.ResponseWriter, r *http.Request) {
	if Remote == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote service not initialized")
		return
	}
	q := r.URL.Query()
	listing, err := Remote.Browse(r.Context(), chi.URLParam(r, "id"), remote.Mode(q.Get("mode")), q.Get("path"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

type transferRequest struct {
	Type transfer.Type `json:"type"`
	remote.Request
}

// StartTransfer queues an upload or download and returns the pending task.
// Progress is streamed over the events websocket.
func StartTransfer(w http.ResponseWriter, r *http.Request) {
	if Remote == nil {
		writeError(w, http.StatusServiceUnavailable, "Remote service not initialized")
		return
	}
	var body transferRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !body.Type.Valid() {
		writeError(w, http.StatusBadRequest, "Type must be upload or download")
		return
	}
	if strings.TrimSpace(body.HostID) == "" {
		writeError(w, http.StatusBadRequest, "hostId is required")
		return
	}
	rec, err := Remote.Start(r.Context(), body.Type, body.Request)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// ListTransfers returns the transfers currently in flight.
func ListTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Tasks.List())
}

func GetTransfer(w http.ResponseWriter, r *http.Request) {
	task, err := Tasks.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task.Snapshot())
}

func CancelTransfer(w http.ResponseWriter, r *http.Request) {
	if err := Tasks.Cancel(chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
