package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/iwangbowen/simple-scp/internal/hosts"
)

// ListHosts returns hosts sorted by name. ?group=<id> narrows to one group;
// an empty group value selects ungrouped hosts.
func ListHosts(w http.ResponseWriter, r *http.Request) {
	var (
		list []hosts.Host
		err  error
	)
	if q := r.URL.Query(); q.Has("group") {
		list, err = Hosts.HostsInGroup(r.Context(), q.Get("group"))
	} else {
		list, err = Hosts.Hosts(r.Context())
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if list == nil {
		list = []hosts.Host{}
	}
	hosts.SortHosts(list)
	writeJSON(w, http.StatusOK, list)
}

func GetHost(w http.ResponseWriter, r *http.Request) {
	h, err := Hosts.Host(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func CreateHost(w http.ResponseWriter, r *http.Request) {
	var h hosts.Host
	if err := decodeJSON(r, &h); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	created, err := Hosts.AddHost(r.Context(), h)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func UpdateHost(w http.ResponseWriter, r *http.Request) {
	var upd hosts.HostUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	id := chi.URLParam(r, "id")
	updated, err := Hosts.UpdateHost(r.Context(), id, upd)
	if err != nil {
		writeErr(w, err)
		return
	}
	// Address or user changes invalidate the pooled session.
	if Pool != nil && (upd.Host != nil || upd.Port != nil || upd.Username != nil) {
		Pool.Close(id)
	}
	writeJSON(w, http.StatusOK, updated)
}

func DeleteHost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := Hosts.DeleteHost(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	if Pool != nil {
		Pool.Close(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func MoveHost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GroupID string `json:"groupId"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := Hosts.MoveHostToGroup(r.Context(), chi.URLParam(r, "id"), body.GroupID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := Hosts.Groups(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if groups == nil {
		groups = []hosts.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

type groupRequest struct {
	Name string `json:"name"`
}

func CreateGroup(w http.ResponseWriter, r *http.Request) {
	var body groupRequest
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "Group name is required")
		return
	}
	g, err := Hosts.AddGroup(r.Context(), body.Name)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var body groupRequest
	if err := decodeJSON(r, &body); err != nil || strings.TrimSpace(body.Name) == "" {
		writeError(w, http.StatusBadRequest, "Group name is required")
		return
	}
	g, err := Hosts.UpdateGroup(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(body.Name))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := Hosts.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
