package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"

	"github.com/iwangbowen/simple-scp/internal/history"
	"github.com/iwangbowen/simple-scp/internal/timeutil"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

const maxImportBytes = 16 << 20

// ListHistory returns stored transfers, newest first. Filters combine:
// host, status, type, q (file name), path (local or remote), from/to
// (finish time, inclusive) and limit.
func ListHistory(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	q := r.URL.Query()

	var subsets [][]transfer.Record
	if v := q.Get("host"); v != "" {
		subsets = append(subsets, History.ByHost(v))
	}
	if v := q.Get("status"); v != "" {
		st := transfer.Status(v)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q", v))
			return
		}
		subsets = append(subsets, History.ByStatus(st))
	}
	if v := q.Get("type"); v != "" {
		typ := transfer.Type(v)
		if !typ.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid type %q", v))
			return
		}
		subsets = append(subsets, History.ByType(typ))
	}
	if v := q.Get("q"); v != "" {
		subsets = append(subsets, History.SearchByFileName(v))
	}
	if v := q.Get("path"); v != "" {
		subsets = append(subsets, History.SearchByPath(v))
	}
	if q.Get("from") != "" || q.Get("to") != "" {
		from, to := time.Time{}, time.Now().AddDate(100, 0, 0)
		var err error
		if v := q.Get("from"); v != "" {
			if from, err = timeutil.Parse(v); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid from timestamp")
				return
			}
		}
		if v := q.Get("to"); v != "" {
			if to, err = timeutil.Parse(v); err != nil {
				writeError(w, http.StatusBadRequest, "Invalid to timestamp")
				return
			}
		}
		subsets = append(subsets, History.ByDateRange(from, to))
	}

	records := History.History()
	for _, s := range subsets {
		records = intersect(records, s)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		if len(records) > n {
			records = records[:n]
		}
	}
	writeJSON(w, http.StatusOK, records)
}

func RecentHistory(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, History.Recent(limit))
}

func GetHistoryStats(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	st := History.Statistics()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"statistics": st,
		"totalSize":  units.HumanSize(float64(st.TotalBytes)),
	})
}

func ExportHistory(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	doc, err := History.Export()
	if err != nil {
		writeErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="transfer-history.json"`)
	io.WriteString(w, doc)
}

func ImportHistory(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImportBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Import document too large")
		return
	}
	if err := History.Import(r.Context(), string(body)); err != nil {
		var pe *history.ParseError
		if errors.As(err, &pe) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"detail": err.Error(),
				"index":  pe.Index,
			})
			return
		}
		log.Printf("[history] Import failed: %v", err)
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"total": len(History.History())})
}

// ClearHistory removes records: those of ?host=, failed ones with
// ?status=failed, or everything.
func ClearHistory(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	q := r.URL.Query()
	var err error
	switch {
	case q.Get("host") != "":
		err = History.ClearByHost(r.Context(), q.Get("host"))
	case q.Get("status") == string(transfer.StatusFailed):
		err = History.ClearFailed(r.Context())
	case q.Get("status") != "":
		writeError(w, http.StatusBadRequest, "Only failed transfers can be cleared by status")
		return
	default:
		err = History.ClearAll(r.Context())
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func DeleteHistoryEntry(w http.ResponseWriter, r *http.Request) {
	if History == nil {
		writeError(w, http.StatusServiceUnavailable, "History not initialized")
		return
	}
	if err := History.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// intersect keeps the records of a whose id also appears in b, in a's order.
func intersect(a, b []transfer.Record) []transfer.Record {
	ids := make(map[string]struct{}, len(b))
	for _, r := range b {
		ids[r.ID] = struct{}{}
	}
	out := a[:0]
	for _, r := range a {
		if _, ok := ids[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}
