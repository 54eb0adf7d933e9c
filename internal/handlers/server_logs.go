package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/iwangbowen/simple-scp/internal/logging"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

// GetServerLogs returns the tail of the server log. ?lines= sets the tail
// length and ?grep= keeps only lines containing the text (case-insensitive).
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n := defaultLogLines
	if v := q.Get("lines"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid lines")
			return
		}
		n = min(parsed, maxLogLines)
	}

	content, err := logging.ReadTail(n)
	if err != nil {
		writeErr(w, err)
		return
	}
	if needle := strings.ToLower(q.Get("grep")); needle != "" && content != "" {
		var kept []string
		for _, line := range strings.Split(content, "\n") {
			if strings.Contains(strings.ToLower(line), needle) {
				kept = append(kept, line)
			}
		}
		content = strings.Join(kept, "\n")
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": content, "lines": n})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
