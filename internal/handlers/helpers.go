package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"os"
	"strconv"

	"github.com/iwangbowen/simple-scp/internal/history"
	"github.com/iwangbowen/simple-scp/internal/hosts"
	"github.com/iwangbowen/simple-scp/internal/remote"
	"github.com/iwangbowen/simple-scp/internal/sshpool"
	"github.com/iwangbowen/simple-scp/internal/transfer"
)

// Services are set from main.go during init.
var (
	Pool    *sshpool.Pool
	History *history.Service
	Hosts   *hosts.Manager
	Tasks   *transfer.Manager
	Remote  *remote.Service
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var (
		parseErr *history.ParseError
		rateErr  *sshpool.RateLimitedError
		tErr     *sshpool.TransportError
		sErr     *sshpool.SFTPSessionError
	)
	// Pool errors first: they may wrap filesystem errors from the local side,
	// such as a missing private key file.
	switch {
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.Is(err, sshpool.ErrConnectionTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &tErr), errors.As(err, &sErr):
		return http.StatusBadGateway
	case errors.Is(err, sshpool.ErrPoolClosed), errors.Is(err, history.ErrDisposed):
		return http.StatusServiceUnavailable
	case errors.Is(err, hosts.ErrHostNotFound),
		errors.Is(err, hosts.ErrGroupNotFound),
		errors.Is(err, transfer.ErrTaskNotFound),
		errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, hosts.ErrInvalidHost),
		errors.Is(err, remote.ErrInvalidMode),
		errors.As(err, &parseErr):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, os.ErrPermission):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeErr(w http.ResponseWriter, err error) {
	var rateErr *sshpool.RateLimitedError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(rateErr))
	}
	writeError(w, statusFor(err), err.Error())
}

func retryAfterSeconds(e *sshpool.RateLimitedError) string {
	return strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds())))
}
