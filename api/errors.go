package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jmcleod/dashgate/auth"
	"github.com/jmcleod/dashgate/fault"
	"github.com/jmcleod/dashgate/profile"
	"github.com/jmcleod/dashgate/storage"
)

const (
	maxAuthBodySize     = 16 << 10
	maxResourceBodySize = 256 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// decodeJSON reads a single JSON object of at most limit bytes. It writes a
// 400 response and returns false when the body is unusable.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return v, false
	}
	if dec.More() {
		writeError(w, http.StatusBadRequest, "request body must contain a single object")
		return v, false
	}
	return v, true
}

// mapError translates a domain or backend error into a status code. Only
// backend unavailability becomes a 5xx other than 500; internal detail is
// redacted unless a.debug is set.
func (a *API) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthenticationRequired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrConflict):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, storage.ErrInvalid):
		writeError(w, http.StatusBadRequest, trimSentinel(err, storage.ErrInvalid))
	case errors.Is(err, profile.ErrInvalidUsername):
		writeError(w, http.StatusBadRequest, "invalid username")
	case errors.Is(err, profile.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown profile")
	case errors.Is(err, profile.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "profile service is rate limiting; try again later")
	case errors.Is(err, profile.ErrUpstream):
		writeError(w, http.StatusBadGateway, "profile service error")
	case fault.IsTransient(err):
		a.logger.Warn("backend unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, fault.Redact(err, a.debug))
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, fault.Redact(err, a.debug))
	}
}

// trimSentinel drops the "invalid record: " prefix a sentinel adds to a
// validation message.
func trimSentinel(err, sentinel error) string {
	msg := strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
	if msg == "" {
		return fmt.Sprint(sentinel)
	}
	return msg
}
