package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/yourflock/perch/internal/store"
	"github.com/yourflock/perch/internal/tokenlimit"
	"github.com/yourflock/perch/internal/upstream"
)

// errUnauthorized covers missing, unknown, and expired credentials.
var errUnauthorized = errors.New("unauthorized")

// errorStatus maps an internal error to the client-facing HTTP status.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, errUnauthorized), errors.Is(err, store.ErrNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, tokenlimit.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, upstream.ErrAcquireTimeout),
		errors.Is(err, upstream.ErrPoolClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// errorType names the error category in response bodies, loosely following
// the OpenAI error envelope clients already parse.
func errorType(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout, http.StatusBadGateway:
		return "api_error"
	default:
		return "api_error"
	}
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// writeError sends the JSON error envelope.
func writeError(w http.ResponseWriter, status int, msg string) {
	var body errorBody
	body.Error.Type = errorType(status)
	body.Error.Message = msg
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
