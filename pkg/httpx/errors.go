package httpx

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"refit/pkg/apperr"
)

// WriteError renders err using its apperr kind. Unclassified errors become a
// generic 500 so internal detail never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	e, ok := apperr.As(err)
	if !ok {
		slog.Error("unclassified handler error", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	body := map[string]any{
		"error": e.Message,
		"code":  e.Code,
	}
	switch e.Kind {
	case apperr.KindVerification:
		body["reason"] = e.Code
	case apperr.KindRateLimited, apperr.KindLocked:
		secs := RetryAfterSeconds(e.RetryAfter.Seconds())
		body["retryAfterSeconds"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	case apperr.KindAuth:
		if e.AttemptsRemaining > 0 {
			body["attemptsRemaining"] = e.AttemptsRemaining
		}
	case apperr.KindSettlement, apperr.KindUpstreamUnavailable:
		slog.Warn("upstream failure", "code", e.Code, "error", e.Err)
	}
	WriteJSON(w, apperr.HTTPStatus(err), body)
}

// RetryAfterSeconds rounds up and never returns less than one second.
func RetryAfterSeconds(secs float64) int {
	n := int(math.Ceil(secs))
	if n < 1 {
		n = 1
	}
	return n
}
