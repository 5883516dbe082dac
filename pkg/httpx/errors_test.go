package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refit/pkg/apperr"
)

func TestWriteErrorRateLimited(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, apperr.RateLimited(1500*time.Millisecond))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After=2, got %q", got)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["retryAfterSeconds"] != float64(2) {
		t.Fatalf("expected retryAfterSeconds=2, got %#v", body["retryAfterSeconds"])
	}
}

func TestWriteErrorVerificationReason(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, apperr.Verification("no_custody_transfer", "no transfer to custody address"))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["reason"] != "no_custody_transfer" {
		t.Fatalf("expected reason in body, got %#v", body)
	}
}

func TestWriteErrorAuthAttemptsRemaining(t *testing.T) {
	rr := httptest.NewRecorder()
	e := apperr.Auth("bad_credentials")
	e.AttemptsRemaining = 3
	WriteError(rr, e)
	var body map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if rr.Code != http.StatusUnauthorized || body["attemptsRemaining"] != float64(3) {
		t.Fatalf("unexpected auth response %d %#v", rr.Code, body)
	}
	if body["error"] != "authentication failed" {
		t.Fatalf("expected generic auth message, got %#v", body["error"])
	}
}

func TestWriteErrorUnclassified(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteError(rr, errors.New("pq: connection refused on 10.0.0.3"))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(rr.Body.Bytes(), &body)
	if body["error"] != "internal error" {
		t.Fatalf("expected generic message, got %#v", body)
	}
}

func TestRetryAfterSecondsFloor(t *testing.T) {
	if RetryAfterSeconds(0) != 1 || RetryAfterSeconds(0.2) != 1 || RetryAfterSeconds(59.1) != 60 {
		t.Fatal("unexpected rounding")
	}
}
