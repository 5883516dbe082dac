package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxResponseBytes caps how much of an upstream body is buffered.
const maxResponseBytes = 1 << 20

// Retry controls how upstream calls are repeated. Attempts beyond the first
// wait Delay, doubling each time up to MaxDelay.
type Retry struct {
	Retries  int
	Delay    time.Duration
	MaxDelay time.Duration
}

func (r Retry) wait(ctx context.Context, attempt int) error {
	d := r.Delay << attempt
	if r.MaxDelay > 0 && (d > r.MaxDelay || d <= 0) {
		d = r.MaxDelay
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Response is a fully buffered upstream reply.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the buffered body into out.
func (r Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode upstream body: %w", err)
	}
	return nil
}

func retryable(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// PostJSON sends in as a JSON body. Transport errors, 5xx and 429 replies
// are retried; anything else is returned to the caller as-is. The final
// non-2xx reply is returned without an error so callers can map it.
func PostJSON(ctx context.Context, client *http.Client, url string, in any, headers http.Header, retry Retry) (Response, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	return Do(ctx, client, http.MethodPost, url, body, headers, retry)
}

// Do performs a request with the retry policy and buffers the reply.
func Do(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header, retry Retry) (Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries := max(retry.Retries, 0)
	var last error
	for attempt := 0; ; attempt++ {
		resp, err := once(ctx, client, method, url, body, headers)
		if err == nil && !retryable(resp.Status) {
			return resp, nil
		}
		if attempt >= retries {
			if err != nil {
				return Response{}, err
			}
			return resp, nil
		}
		last = err
		if werr := retry.wait(ctx, attempt); werr != nil {
			if last == nil {
				last = werr
			}
			return Response{}, fmt.Errorf("retry aborted: %w", last)
		}
	}
}

func once(ctx context.Context, client *http.Client, method, url string, body []byte, headers http.Header) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read upstream body: %w", err)
	}
	return Response{Status: resp.StatusCode, Body: raw}, nil
}
