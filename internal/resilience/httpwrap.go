package resilience

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseBackoff = 100 * time.Millisecond
	maxRetryAfter      = 5 * time.Second
	drainLimit         = 64 << 10
)

// HTTPClient sends requests through an optional Breaker with bounded retries.
// Transport errors, 5xx and 429 are retried; any other response is handed
// back untouched. 429 counts as a success for the breaker: the upstream is up.
type HTTPClient struct {
	Client      *http.Client
	Breaker     *Breaker
	BaseBackoff time.Duration
	MaxAttempts int
	Jitter      float64
	// Timeout bounds each attempt, including reading the response body.
	Timeout  time.Duration
	Target   string
	Logger   *zerolog.Logger
	Fallback func(context.Context, *http.Request, error) (*http.Response, error)
}

// Do runs req until it succeeds, attempts run out, the breaker refuses or ctx
// ends. The body is buffered once so every attempt resends it.
func (cl HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Client == nil {
		return nil, errors.New("resilience: http client not configured")
	}
	body, err := bufferBody(req)
	if err != nil {
		return nil, fmt.Errorf("resilience: buffer request body: %w", err)
	}
	attempts := max(cl.MaxAttempts, 1)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if cl.Breaker != nil && !cl.Breaker.Allow(ctx) {
			lastErr = ErrOpenCircuit
			break
		}
		resp, err := cl.send(ctx, withBody(ctx, req, body))
		wait, retry := cl.classify(attempt, resp, err)
		cl.Breaker.report(ctx, err == nil && resp.StatusCode < http.StatusInternalServerError)
		if !retry {
			return resp, nil
		}
		lastErr = err
		if err == nil {
			lastErr = fmt.Errorf("upstream status %s", resp.Status)
			discard(resp)
		}
		cl.logRetry(attempt, attempts, req, lastErr)
		if attempt >= attempts {
			break
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	if cl.Fallback != nil {
		return cl.Fallback(ctx, req, lastErr)
	}
	return nil, lastErr
}

// classify reports whether the outcome should be retried and how long to
// wait first. A Retry-After on 429 or 503 overrides the backoff, within limits.
func (cl HTTPClient) classify(attempt int, resp *http.Response, err error) (time.Duration, bool) {
	base := cl.BaseBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	wait := Backoff(base, attempt, cl.Jitter)
	switch {
	case err != nil:
		return wait, true
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		if hinted, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			wait = hinted
		}
		return wait, true
	case resp.StatusCode >= http.StatusInternalServerError:
		return wait, true
	default:
		return 0, false
	}
}

func retryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, false
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter), true
}

func (cl HTTPClient) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	if cl.Timeout <= 0 {
		return cl.Client.Do(req)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, cl.Timeout)
	resp, err := cl.Client.Do(req.WithContext(attemptCtx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (cl HTTPClient) logRetry(attempt, attempts int, req *http.Request, err error) {
	if cl.Logger == nil {
		return
	}
	evt := cl.Logger.Warn()
	if attempt >= attempts {
		evt = cl.Logger.Error()
	}
	evt.Err(err).
		Str("target", cl.Target).
		Str("method", req.Method).
		Str("host", req.URL.Host).
		Int("attempt", attempt).
		Int("max_attempts", attempts).
		Msg("upstream_attempt_failed")
}

func sleep(ctx context.Context, d time.Duration) error {
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

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	_ = resp.Body.Close()
}

// bufferBody reads req's body once. nil means the request has no body.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	rc := req.Body
	if req.GetBody != nil {
		fresh, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		rc = fresh
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func withBody(ctx context.Context, req *http.Request, body []byte) *http.Request {
	out := req.Clone(ctx)
	if body == nil {
		return out
	}
	out.ContentLength = int64(len(body))
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	return out
}
