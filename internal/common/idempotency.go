package common

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	idemPending   = "pending"
	idemReplayHdr = "Idempotent-Replayed"
)

// storedResponse is what a finished request leaves behind under its key.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// Idem makes write endpoints safe to retry with an Idempotency-Key header.
// The first request runs and its response is kept for TTL; later requests
// with the same key on the same route get that response back. A retry that
// arrives while the first is still running gets 409.
type Idem struct {
	R      *redis.Client
	TTL    time.Duration
	Prefix string
}

func (i Idem) key(r *http.Request, header string) string {
	prefix := i.Prefix
	if prefix == "" {
		prefix = "idem:"
	}
	return prefix + Sha256Hex(r.Method+" "+r.URL.Path+" "+header)
}

func (i Idem) ttl() time.Duration {
	if i.TTL <= 0 {
		return 24 * time.Hour
	}
	return i.TTL
}

func (i Idem) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if header == "" || i.R == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		key := i.key(r, header)
		won, err := i.R.SetNX(ctx, key, idemPending, i.ttl()).Result()
		if err != nil {
			JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
			return
		}
		if !won {
			i.replay(ctx, w, key)
			return
		}

		rec := &captureWriter{ResponseWriter: w}
		completed := false
		defer func() {
			// A panicking or failing handler frees the key for a retry.
			if !completed || rec.status() >= http.StatusInternalServerError {
				_ = i.R.Del(context.WithoutCancel(ctx), key).Err()
				return
			}
			stored, _ := json.Marshal(storedResponse{
				Status:      rec.status(),
				ContentType: rec.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			_ = i.R.Set(context.WithoutCancel(ctx), key, stored, i.ttl()).Err()
		}()
		next.ServeHTTP(rec, r)
		completed = true
	})
}

func (i Idem) replay(ctx context.Context, w http.ResponseWriter, key string) {
	raw, err := i.R.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil), err == nil && string(raw) == idemPending:
		JSONError(w, http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "a request with this key is still running", nil)
		return
	case err != nil:
		JSONError(w, http.StatusServiceUnavailable, "IDEMPOTENCY_UNAVAILABLE", "idempotency store unavailable", nil)
		return
	}
	var prev storedResponse
	if err := json.Unmarshal(raw, &prev); err != nil || prev.Status == 0 {
		JSONError(w, http.StatusConflict, "IDEMPOTENT_REPLAY", "duplicate request", nil)
		return
	}
	if prev.ContentType != "" {
		w.Header().Set("Content-Type", prev.ContentType)
	}
	w.Header().Set(idemReplayHdr, "true")
	w.WriteHeader(prev.Status)
	_, _ = w.Write(prev.Body)
}

// captureWriter tees the response so it can be stored after the handler.
type captureWriter struct {
	http.ResponseWriter
	code int
	body bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.code == 0 {
		c.code = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.code == 0 {
		c.code = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (c *captureWriter) status() int {
	if c.code == 0 {
		return http.StatusOK
	}
	return c.code
}
