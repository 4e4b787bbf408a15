package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var errEmptyBody = errors.New("request body is empty")

// DecodeJSON reads exactly one JSON value from the body into dst. Trailing
// data after the value is rejected.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	switch err := dec.Decode(dst); {
	case errors.Is(err, io.EOF):
		return errEmptyBody
	case err != nil:
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: unexpected data after value")
	}
	return nil
}

// ClientIP picks the caller address: the left-most X-Forwarded-For hop, then
// X-Real-IP, then the connection peer.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	for _, candidate := range []string{firstHop(r.Header.Get("X-Forwarded-For")), r.Header.Get("X-Real-IP")} {
		if ip := strings.TrimSpace(candidate); ip != "" {
			return ip
		}
	}
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

func firstHop(xff string) string {
	hop, _, _ := strings.Cut(xff, ",")
	return hop
}
