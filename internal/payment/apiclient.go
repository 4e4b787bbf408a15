package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/noah-isme/pix-storefront/internal/obs"
	"github.com/noah-isme/pix-storefront/internal/resilience"
)

const maxProviderBody = 1 << 20

// opCreateCharge is sent at most once: a retried POST could register a
// second charge upstream.
const opCreateCharge = "create_charge"

// apiClient is the JSON-over-HTTP plumbing shared by the adapters.
type apiClient struct {
	provider string
	baseURL  string
	http     resilience.HTTPClient
}

type apiResponse struct {
	StatusCode int
	Body       []byte
}

func (c apiClient) call(ctx context.Context, op, method, path string, header http.Header, in any) (apiResponse, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return apiResponse{}, fmt.Errorf("payment: encode %s request: %w", c.provider, err)
		}
		body = bytes.NewReader(payload)
	}
	url := strings.TrimRight(c.baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apiResponse{}, fmt.Errorf("payment: build %s request: %w", c.provider, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.http
	if client.Client == nil {
		client.Client = http.DefaultClient
	}
	if op == opCreateCharge {
		client.MaxAttempts = 1
	}
	start := time.Now()
	resp, err := client.Do(ctx, req)
	if obs.ProviderCallLatency != nil {
		obs.ProviderCallLatency.WithLabelValues(c.provider, op).Observe(obs.DurationMillis(time.Since(start)))
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return apiResponse{}, &ProviderError{Provider: c.provider, Detail: op + " timed out", Err: err}
		}
		return apiResponse{}, &ProviderError{Provider: c.provider, Detail: op + " request failed", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return apiResponse{}, &ProviderError{Provider: c.provider, StatusCode: resp.StatusCode, Detail: "read response", Err: err}
	}
	out := apiResponse{StatusCode: resp.StatusCode, Body: data}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &ProviderError{Provider: c.provider, StatusCode: resp.StatusCode, Detail: upstreamMessage(data)}
	}
	return out, nil
}

// decode unmarshals a 2xx body into out and also returns it as a generic map
// for Charge.ProviderRaw.
func (c apiClient) decode(body []byte, out any) (map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, &ProviderError{Provider: c.provider, Detail: "malformed response: not json"}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return nil, &ProviderError{Provider: c.provider, Detail: "malformed response", Err: err}
	}
	var raw map[string]any
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		// arrays and scalars are kept under one key
		var anyValue any
		_ = json.Unmarshal(trimmed, &anyValue)
		raw = map[string]any{"response": anyValue}
	}
	return raw, nil
}

func isNotFound(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.StatusCode == http.StatusNotFound
}

// upstreamMessage extracts a human readable message from an error body.
func upstreamMessage(body []byte) string {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, key := range []string{"message", "error", "detail", "errors"} {
			if v, ok := payload[key]; ok {
				if s, ok := v.(string); ok && s != "" {
					return s
				}
				if encoded, err := json.Marshal(v); err == nil {
					return truncate(string(encoded), 300)
				}
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)), 300)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// flexString accepts JSON strings and numbers (some providers emit numeric ids).
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// flexInt accepts integer amounts sent as JSON numbers or numeric strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(data); err != nil {
		return err
	}
	if s == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(s), 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q", string(s))
	}
	*f = flexInt(math.Round(v))
	return nil
}

// reaisToMinor converts a decimal BRL amount to centavos.
func reaisToMinor(v float64) int64 {
	return int64(math.Round(v * 100))
}

func minorToReais(v int64) float64 {
	return float64(v) / 100
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTimestamp returns nil for empty or unparsable values.
func parseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" || value == "null" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// lookup walks a dotted path ("data.identifier") through decoded JSON.
func lookup(m map[string]any, path string) (any, bool) {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// firstString returns the first non-empty scalar found at any of paths.
func firstString(m map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case json.Number:
			return t.String()
		}
	}
	return ""
}
