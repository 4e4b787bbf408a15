package payment_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pix-storefront/internal/payment"
)

func newTestRouter(f serviceFixture, replay *redis.Client) http.Handler {
	h := &payment.Handler{Svc: f.svc, Validator: payment.NewValidator()}
	wh := payment.Webhook{Svc: f.svc, Replay: replay, ReplayTTL: time.Minute, Logger: zerolog.Nop()}
	r := chi.NewRouter()
	r.Post("/charges", h.Create)
	r.Get("/charges/{id}", h.Status)
	r.Post("/webhooks/{provider}", wh.Handle)
	r.Post("/dev/charges/{id}/status", h.Simulate)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestCreateChargeHandler(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f, nil)

	rec, body := do(t, router, http.MethodPost, "/charges", `{"amountMinor":1000,"description":"Modelo","itemId":"m1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "ch_1", body["id"])
	require.Equal(t, "created", body["status"])
	require.EqualValues(t, 1000, body["amountMinor"])
	require.Equal(t, "fake", body["provider"])
	pix := body["pixPayload"].(map[string]any)
	require.NotEmpty(t, pix["code"])
}

func TestCreateChargeHandlerValidation(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f, nil)

	cases := map[string]string{
		"below minimum":  `{"amountMinor":49}`,
		"zero amount":    `{"amountMinor":0}`,
		"split over cap": `{"amountMinor":1000,"splitRules":[{"value":600,"accountId":"acc"}]}`,
		"split no acct":  `{"amountMinor":1000,"splitRules":[{"value":100}]}`,
		"unknown item":   `{"amountMinor":1000,"itemId":"nope"}`,
		"malformed json": `{"amountMinor":`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			rec, body := do(t, router, http.MethodPost, "/charges", payload)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "VALIDATION_ERROR", errorCode(body))
		})
	}
	require.Empty(t, f.provider.requests)
}

func TestCreateChargeHandlerReportsValidatorField(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f, nil)

	_, body := do(t, router, http.MethodPost, "/charges", `{"amountMinor":1000,"splitRules":[{"value":100}]}`)
	details := body["error"].(map[string]any)["details"].(map[string]any)
	require.Equal(t, "splitRules[0].accountId", details["field"])
}

func TestStatusHandler(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.FallbackPolling = false
	router := newTestRouter(f, nil)

	rec, body := do(t, router, http.MethodGet, "/charges/unknown", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", errorCode(body))

	_, _ = do(t, router, http.MethodPost, "/charges", `{"amountMinor":1000,"itemId":"m1"}`)
	rec, body = do(t, router, http.MethodGet, "/charges/ch_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "created", body["status"])
	require.NotContains(t, body, "deliverableUrl")
	require.NotContains(t, body, "paidAt")

	rec, _ = do(t, router, http.MethodPost, "/webhooks/fake", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = do(t, router, http.MethodGet, "/charges/ch_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "paid", body["status"])
	require.NotEmpty(t, body["paidAt"])
	require.Equal(t, "https://cdn.example/m1.zip", body["deliverableUrl"])
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f, nil)

	for _, tc := range []struct{ path, body string }{
		{"/webhooks/fake", `{}`},
		{"/webhooks/fake", "garbage"},
		{"/webhooks/unknown", `{}`},
		{"/webhooks/fake", ""},
	} {
		rec, body := do(t, router, http.MethodPost, tc.path, tc.body)
		require.Equal(t, http.StatusOK, rec.Code, tc)
		require.Equal(t, true, body["received"])
	}
}

func TestWebhookReplayIsDropped(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newServiceFixture(t)
	router := newTestRouter(f, client)
	_, _ = do(t, router, http.MethodPost, "/charges", `{"amountMinor":1000}`)

	for i := 0; i < 3; i++ {
		rec, _ := do(t, router, http.MethodPost, "/webhooks/fake", `{"id":"ch_1"}`)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, int32(1), f.releaser.calls.Load())
	require.Len(t, mr.Keys(), 1)
}

// failingUpsertStore fails the next n upserts.
type failingUpsertStore struct {
	*payment.MemoryStore
	n atomic.Int32
}

func (s *failingUpsertStore) Upsert(ctx context.Context, id string, upd payment.ChargeUpdate) (payment.Charge, payment.Transition, error) {
	if s.n.Add(-1) >= 0 {
		return payment.Charge{}, payment.Transition{}, errors.New("store unavailable")
	}
	return s.MemoryStore.Upsert(ctx, id, upd)
}

func TestWebhookReplayKeyFreedOnStoreFailure(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := newServiceFixture(t)
	router := newTestRouter(f, client)
	_, _ = do(t, router, http.MethodPost, "/charges", `{"amountMinor":1000}`)
	store := &failingUpsertStore{MemoryStore: f.store}
	store.n.Store(1)
	f.svc.Store = store

	rec, _ := do(t, router, http.MethodPost, "/webhooks/fake", `{"id":"ch_1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, mr.Keys())
	require.Zero(t, f.releaser.calls.Load())

	_, _ = do(t, router, http.MethodPost, "/webhooks/fake", `{"id":"ch_1"}`)
	require.Equal(t, int32(1), f.releaser.calls.Load())
	require.Len(t, mr.Keys(), 1)

	c, err := f.store.Get(context.Background(), "ch_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, c.Status)
}

func TestSimulateHandler(t *testing.T) {
	f := newServiceFixture(t)
	router := newTestRouter(f, nil)
	_, _ = do(t, router, http.MethodPost, "/charges", `{"amountMinor":1000}`)

	rec, body := do(t, router, http.MethodPost, "/dev/charges/ch_1/status", `{"status":"canceled"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "canceled", body["status"])

	rec, body = do(t, router, http.MethodPost, "/dev/charges/ch_1/status", `{"status":"sideways"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "VALIDATION_ERROR", errorCode(body))

	rec, _ = do(t, router, http.MethodPost, "/dev/charges/missing/status", `{"status":"paid"}`)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
