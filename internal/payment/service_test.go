package payment_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/pix-storefront/internal/catalog"
	"github.com/noah-isme/pix-storefront/internal/events"
	"github.com/noah-isme/pix-storefront/internal/payment"
)

// fakeProvider records calls and serves canned answers.
type fakeProvider struct {
	mu        sync.Mutex
	name      string
	minimum   int64
	split     bool
	nextID    string
	status    payment.StatusReport
	fetchErr  error
	fetches   int
	requests  []payment.ChargeRequest
	webhookFn func(body []byte) (payment.WebhookEvent, error)
}

func (f *fakeProvider) Name() string         { return f.name }
func (f *fakeProvider) MinimumAmount() int64 { return f.minimum }
func (f *fakeProvider) SupportsSplit() bool  { return f.split }

func (f *fakeProvider) CreateCharge(_ context.Context, req payment.ChargeRequest) (payment.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return payment.Charge{
		ID:          f.nextID,
		Provider:    f.name,
		AmountMinor: req.AmountMinor,
		Description: req.Description,
		Status:      payment.StatusCreated,
		Pix:         payment.PixPayload{Code: "00020126580014br.gov.bcb.pix"},
	}, nil
}

func (f *fakeProvider) FetchStatus(_ context.Context, id string) (payment.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return payment.StatusReport{}, f.fetchErr
	}
	r := f.status
	r.ChargeID = id
	return r, nil
}

func (f *fakeProvider) ParseWebhook(_ http.Header, body []byte) (payment.WebhookEvent, error) {
	return f.webhookFn(body)
}

func (f *fakeProvider) setStatus(st payment.Status) {
	f.mu.Lock()
	f.status = payment.StatusReport{Status: st}
	f.mu.Unlock()
}

func (f *fakeProvider) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type countingReleaser struct {
	calls atomic.Int32
	err   error
}

func (r *countingReleaser) Release(context.Context, payment.Charge) error {
	r.calls.Add(1)
	return r.err
}

type staticCatalog map[string]catalog.Item

func (c staticCatalog) Item(_ context.Context, id string) (catalog.Item, error) {
	item, ok := c[id]
	if !ok {
		return catalog.Item{}, catalog.ErrItemNotFound
	}
	return item, nil
}

func paidWebhook(id string) func([]byte) (payment.WebhookEvent, error) {
	return func(body []byte) (payment.WebhookEvent, error) {
		if string(body) == "garbage" {
			return payment.WebhookEvent{}, &payment.WebhookParseError{Provider: "fake", Err: payment.ErrInvalidPayload}
		}
		return payment.WebhookEvent{ChargeID: id, Status: payment.StatusPaid}, nil
	}
}

type serviceFixture struct {
	svc      *payment.Service
	provider *fakeProvider
	store    *payment.MemoryStore
	releaser *countingReleaser
	clock    *fakeClock
	topics   *topicRecorder
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) Notify(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.topics = append(r.topics, ev.Topic)
	r.mu.Unlock()
	return nil
}

func (r *topicRecorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	clock := newFakeClock()
	store := payment.NewMemoryStore(payment.StoreOptions{Now: clock.Now, MinPollInterval: time.Minute})
	provider := &fakeProvider{name: "fake", minimum: 50, split: true, nextID: "ch_1", webhookFn: paidWebhook("ch_1")}
	provider.setStatus(payment.StatusPending)
	releaser := &countingReleaser{}
	topics := &topicRecorder{}
	svc := &payment.Service{
		Provider:        provider,
		Providers:       map[string]payment.Provider{"fake": provider},
		Store:           store,
		Reconciler:      &payment.Reconciler{Store: store, Releaser: releaser, Logger: zerolog.Nop()},
		Catalog:         staticCatalog{
			"m1": {ID: "m1", Deliverable: "https://cdn.example/m1.zip"},
			"m2": {ID: "m2", PriceMinor: 990, Deliverable: "https://cdn.example/m2.zip"},
		},
		Bus:             &events.Bus{Notifiers: []events.Notifier{topics}, Now: clock.Now},
		CallbackBaseURL: "https://shop.example/",
		MaxSplitRatio:   payment.DefaultMaxSplitRatio,
		FallbackPolling: true,
		Logger:          zerolog.Nop(),
		Now:             clock.Now,
	}
	return serviceFixture{svc: svc, provider: provider, store: store, releaser: releaser, clock: clock, topics: topics}
}

func TestCreateChargeRecordsCreated(t *testing.T) {
	f := newServiceFixture(t)
	c, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 1000, Description: " Modelo ", ItemID: "m1"})
	require.NoError(t, err)
	require.Equal(t, "ch_1", c.ID)
	require.Equal(t, payment.StatusCreated, c.Status)
	require.Equal(t, int64(1000), c.AmountMinor)
	require.Equal(t, "https://cdn.example/m1.zip", c.DeliverableURL)
	require.Equal(t, "https://shop.example/webhooks/fake", f.provider.requests[0].CallbackURL)
	require.Equal(t, "Modelo", f.provider.requests[0].Description)
	require.Equal(t, []string{events.TopicChargeCreated}, f.topics.list())

	stored, err := f.store.Get(context.Background(), "ch_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusCreated, stored.Status)
}

func TestCreateChargeEnforcesMinimum(t *testing.T) {
	f := newServiceFixture(t)
	var valErr *payment.ValidationError

	_, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 49})
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, "amountMinor", valErr.Field)
	require.Empty(t, f.provider.requests)

	_, err = f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 50})
	require.NoError(t, err)
}

func TestCreateChargeMatchesItemPrice(t *testing.T) {
	f := newServiceFixture(t)
	var valErr *payment.ValidationError

	_, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 100, ItemID: "m2"})
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, "amountMinor", valErr.Field)
	require.Empty(t, f.provider.requests)

	c, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 990, ItemID: "m2"})
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example/m2.zip", c.DeliverableURL)
}

func TestCreateChargeSplitCap(t *testing.T) {
	f := newServiceFixture(t)
	var valErr *payment.ValidationError

	_, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{
		AmountMinor: 1000,
		SplitRules:  []payment.SplitRule{{Value: 600, AccountID: "acc"}},
	})
	require.ErrorAs(t, err, &valErr)
	require.Empty(t, f.provider.requests)

	_, err = f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{
		AmountMinor: 1000,
		SplitRules:  []payment.SplitRule{{Value: 400, AccountID: "acc"}},
	})
	require.NoError(t, err)
	require.Equal(t, []payment.SplitRule{{Value: 400, AccountID: "acc"}}, f.provider.requests[0].SplitRules)
}

func TestCreateChargeRejectsSplitWhenUnsupported(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.split = false
	var valErr *payment.ValidationError
	_, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{
		AmountMinor: 1000,
		SplitRules:  []payment.SplitRule{{Value: 100, AccountID: "acc"}},
	})
	require.ErrorAs(t, err, &valErr)
}

func TestCreateChargeAppliesAutoSplit(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.AutoSplit = payment.AutoSplit{AccountID: "house", Percent: 10}
	_, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)
	require.Equal(t, []payment.SplitRule{{Value: 100, AccountID: "house"}}, f.provider.requests[0].SplitRules)
}

func TestCreateChargeUnknownItem(t *testing.T) {
	f := newServiceFixture(t)
	var valErr *payment.ValidationError
	_, err := f.svc.CreateCharge(context.Background(), payment.CreateChargeInput{AmountMinor: 1000, ItemID: "nope"})
	require.ErrorAs(t, err, &valErr)
	require.Equal(t, "itemId", valErr.Field)
}

func TestWebhookReplayReleasesOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000, ItemID: "m1"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c, err := f.svc.IngestWebhook(ctx, "fake", http.Header{}, []byte(`{}`))
		require.NoError(t, err)
		require.Equal(t, payment.StatusPaid, c.Status)
		require.True(t, c.DeliverableReleased)
	}
	require.Equal(t, int32(1), f.releaser.calls.Load())
}

func TestConcurrentWebhookAndPollReleaseOnce(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)
	f.provider.setStatus(payment.StatusPaid)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.IngestWebhook(ctx, "fake", http.Header{}, []byte(`{}`))
		}()
		go func() {
			defer wg.Done()
			f.clock.Advance(2 * time.Minute)
			_, _ = f.svc.Status(ctx, "ch_1")
		}()
	}
	wg.Wait()

	c, err := f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, c.Status)
	require.True(t, c.DeliverableReleased)
	require.Equal(t, int32(1), f.releaser.calls.Load())
}

func TestWebhookThenPollKeepsPaid(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)

	paid, err := f.svc.IngestWebhook(ctx, "fake", http.Header{}, []byte(`{}`))
	require.NoError(t, err)

	// provider lags behind and still says pending
	f.clock.Advance(2 * time.Minute)
	c, err := f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, c.Status)
	require.True(t, paid.PaidAt.Equal(*c.PaidAt))
	require.Zero(t, f.provider.fetchCount(), "terminal charges are not polled")
}

func TestStatusPollRespectsInterval(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)

	c, err := f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, c.Status)
	require.Equal(t, 1, f.provider.fetchCount())

	_, err = f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	require.Equal(t, 1, f.provider.fetchCount())

	f.clock.Advance(time.Minute)
	f.provider.setStatus(payment.StatusPaid)
	c, err = f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	require.Equal(t, 2, f.provider.fetchCount())
	require.Equal(t, payment.StatusPaid, c.Status)
	require.True(t, c.DeliverableReleased)
	require.Equal(t, int32(1), f.releaser.calls.Load())
}

func TestStatusSwallowsPollErrors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)
	f.provider.fetchErr = &payment.ProviderError{Provider: "fake", StatusCode: 503}

	c, err := f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusCreated, c.Status)
}

func TestStatusWithoutFallbackDoesNotPoll(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.FallbackPolling = false
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)

	_, err = f.svc.Status(ctx, "ch_1")
	require.NoError(t, err)
	_, err = f.svc.Status(ctx, "unknown")
	require.ErrorIs(t, err, payment.ErrNotFound)
	require.Zero(t, f.provider.fetchCount())
}

func TestStatusRecoversUnknownChargeFromProvider(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.status = payment.StatusReport{Status: payment.StatusPaid, AmountMinor: 700}

	c, err := f.svc.Status(context.Background(), "ext_9")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, c.Status)
	require.Equal(t, "fake", c.Provider)
	require.Equal(t, int64(700), c.AmountMinor)

	f.provider.fetchErr = payment.ErrNotFound
	_, err = f.svc.Status(context.Background(), "ext_10")
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func seedExpiring(t *testing.T, f serviceFixture, id string) time.Time {
	t.Helper()
	expires := f.clock.Now().Add(10 * time.Minute)
	_, _, err := f.store.Upsert(context.Background(), id, payment.ChargeUpdate{Provider: "fake", Status: payment.StatusPending, ExpiresAt: &expires})
	require.NoError(t, err)
	return expires
}

func TestStatusExpiresOnlyAfterProviderConfirms(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedExpiring(t, f, "ch_exp")

	f.clock.Advance(9*time.Minute + 30*time.Second)
	c, err := f.svc.Status(ctx, "ch_exp")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, c.Status)
	require.Equal(t, 1, f.provider.fetchCount())

	// past the deadline but inside the poll floor
	f.clock.Advance(40 * time.Second)
	c, err = f.svc.Status(ctx, "ch_exp")
	require.NoError(t, err)
	require.Equal(t, 2, f.provider.fetchCount(), "deadline check ignores the poll floor")
	require.Equal(t, payment.StatusExpired, c.Status)
	require.Contains(t, f.topics.list(), events.TopicChargeExpired)
}

func TestStatusPastDeadlineSettlesPaidFromProvider(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	expires := seedExpiring(t, f, "ch_exp")

	_, err := f.svc.Status(ctx, "ch_exp")
	require.NoError(t, err)

	paidAt := expires.Add(-10 * time.Second)
	f.provider.mu.Lock()
	f.provider.status = payment.StatusReport{Status: payment.StatusPaid, PaidAt: &paidAt}
	f.provider.mu.Unlock()

	f.clock.Advance(10*time.Minute + 10*time.Second)
	c, err := f.svc.Status(ctx, "ch_exp")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, c.Status)
	require.True(t, c.PaidAt.Equal(paidAt))
	require.True(t, c.DeliverableReleased)
	require.Equal(t, int32(1), f.releaser.calls.Load())
}

func TestStatusPastDeadlineStaysOpenWithoutProviderAnswer(t *testing.T) {
	for name, tweak := range map[string]func(*serviceFixture){
		"fetch fails":      func(f *serviceFixture) { f.provider.fetchErr = &payment.ProviderError{Provider: "fake", StatusCode: 502} },
		"polling disabled": func(f *serviceFixture) { f.svc.FallbackPolling = false },
	} {
		t.Run(name, func(t *testing.T) {
			f := newServiceFixture(t)
			f.provider.webhookFn = paidWebhook("ch_exp")
			tweak(&f)
			ctx := context.Background()
			seedExpiring(t, f, "ch_exp")

			f.clock.Advance(11 * time.Minute)
			c, err := f.svc.Status(ctx, "ch_exp")
			require.NoError(t, err)
			require.Equal(t, payment.StatusPending, c.Status)

			paid, err := f.svc.IngestWebhook(ctx, "fake", http.Header{}, []byte(`{}`))
			require.NoError(t, err)
			require.Equal(t, payment.StatusPaid, paid.Status)
			require.True(t, paid.DeliverableReleased)
			require.Equal(t, int32(1), f.releaser.calls.Load())
		})
	}
}

func TestConcurrentStatusReadsPollOncePerFloor(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateCharge(ctx, payment.CreateChargeInput{AmountMinor: 1000})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Status(ctx, "ch_1")
		}()
	}
	wg.Wait()
	require.Equal(t, 1, f.provider.fetchCount())
}

// lowerCaseProvider canonicalises ids the way PushinPay does.
type lowerCaseProvider struct{ *fakeProvider }

func (lowerCaseProvider) NormaliseID(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func TestStatusFindsChargeByCanonicalID(t *testing.T) {
	f := newServiceFixture(t)
	p := lowerCaseProvider{f.provider}
	f.svc.Provider = p
	f.svc.Providers = map[string]payment.Provider{"fake": p}
	f.svc.FallbackPolling = false
	ctx := context.Background()
	_, _, err := f.store.Upsert(ctx, "9e1f-abcd", payment.ChargeUpdate{Provider: "fake", Status: payment.StatusPaid})
	require.NoError(t, err)

	c, err := f.svc.Status(ctx, "9E1F-ABCD")
	require.NoError(t, err)
	require.Equal(t, "9e1f-abcd", c.ID)
	require.Equal(t, payment.StatusPaid, c.Status)

	_, err = f.svc.Status(ctx, "0000-FFFF")
	require.ErrorIs(t, err, payment.ErrNotFound)
}

func TestIngestWebhookErrors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.IngestWebhook(ctx, "nope", http.Header{}, []byte(`{}`))
	require.ErrorIs(t, err, payment.ErrUnknownProvider)

	_, err = f.svc.IngestWebhook(ctx, "fake", http.Header{}, []byte("garbage"))
	require.ErrorIs(t, err, payment.ErrInvalidPayload)
}

func TestReconcilerReleaseFailureKeepsClaim(t *testing.T) {
	ctx := context.Background()
	store := payment.NewMemoryStore(payment.StoreOptions{})
	releaser := &countingReleaser{err: errors.New("smtp down")}
	r := &payment.Reconciler{Store: store, Releaser: releaser, Logger: zerolog.Nop()}

	c, _, err := store.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPaid})
	require.NoError(t, err)

	out, err := r.Reconcile(ctx, c)
	require.NoError(t, err)
	require.True(t, out.DeliverableReleased)

	out, err = r.Reconcile(ctx, c)
	require.NoError(t, err)
	require.True(t, out.DeliverableReleased)
	require.Equal(t, int32(1), releaser.calls.Load())

	stored, err := store.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, payment.StatusPaid, stored.Status)
}

func TestReconcilerIgnoresUnpaid(t *testing.T) {
	ctx := context.Background()
	store := payment.NewMemoryStore(payment.StoreOptions{})
	releaser := &countingReleaser{}
	r := &payment.Reconciler{Store: store, Releaser: releaser, Logger: zerolog.Nop()}

	c, _, err := store.Upsert(ctx, "c1", payment.ChargeUpdate{Status: payment.StatusPending})
	require.NoError(t, err)
	out, err := r.Reconcile(ctx, c)
	require.NoError(t, err)
	require.False(t, out.DeliverableReleased)
	require.Zero(t, releaser.calls.Load())
}

func TestBusReleaserEmitsChargePaid(t *testing.T) {
	topics := &topicRecorder{}
	r := payment.BusReleaser{Bus: &events.Bus{Notifiers: []events.Notifier{topics}}}
	paid := time.Now()
	require.NoError(t, r.Release(context.Background(), payment.Charge{ID: "c1", Status: payment.StatusPaid, PaidAt: &paid}))
	require.Equal(t, []string{events.TopicChargePaid}, topics.list())
}
