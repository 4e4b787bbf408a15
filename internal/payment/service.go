package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/pix-storefront/internal/catalog"
	"github.com/noah-isme/pix-storefront/internal/events"
	"github.com/noah-isme/pix-storefront/internal/obs"
)

// Service coordinates charge creation, status reads and webhook ingestion.
type Service struct {
	// Provider is the active provider for new charges.
	Provider Provider
	// Providers resolves stored charges and webhooks by provider name.
	Providers       map[string]Provider
	Store           Store
	Reconciler      *Reconciler
	Catalog         catalog.Lookup
	Bus             *events.Bus
	CallbackBaseURL string
	MaxSplitRatio   float64
	AutoSplit       AutoSplit
	// FallbackPolling lets status reads consult the provider when the local
	// record is missing or still open.
	FallbackPolling bool
	Logger          zerolog.Logger
	Now             func() time.Time
}

// CreateChargeInput is the validated body of POST /charges.
type CreateChargeInput struct {
	AmountMinor int64
	Description string
	SplitRules  []SplitRule
	ItemID      string
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) providerFor(name string) (Provider, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if p, ok := s.Providers[key]; ok && p != nil {
		return p, true
	}
	if s.Provider != nil && (key == "" || s.Provider.Name() == key) {
		return s.Provider, true
	}
	return nil, false
}

// CreateCharge validates the request, registers the charge upstream and
// records it locally in StatusCreated.
func (s *Service) CreateCharge(ctx context.Context, in CreateChargeInput) (Charge, error) {
	if s == nil || s.Provider == nil || s.Store == nil {
		return Charge{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.CreateCharge")
	defer span.End()

	start := time.Now()
	providerName := s.Provider.Name()
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", providerName),
			attribute.Int64("payment.amount_minor", in.AmountMinor),
			attribute.Float64("payment.create.duration_ms", obs.DurationMillis(time.Since(start))),
			attribute.String("payment.create.result", result),
		)
		obs.Inc(obs.ChargeCreateTotal, providerName, result)
	}()

	rules, err := s.prepare(in)
	if err != nil {
		result = "invalid"
		return Charge{}, err
	}
	var item catalog.Item
	if id := strings.TrimSpace(in.ItemID); id != "" && s.Catalog != nil {
		item, err = s.Catalog.Item(ctx, id)
		if errors.Is(err, catalog.ErrItemNotFound) {
			result = "invalid"
			return Charge{}, validationErr("itemId", "unknown item %q", id)
		}
		if err != nil {
			return Charge{}, fmt.Errorf("payment: resolve item %s: %w", id, err)
		}
		if item.PriceMinor > 0 && in.AmountMinor != item.PriceMinor {
			result = "invalid"
			return Charge{}, validationErr("amountMinor", "item %q costs %d, got %d", id, item.PriceMinor, in.AmountMinor)
		}
	}

	created, err := s.Provider.CreateCharge(ctx, ChargeRequest{
		AmountMinor: in.AmountMinor,
		Description: strings.TrimSpace(in.Description),
		SplitRules:  rules,
		CallbackURL: s.callbackURL(providerName),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider create failed")
		return Charge{}, err
	}
	span.SetAttributes(attribute.String("payment.charge_id", created.ID))

	pix := created.Pix
	stored, tr, err := s.Store.Upsert(ctx, created.ID, ChargeUpdate{
		Provider:       providerName,
		AmountMinor:    created.AmountMinor,
		Description:    created.Description,
		Status:         StatusCreated,
		ExpiresAt:      created.ExpiresAt,
		Pix:            &pix,
		ItemID:         strings.TrimSpace(in.ItemID),
		DeliverableURL: item.Deliverable,
		ProviderRaw:    created.ProviderRaw,
	})
	if err != nil {
		return Charge{}, fmt.Errorf("payment: store charge %s: %w", created.ID, err)
	}
	recordTransition(tr)
	result = "success"
	s.emit(ctx, events.TopicChargeCreated, stored)
	s.Logger.Info().
		Str("charge_id", stored.ID).
		Str("provider", providerName).
		Int64("amount_minor", stored.AmountMinor).
		Int("split_rules", len(rules)).
		Msg("charge_created")
	return stored, nil
}

// prepare checks amount and split rules and returns the rules to send.
func (s *Service) prepare(in CreateChargeInput) ([]SplitRule, error) {
	if in.AmountMinor <= 0 {
		return nil, validationErr("amountMinor", "must be positive")
	}
	if minimum := s.Provider.MinimumAmount(); in.AmountMinor < minimum {
		return nil, validationErr("amountMinor", "%d is below the %s minimum of %d", in.AmountMinor, s.Provider.Name(), minimum)
	}
	rules := in.SplitRules
	if len(rules) > 0 {
		if !s.Provider.SupportsSplit() {
			return nil, validationErr("splitRules", "%s does not support split rules", s.Provider.Name())
		}
		if err := ValidateSplit(in.AmountMinor, rules, s.MaxSplitRatio); err != nil {
			return nil, err
		}
		return rules, nil
	}
	if !s.Provider.SupportsSplit() {
		return nil, nil
	}
	auto := s.AutoSplit.Rules(in.AmountMinor)
	if err := ValidateSplit(in.AmountMinor, auto, s.MaxSplitRatio); err != nil {
		s.Logger.Warn().Err(err).Int64("amount_minor", in.AmountMinor).Msg("auto_split_skipped")
		return nil, nil
	}
	return auto, nil
}

func (s *Service) callbackURL(provider string) string {
	base := strings.TrimRight(strings.TrimSpace(s.CallbackBaseURL), "/")
	if base == "" {
		return ""
	}
	return base + "/webhooks/" + provider
}

// Status returns the best-known state of a charge, polling the provider when
// fallback polling is enabled and the poll interval allows it.
//
// A charge past its deadline is only marked Expired after the provider has
// been asked and reported no payment. Without that answer the charge stays
// open, so a late paid webhook can still settle it.
func (s *Service) Status(ctx context.Context, id string) (Charge, error) {
	if s == nil || s.Store == nil {
		return Charge{}, errors.New("payment service not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Charge{}, ErrNotFound
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.Status")
	defer span.End()
	span.SetAttributes(attribute.String("payment.charge_id", id))

	c, err := s.lookup(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if !s.FallbackPolling {
			return Charge{}, ErrNotFound
		}
		c, err = s.recover(ctx, id)
		if err != nil {
			return Charge{}, err
		}
	case err != nil:
		return Charge{}, fmt.Errorf("payment: load charge %s: %w", id, err)
	case c.Expired(s.now()):
		c = s.confirmExpiry(ctx, c)
	case !c.Status.Terminal() && s.FallbackPolling:
		c = s.poll(ctx, c, false)
	}
	span.SetAttributes(attribute.String("payment.status", string(c.Status)))
	return s.reconcile(ctx, c), nil
}

// IDNormaliser is implemented by providers whose ids are case-insensitive
// or otherwise need canonicalising before storage.
type IDNormaliser interface {
	NormaliseID(id string) string
}

// lookup loads id as given, then under each provider's canonical form.
func (s *Service) lookup(ctx context.Context, id string) (Charge, error) {
	c, err := s.Store.Get(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		return c, err
	}
	for _, p := range s.candidates() {
		n, ok := p.(IDNormaliser)
		if !ok {
			continue
		}
		alt := n.NormaliseID(id)
		if alt == id || alt == "" {
			continue
		}
		if c, err := s.Store.Get(ctx, alt); !errors.Is(err, ErrNotFound) {
			return c, err
		}
	}
	return Charge{}, ErrNotFound
}

// candidates lists the active provider first, then the rest.
func (s *Service) candidates() []Provider {
	out := make([]Provider, 0, len(s.Providers)+1)
	if s.Provider != nil {
		out = append(out, s.Provider)
	}
	for name, p := range s.Providers {
		if p != nil && (s.Provider == nil || name != s.Provider.Name()) {
			out = append(out, p)
		}
	}
	return out
}

// recover rebuilds a record the store does not know from the provider.
func (s *Service) recover(ctx context.Context, id string) (Charge, error) {
	p, ok := s.providerFor("")
	if !ok {
		return Charge{}, ErrNotFound
	}
	if n, ok := p.(IDNormaliser); ok {
		id = n.NormaliseID(id)
	}
	report, err := s.fetch(ctx, p, id)
	if err != nil {
		return Charge{}, err
	}
	polled := s.now()
	return s.apply(ctx, id, ChargeUpdate{
		Provider:    p.Name(),
		AmountMinor: report.AmountMinor,
		Status:      report.Status,
		PaidAt:      report.PaidAt,
		ProviderRaw: report.Raw,
		PolledAt:    &polled,
	})
}

// confirmExpiry asks the provider about a charge whose deadline has passed,
// ignoring the poll floor. Expired is written only when the provider
// answered and showed no payment.
func (s *Service) confirmExpiry(ctx context.Context, c Charge) Charge {
	if !s.FallbackPolling {
		return c
	}
	if _, ok := s.providerFor(c.Provider); !ok {
		return c
	}
	refreshed, answered := s.pollReport(ctx, c, true)
	if !answered || refreshed.Status.Terminal() || refreshed.PaidAt != nil {
		return refreshed
	}
	expired, err := s.apply(ctx, c.ID, ChargeUpdate{Status: StatusExpired})
	if err != nil {
		s.Logger.Warn().Err(err).Str("charge_id", c.ID).Msg("expire_store_failed")
		return refreshed
	}
	return expired
}

// poll refreshes c from its provider. Failures leave c unchanged.
func (s *Service) poll(ctx context.Context, c Charge, force bool) Charge {
	refreshed, _ := s.pollReport(ctx, c, force)
	return refreshed
}

// pollReport is poll that also reports whether the provider answered.
// Claiming the poll slot and stamping it is one store operation, so
// concurrent reads of one charge poll upstream at most once per floor.
func (s *Service) pollReport(ctx context.Context, c Charge, force bool) (Charge, bool) {
	p, ok := s.providerFor(c.Provider)
	if !ok {
		return c, false
	}
	marked, won, err := s.Store.TryMarkPolled(ctx, c.ID, force)
	if err != nil {
		s.Logger.Warn().Err(err).Str("charge_id", c.ID).Msg("poll_gate_failed")
		return c, false
	}
	if !won {
		return marked, false
	}
	report, err := s.fetch(ctx, p, c.ID)
	if err != nil {
		s.Logger.Debug().Err(err).Str("charge_id", c.ID).Str("provider", p.Name()).Msg("poll_fetch_failed")
		return marked, false
	}
	updated, err := s.apply(ctx, c.ID, ChargeUpdate{
		AmountMinor: report.AmountMinor,
		Status:      report.Status,
		PaidAt:      report.PaidAt,
		ProviderRaw: report.Raw,
	})
	if err != nil {
		s.Logger.Warn().Err(err).Str("charge_id", c.ID).Msg("poll_store_failed")
		return marked, false
	}
	return updated, true
}

func (s *Service) fetch(ctx context.Context, p Provider, id string) (StatusReport, error) {
	report, err := p.FetchStatus(ctx, id)
	result := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	obs.Inc(obs.StatusPollTotal, p.Name(), result)
	return report, err
}

// IngestWebhook parses a provider push and folds it into the store. The
// caller acknowledges the webhook whatever the outcome.
func (s *Service) IngestWebhook(ctx context.Context, provider string, header http.Header, body []byte) (Charge, error) {
	if s == nil || s.Store == nil {
		return Charge{}, errors.New("payment service not configured")
	}
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService.IngestWebhook")
	defer span.End()

	name := strings.ToLower(strings.TrimSpace(provider))
	result := "error"
	defer func() {
		span.SetAttributes(
			attribute.String("payment.provider", name),
			attribute.String("payment.webhook.result", result),
		)
		obs.Inc(obs.PaymentWebhookTotal, webhookLabel(name, result), result)
	}()

	p, ok := s.providerFor(name)
	if !ok || name == "" {
		result = "unknown_provider"
		return Charge{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	ev, err := p.ParseWebhook(header, body)
	if err != nil {
		result = "invalid_payload"
		return Charge{}, err
	}
	span.SetAttributes(attribute.String("payment.charge_id", ev.ChargeID))
	c, err := s.apply(ctx, ev.ChargeID, ChargeUpdate{
		Provider:    p.Name(),
		Status:      ev.Status,
		PaidAt:      ev.PaidAt,
		ProviderRaw: ev.Raw,
	})
	if err != nil {
		result = "store_error"
		return Charge{}, err
	}
	result = "ingested"
	return s.reconcile(ctx, c), nil
}

func webhookLabel(provider, result string) string {
	if result == "unknown_provider" || provider == "" {
		return "unknown"
	}
	return provider
}

// SimulateStatus applies a status as if the charge's provider had pushed it.
func (s *Service) SimulateStatus(ctx context.Context, id string, status Status) (Charge, error) {
	if s == nil || s.Store == nil {
		return Charge{}, errors.New("payment service not configured")
	}
	if _, err := s.Store.Get(ctx, id); err != nil {
		return Charge{}, err
	}
	c, err := s.apply(ctx, id, ChargeUpdate{Status: status})
	if err != nil {
		return Charge{}, err
	}
	return s.reconcile(ctx, c), nil
}

// apply upserts upd and emits the events for the transition it caused.
func (s *Service) apply(ctx context.Context, id string, upd ChargeUpdate) (Charge, error) {
	c, tr, err := s.Store.Upsert(ctx, id, upd)
	if err != nil {
		return Charge{}, fmt.Errorf("payment: update charge %s: %w", id, err)
	}
	recordTransition(tr)
	if tr.Applied {
		s.Logger.Info().
			Str("charge_id", id).
			Str("provider", c.Provider).
			Str("from", string(tr.From)).
			Str("to", string(tr.To)).
			Msg("charge_status_changed")
		switch tr.To {
		case StatusCanceled:
			s.emit(ctx, events.TopicChargeCanceled, c)
		case StatusExpired:
			s.emit(ctx, events.TopicChargeExpired, c)
		}
	}
	return c, nil
}

func (s *Service) reconcile(ctx context.Context, c Charge) Charge {
	if s.Reconciler == nil {
		return c
	}
	out, err := s.Reconciler.Reconcile(ctx, c)
	if err != nil {
		s.Logger.Error().Err(err).Str("charge_id", c.ID).Msg("reconcile_failed")
		return c
	}
	return out
}

func (s *Service) emit(ctx context.Context, topic string, c Charge) {
	if s.Bus == nil {
		return
	}
	payload := map[string]any{
		"chargeId":    c.ID,
		"provider":    c.Provider,
		"status":      string(c.Status),
		"amountMinor": c.AmountMinor,
	}
	if _, err := s.Bus.Emit(ctx, topic, c.ID, payload); err != nil {
		s.Logger.Warn().Err(err).Str("topic", topic).Str("charge_id", c.ID).Msg("event_emit_failed")
	}
}

func recordTransition(tr Transition) {
	if !tr.Applied {
		return
	}
	from := string(tr.From)
	if from == "" {
		from = "new"
	}
	obs.Inc(obs.StatusTransitionTotal, from, string(tr.To))
}
