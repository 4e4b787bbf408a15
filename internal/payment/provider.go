package payment

import (
	"context"
	"net/http"
	"time"
)

// ChargeRequest is the canonical input for creating a charge upstream.
type ChargeRequest struct {
	AmountMinor int64
	Description string
	SplitRules  []SplitRule
	CallbackURL string
}

// StatusReport is the result of a provider status lookup.
type StatusReport struct {
	ChargeID    string
	Status      Status
	PaidAt      *time.Time
	AmountMinor int64
	Raw         map[string]any
}

// WebhookEvent is the canonical form of a provider push notification.
type WebhookEvent struct {
	ChargeID string
	Status   Status
	PaidAt   *time.Time
	Raw      map[string]any
}

// Provider is implemented once per payment provider. Provider-specific
// vocabulary never escapes an implementation.
type Provider interface {
	Name() string
	MinimumAmount() int64
	SupportsSplit() bool
	// CreateCharge registers a charge upstream. The returned charge is in
	// StatusCreated with the provider identifiers in ProviderRaw.
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	// FetchStatus is a pure read; the caller persists the report.
	FetchStatus(ctx context.Context, chargeID string) (StatusReport, error)
	// ParseWebhook fails with a *WebhookParseError wrapping ErrInvalidPayload.
	ParseWebhook(header http.Header, body []byte) (WebhookEvent, error)
}
