package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/events"
	"github.com/noah-isme/pix-storefront/internal/obs"
)

// Releaser performs the once-only side effect for a paid charge.
type Releaser interface {
	Release(ctx context.Context, c Charge) error
}

// ReleaserFunc adapts a function to Releaser.
type ReleaserFunc func(ctx context.Context, c Charge) error

func (f ReleaserFunc) Release(ctx context.Context, c Charge) error { return f(ctx, c) }

// Reconciler turns an observed Paid status into exactly one release. The
// store's ClaimRelease is the single check-and-set; whoever wins it runs the
// releaser. A failed release is logged and never un-claimed: confirmed
// payment must not be reversed by a downstream failure.
type Reconciler struct {
	Store    Store
	Releaser Releaser
	Logger   zerolog.Logger
}

// Reconcile returns c, updated with the release flag when this call or an
// earlier one released it.
func (r *Reconciler) Reconcile(ctx context.Context, c Charge) (Charge, error) {
	if c.Status != StatusPaid || c.DeliverableReleased {
		return c, nil
	}
	claimedCharge, claimed, err := r.Store.ClaimRelease(ctx, c.ID)
	if err != nil {
		return c, fmt.Errorf("payment: claim release %s: %w", c.ID, err)
	}
	if !claimed {
		return claimedCharge, nil
	}
	if r.Releaser == nil {
		obs.Inc(obs.DeliverableReleaseTotal, "released")
		return claimedCharge, nil
	}
	if err := r.Releaser.Release(ctx, claimedCharge); err != nil {
		obs.Inc(obs.DeliverableReleaseTotal, "error")
		r.Logger.Error().Err(err).Str("charge_id", c.ID).Str("provider", c.Provider).Msg("deliverable_release_failed")
		return claimedCharge, nil
	}
	obs.Inc(obs.DeliverableReleaseTotal, "released")
	r.Logger.Info().Str("charge_id", c.ID).Str("provider", c.Provider).Int64("amount_minor", c.AmountMinor).Msg("deliverable_released")
	return claimedCharge, nil
}

// PaidEvent is the charge.paid payload.
type PaidEvent struct {
	ChargeID       string `json:"chargeId"`
	Provider       string `json:"provider"`
	AmountMinor    int64  `json:"amountMinor"`
	Description    string `json:"description,omitempty"`
	ItemID         string `json:"itemId,omitempty"`
	DeliverableURL string `json:"deliverableUrl,omitempty"`
	PaidAt         string `json:"paidAt,omitempty"`
}

// BusReleaser releases by emitting charge.paid on the event bus.
type BusReleaser struct {
	Bus *events.Bus
}

func (b BusReleaser) Release(ctx context.Context, c Charge) error {
	payload := PaidEvent{
		ChargeID:       c.ID,
		Provider:       c.Provider,
		AmountMinor:    c.AmountMinor,
		Description:    c.Description,
		ItemID:         c.ItemID,
		DeliverableURL: c.DeliverableURL,
	}
	if c.PaidAt != nil {
		payload.PaidAt = c.PaidAt.UTC().Format(time.RFC3339)
	}
	_, err := b.Bus.Emit(ctx, events.TopicChargePaid, c.ID, payload)
	return err
}
