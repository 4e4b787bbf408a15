// Package poller watches a charge until it reaches a terminal status, the
// watch times out or the caller cancels it.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/pix-storefront/internal/payment"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 6 * time.Minute
)

// Outcome says why Run stopped.
type Outcome string

const (
	OutcomeTerminal Outcome = "terminal"
	OutcomeTimeout  Outcome = "timeout"
	OutcomeCanceled Outcome = "canceled"
)

// Snapshot is what one fetch observed.
type Snapshot struct {
	ChargeID       string
	Status         payment.Status
	PaidAt         *time.Time
	DeliverableURL string
}

// Fetcher reads the current state of a charge.
type Fetcher interface {
	Fetch(ctx context.Context, chargeID string) (Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, chargeID string) (Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, chargeID string) (Snapshot, error) {
	return f(ctx, chargeID)
}

// Result is the final observation of a Run.
type Result struct {
	ChargeID       string
	Status         payment.Status
	PaidAt         *time.Time
	DeliverableURL string
	Attempts       int
	Outcome        Outcome
}

// Message renders a payer-facing summary.
func (r Result) Message() string {
	switch {
	case r.Outcome == OutcomeTerminal && r.Status == payment.StatusPaid:
		return "payment confirmed"
	case r.Outcome == OutcomeTerminal && r.Status == payment.StatusExpired:
		return "payment expired"
	case r.Outcome == OutcomeTerminal:
		return "payment canceled"
	case r.Outcome == OutcomeCanceled:
		return "status check stopped"
	default:
		return "payment status unknown, check again"
	}
}

// Poller fetches on a fixed interval. Fetch errors are logged and the loop
// carries on with the next tick.
type Poller struct {
	Fetcher  Fetcher
	Interval time.Duration
	Timeout  time.Duration
	// MaxAttempts caps fetches; zero means no cap.
	MaxAttempts int
	Logger      zerolog.Logger
	// OnUpdate, when set, sees every successful fetch.
	OnUpdate func(Snapshot)
}

// Run blocks until the charge is terminal, the budget is spent or ctx is
// done. It never returns an error; see Result.Outcome.
func (p Poller) Run(ctx context.Context, chargeID string) Result {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	res := Result{ChargeID: chargeID, Status: payment.StatusPending}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCanceled
			return res
		}
		res.Attempts++
		if p.attempt(ctx, &res) {
			res.Outcome = OutcomeTerminal
			return res
		}
		if p.MaxAttempts > 0 && res.Attempts >= p.MaxAttempts {
			res.Outcome = OutcomeTimeout
			return res
		}
		select {
		case <-ctx.Done():
			res.Outcome = OutcomeCanceled
			return res
		case <-deadline.C:
			res.Outcome = OutcomeTimeout
			return res
		case <-ticker.C:
		}
	}
}

// attempt performs one fetch and reports whether the status is terminal.
func (p Poller) attempt(ctx context.Context, res *Result) bool {
	snap, err := p.Fetcher.Fetch(ctx, res.ChargeID)
	if err != nil {
		if ctx.Err() == nil {
			p.Logger.Debug().Err(err).Str("charge_id", res.ChargeID).Int("attempt", res.Attempts).Msg("poll_fetch_failed")
		}
		return false
	}
	if snap.Status != "" {
		res.Status = snap.Status
	}
	res.PaidAt = snap.PaidAt
	if snap.DeliverableURL != "" {
		res.DeliverableURL = snap.DeliverableURL
	}
	if p.OnUpdate != nil {
		p.OnUpdate(snap)
	}
	return res.Status.Terminal()
}
