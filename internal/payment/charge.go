package payment

import (
	"strings"
	"time"
)

// Status is the canonical, provider-agnostic charge state.
type Status string

const (
	StatusCreated  Status = "created"
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// ParseStatus accepts a canonical status name in any case.
func ParseStatus(value string) (Status, bool) {
	switch s := Status(strings.ToLower(strings.TrimSpace(value))); s {
	case StatusCreated, StatusPending, StatusPaid, StatusCanceled, StatusExpired:
		return s, true
	default:
		return "", false
	}
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCanceled || s == StatusExpired
}

func (s Status) rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusPending:
		return 1
	case StatusPaid, StatusCanceled, StatusExpired:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
// Created -> Pending -> {Paid, Canceled, Expired}; Created may skip Pending.
// Nothing leaves a terminal state and same-state moves are not transitions.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// PixPayload is what the payer needs to pay: the copy-paste code and,
// when the provider renders one, a QR image (data URI or URL).
type PixPayload struct {
	Code    string `json:"code"`
	QRImage string `json:"qrImage,omitempty"`
}

// SplitRule redirects part of a charge to a secondary account.
type SplitRule struct {
	Value     int64  `json:"value"`
	AccountID string `json:"accountId"`
}

// Charge is a single payment attempt. The Store owns the authoritative copy;
// values handed out by the store are snapshots.
type Charge struct {
	ID                  string         `json:"id"`
	Provider            string         `json:"provider"`
	AmountMinor         int64          `json:"amountMinor"`
	Description         string         `json:"description,omitempty"`
	Status              Status         `json:"status"`
	PaidAt              *time.Time     `json:"paidAt,omitempty"`
	ExpiresAt           *time.Time     `json:"expiresAt,omitempty"`
	Pix                 PixPayload     `json:"pix"`
	ItemID              string         `json:"itemId,omitempty"`
	DeliverableURL      string         `json:"deliverableUrl,omitempty"`
	ProviderRaw         map[string]any `json:"providerRaw,omitempty"`
	LastPolledAt        *time.Time     `json:"lastPolledAt,omitempty"`
	DeliverableReleased bool           `json:"deliverableReleased"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// Expired reports whether the provider deadline passed while still unpaid.
func (c Charge) Expired(now time.Time) bool {
	return !c.Status.Terminal() && c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// ChargeUpdate is a partial update merged by Store.Upsert. Zero values mean
// "leave as is". DeliverableReleased cannot be set
// here; see Store.ClaimRelease.
type ChargeUpdate struct {
	Provider       string
	AmountMinor    int64
	Description    string
	Status         Status
	PaidAt         *time.Time
	ExpiresAt      *time.Time
	Pix            *PixPayload
	ItemID         string
	DeliverableURL string
	ProviderRaw    map[string]any
	PolledAt       *time.Time
}

// Transition describes the status change caused by an upsert.
type Transition struct {
	From    Status
	To      Status
	Applied bool
}

// applyUpdate merges upd into existing (nil when absent) and returns the new
// record. Fields are last-writer-wins except Status, which only moves
// forward, and PaidAt, which is stamped once on entering Paid.
func applyUpdate(existing *Charge, id string, upd ChargeUpdate, now time.Time) (Charge, Transition) {
	var c Charge
	if existing != nil {
		c = *existing
	} else {
		c = Charge{ID: id, Status: StatusCreated, CreatedAt: now}
	}
	tr := Transition{From: c.Status, To: c.Status}
	if existing == nil {
		tr.From = ""
	}

	if upd.Status != "" && c.Status.CanAdvanceTo(upd.Status) {
		c.Status = upd.Status
		tr.To = upd.Status
		tr.Applied = true
		if upd.Status == StatusPaid {
			paidAt := now
			if upd.PaidAt != nil && !upd.PaidAt.IsZero() {
				paidAt = *upd.PaidAt
			}
			c.PaidAt = &paidAt
		}
	} else if existing == nil && upd.Status == StatusCreated {
		tr.To = StatusCreated
		tr.Applied = true
	}

	if upd.Provider != "" {
		c.Provider = upd.Provider
	}
	if upd.AmountMinor > 0 {
		c.AmountMinor = upd.AmountMinor
	}
	if upd.Description != "" {
		c.Description = upd.Description
	}
	if upd.ExpiresAt != nil {
		expires := *upd.ExpiresAt
		c.ExpiresAt = &expires
	}
	if upd.Pix != nil {
		c.Pix = *upd.Pix
	}
	if upd.ItemID != "" {
		c.ItemID = upd.ItemID
	}
	if upd.DeliverableURL != "" {
		c.DeliverableURL = upd.DeliverableURL
	}
	if upd.ProviderRaw != nil {
		c.ProviderRaw = cloneRaw(upd.ProviderRaw)
	}
	if upd.PolledAt != nil {
		polled := *upd.PolledAt
		c.LastPolledAt = &polled
	}
	c.UpdatedAt = now
	return c, tr
}

func cloneRaw(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// clone returns a copy that shares no pointers with c.
func (c Charge) clone() Charge {
	out := c
	out.PaidAt = copyTime(c.PaidAt)
	out.ExpiresAt = copyTime(c.ExpiresAt)
	out.LastPolledAt = copyTime(c.LastPolledAt)
	out.ProviderRaw = cloneRaw(c.ProviderRaw)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
