package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is a domain event about one aggregate (a charge).
type Event struct {
	ID          string          `json:"id"`
	Topic       string          `json:"topic"`
	AggregateID string          `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurredAt"`
}

// EventStore persists emitted events.
type EventStore interface {
	InsertEvent(ctx context.Context, ev Event) error
}

// Notifier reacts to emitted events (chat alerts and the like).
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

var errNoBus = errors.New("events: bus not configured")

// NewEvent validates its inputs and stamps a fresh id. payload may be nil,
// raw JSON (json.RawMessage, []byte, string) or any marshalable value.
func NewEvent(topic, aggregateID string, payload any, at time.Time) (Event, error) {
	topic = strings.TrimSpace(topic)
	switch {
	case topic == "":
		return Event{}, errors.New("events: topic is required")
	case strings.TrimSpace(aggregateID) == "":
		return Event{}, errors.New("events: aggregate id is required")
	}
	raw, err := rawPayload(payload)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode payload: %w", err)
	}
	return Event{ID: uuid.NewString(), Topic: topic, AggregateID: aggregateID, Payload: raw, OccurredAt: at.UTC()}, nil
}

// Bus persists each event, when a store is set, then hands it to every
// notifier in order. One failing sink does not stop the rest.
type Bus struct {
	Store     EventStore
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit builds and dispatches an event. The event is returned even when some
// sinks failed; the error joins all of their failures.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (Event, error) {
	if b == nil {
		return Event{}, errNoBus
	}
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	ev, err := NewEvent(topic, aggregateID, payload, now())
	if err != nil {
		return Event{}, err
	}
	return ev, b.Dispatch(ctx, ev)
}

// Dispatch sends an already built event to the store and notifiers.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	if b == nil {
		return errNoBus
	}
	var errs []error
	if b.Store != nil {
		if err := b.Store.InsertEvent(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: persist %s: %w", ev.Topic, err))
		}
	}
	for i, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("events: notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

var emptyObject = json.RawMessage(`{}`)

func rawPayload(payload any) (json.RawMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case nil:
		return emptyObject, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return json.Marshal(v)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return emptyObject, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("payload is not valid json")
	}
	return bytes.Clone(data), nil
}
