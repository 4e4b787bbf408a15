package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool used by PGStore.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const chargeEventsDDL = `CREATE TABLE IF NOT EXISTS charge_events (
	id          UUID PRIMARY KEY,
	topic       TEXT NOT NULL,
	charge_id   TEXT NOT NULL,
	payload     JSONB NOT NULL,
	occurred_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS charge_events_charge_id_idx ON charge_events (charge_id, occurred_at)`

const insertChargeEvent = `INSERT INTO charge_events (id, topic, charge_id, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO NOTHING`

// PGStore appends events to the charge_events table. It gives an audit trail
// that outlives the in-memory charge store.
type PGStore struct {
	DB Execer
}

// EnsureSchema creates the table and index when missing.
func (s PGStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, chargeEventsDDL); err != nil {
		return fmt.Errorf("events: ensure schema: %w", err)
	}
	return nil
}

// InsertEvent implements EventStore.
func (s PGStore) InsertEvent(ctx context.Context, ev Event) error {
	tag, err := s.DB.Exec(ctx, insertChargeEvent, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.OccurredAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 1 {
		return fmt.Errorf("events: unexpected rows affected %d", tag.RowsAffected())
	}
	return nil
}
