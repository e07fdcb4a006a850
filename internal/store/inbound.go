package store

import (
	"context"
	"fmt"
)

// RecordInboundEvent inserts into the idempotency ledger. It returns true when
// this is the first time (source, externalEventID) has been seen; a duplicate
// delivery hits the existing row and returns false so the caller can
// short-circuit without side effects. A row whose previous processing ended in
// result 'failed' counts as not yet seen, so the provider's retry of that
// event id is processed instead of short-circuited.
func (s *Store) RecordInboundEvent(ctx context.Context, source, externalEventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO inbound_events (source, external_event_id, first_seen_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (source, external_event_id) DO UPDATE
		SET first_seen_at = NOW(), result = NULL
		WHERE inbound_events.result = 'failed'
	`, source, externalEventID)
	if err != nil {
		return false, fmt.Errorf("record inbound event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetInboundResult stores the processing outcome for an inbound event.
func (s *Store) SetInboundResult(ctx context.Context, source, externalEventID, result string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE inbound_events SET result = $3 WHERE source = $1 AND external_event_id = $2
	`, source, externalEventID, result)
	if err != nil {
		return fmt.Errorf("set inbound result: %w", err)
	}
	return nil
}
