package consent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TimelineWriter appends an immutable business event for a consent within
// the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, consentID, eventType string, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a message for downstream delivery within the
// caller's transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGTimeline writes consent_events rows.
type PGTimeline struct{}

func NewTimeline() *PGTimeline {
	return &PGTimeline{}
}

func (w *PGTimeline) Append(ctx context.Context, tx pgx.Tx, consentID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("consent: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO consent_events (consent_id, type, actor_id, payload)
VALUES ($1, $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, consentID, eventType, actor, body); err != nil {
		return fmt.Errorf("consent: insert timeline event: %w", err)
	}
	return nil
}

// PGOutbox writes outbox rows.
type PGOutbox struct{}

func NewOutbox() *PGOutbox {
	return &PGOutbox{}
}

func (w *PGOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("consent: marshal outbox payload: %w", err)
	}

	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("consent: enqueue outbox: %w", err)
	}
	return nil
}
