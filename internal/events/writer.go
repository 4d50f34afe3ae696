package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload is the structured detail attached to a log entry.
type EventPayload map[string]any

// Writer appends to the event log. Append always runs inside the caller's
// transaction so the event commits or rolls back with the mutation it records.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, marketplaceID, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,marketplace_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, orNull(marketplaceID), entityKind, orNull(entityID), actorID, string(body))
	return err
}

func orNull(v string) any {
	if v == "" {
		return nil
	}
	return v
}
