package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type EventPayload map[string]any

// Writer records lifecycle events in the append-only log.
type Writer interface {
	Append(ctx context.Context, evtType, entityID, actorID string, payload EventPayload) error
}

// SQLWriter appends events to the events table.
type SQLWriter struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w SQLWriter) Append(ctx context.Context, evtType, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, nullable(entityID), actorID, string(data))
	return err
}

// Nop discards every event. Used where no log is wired.
type Nop struct{}

func (Nop) Append(context.Context, string, string, string, EventPayload) error { return nil }

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
