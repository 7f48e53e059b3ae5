package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/db"
	"editorial/internal/domain"
)

// Writer appends rows to the activity log inside the caller's transaction,
// so an audit entry exists exactly when the mutation it describes does.
type Writer struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	b := sq.Insert("events").Columns("ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").
		Values(domain.FormatTime(w.Now()), evtType, entityKind, nullable(entityID), actorID, string(data))
	if w.Dialect == db.Postgres {
		b = b.PlaceholderFormat(sq.Dollar)
	}
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("build event insert: %w", err)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
