package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/domain"
)

type EventFilter struct {
	EntityID   string
	EntityKind string
	Type       string
	// AfterID pages forward from a previous result.
	AfterID int64
	Limit   int
}

// ListEvents returns activity log rows in insertion order.
func (r Repo) ListEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	b := r.sb().Select("id", "ts", "type", "entity_kind", "entity_id", "actor_id", "payload_json").
		From("events").Where(sq.Gt{"id": f.AfterID}).OrderBy("id ASC")
	if f.EntityID != "" {
		b = b.Where(sq.Eq{"entity_id": f.EntityID})
	}
	if f.EntityKind != "" {
		b = b.Where(sq.Eq{"entity_kind": f.EntityKind})
	}
	if f.Type != "" {
		b = b.Where(sq.Eq{"type": f.Type})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	rows, err := r.query(ctx, nil, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}
