package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/domain"
)

var sessionColumns = []string{
	"id", "topic", "phases_json", "status", "progress", "actor_ref", "error_message",
	"created_at", "updated_at", "started_at", "finished_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	var phases string
	var actor, errMsg, started, finished sql.NullString
	err := row.Scan(&s.ID, &s.Topic, &phases, &s.Status, &s.Progress, &actor, &errMsg,
		&s.CreatedAt, &s.UpdatedAt, &started, &finished)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(phases), &s.Phases); err != nil {
		return s, fmt.Errorf("decode phases of session %s: %w", s.ID, err)
	}
	s.ActorRef = actor.String
	s.ErrorMessage = strPtr(errMsg)
	s.StartedAt = strPtr(started)
	s.FinishedAt = strPtr(finished)
	return s, nil
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.Session) error {
	phases, err := json.Marshal(s.Phases)
	if err != nil {
		return fmt.Errorf("encode phases: %w", err)
	}
	_, err = r.exec(ctx, tx, r.sb().Insert("sessions").Columns(sessionColumns...).Values(
		s.ID, s.Topic, string(phases), s.Status, s.Progress, nullable(s.ActorRef), nullablePtr(s.ErrorMessage),
		s.CreatedAt, s.UpdatedAt, nullablePtr(s.StartedAt), nullablePtr(s.FinishedAt),
	))
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.Session, error) {
	row, err := r.queryRow(ctx, tx, r.sb().Select(sessionColumns...).From("sessions").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Session{}, err
	}
	return scanSession(row)
}

// ListSessions returns the newest sessions first.
func (r Repo) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return r.listSessions(ctx, r.sb().Select(sessionColumns...).From("sessions").
		OrderBy("created_at DESC", "id DESC").Limit(uint64(limit)))
}

func (r Repo) ListSessionsByStatus(ctx context.Context, status domain.Status) ([]domain.Session, error) {
	return r.listSessions(ctx, r.sb().Select(sessionColumns...).From("sessions").
		Where(sq.Eq{"status": status}).OrderBy("created_at ASC"))
}

func (r Repo) listSessions(ctx context.Context, b sq.SelectBuilder) ([]domain.Session, error) {
	rows, err := r.query(ctx, nil, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSession applies set to one session; updated_at must be part of set.
func (r Repo) UpdateSession(ctx context.Context, tx *sql.Tx, id string, set Set) error {
	return r.execAffected(ctx, tx, r.sb().Update("sessions").SetMap(set).Where(sq.Eq{"id": id}))
}
