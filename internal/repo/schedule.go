package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/domain"
)

var scheduleColumns = []string{"id", "post_id", "action", "run_at", "executed_at", "result", "result_note", "claimed_by", "created_at"}

func scanScheduleEvent(row rowScanner) (domain.ScheduleEvent, error) {
	var e domain.ScheduleEvent
	var executed, result, note, claimed sql.NullString
	err := row.Scan(&e.ID, &e.PostID, &e.Action, &e.RunAt, &executed, &result, &note, &claimed, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ExecutedAt = strPtr(executed)
	e.Result = strPtr(result)
	e.ResultNote = strPtr(note)
	e.ClaimedBy = strPtr(claimed)
	return e, nil
}

func (r Repo) InsertScheduleEvent(ctx context.Context, tx *sql.Tx, e domain.ScheduleEvent) error {
	_, err := r.exec(ctx, tx, r.sb().Insert("schedule_events").Columns(scheduleColumns...).Values(
		e.ID, e.PostID, e.Action, e.RunAt, nullablePtr(e.ExecutedAt), nullablePtr(e.Result),
		nullablePtr(e.ResultNote), nullablePtr(e.ClaimedBy), e.CreatedAt,
	))
	return err
}

func (r Repo) GetScheduleEvent(ctx context.Context, tx *sql.Tx, id string) (domain.ScheduleEvent, error) {
	row, err := r.queryRow(ctx, tx, r.sb().Select(scheduleColumns...).From("schedule_events").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.ScheduleEvent{}, err
	}
	return scanScheduleEvent(row)
}

// DeletePendingForPost removes the unexecuted events of a post.
func (r Repo) DeletePendingForPost(ctx context.Context, tx *sql.Tx, postID string) (int64, error) {
	res, err := r.exec(ctx, tx, r.sb().Delete("schedule_events").
		Where(sq.Eq{"post_id": postID, "executed_at": nil}))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListPendingEvents returns unexecuted events by run_at, optionally for one post.
func (r Repo) ListPendingEvents(ctx context.Context, postID string) ([]domain.ScheduleEvent, error) {
	where := sq.Eq{"executed_at": nil}
	if postID != "" {
		where["post_id"] = postID
	}
	return r.listScheduleEvents(ctx, r.sb().Select(scheduleColumns...).From("schedule_events").
		Where(where).OrderBy("run_at ASC", "created_at ASC", "id ASC"))
}

// ListDueEvents returns at most limit unexecuted events with run_at <= now.
func (r Repo) ListDueEvents(ctx context.Context, now string, limit int) ([]domain.ScheduleEvent, error) {
	return r.listScheduleEvents(ctx, r.sb().Select(scheduleColumns...).From("schedule_events").
		Where(sq.And{sq.Eq{"executed_at": nil}, sq.LtOrEq{"run_at": now}}).
		OrderBy("run_at ASC", "created_at ASC", "id ASC").Limit(uint64(limit)))
}

func (r Repo) listScheduleEvents(ctx context.Context, b sq.SelectBuilder) ([]domain.ScheduleEvent, error) {
	rows, err := r.query(ctx, nil, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ScheduleEvent
	for rows.Next() {
		e, err := scanScheduleEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ClaimScheduleEvent marks the event executed if nobody did so before. It
// reports false when another worker already holds the claim.
func (r Repo) ClaimScheduleEvent(ctx context.Context, tx *sql.Tx, id, now, worker string) (bool, error) {
	res, err := r.exec(ctx, tx, r.sb().Update("schedule_events").
		SetMap(Set{"executed_at": now, "claimed_by": worker}).
		Where(sq.Eq{"id": id, "executed_at": nil}))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) SetScheduleResult(ctx context.Context, tx *sql.Tx, id string, result domain.Outcome, note string) error {
	return r.execAffected(ctx, tx, r.sb().Update("schedule_events").
		SetMap(Set{"result": string(result), "result_note": nullable(note)}).
		Where(sq.Eq{"id": id}))
}
