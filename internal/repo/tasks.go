package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/domain"
)

var taskColumns = []string{
	"id", "session_id", "phase", "position", "status", "progress", "attempt",
	"payload_json", "result_json", "error_message", "started_at", "finished_at", "updated_at",
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var payload string
	var result, errMsg, started, finished sql.NullString
	err := row.Scan(&t.ID, &t.SessionID, &t.Phase, &t.Position, &t.Status, &t.Progress, &t.Attempt,
		&payload, &result, &errMsg, &started, &finished, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Payload = json.RawMessage(payload)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.ErrorMessage = strPtr(errMsg)
	t.StartedAt = strPtr(started)
	t.FinishedAt = strPtr(finished)
	return t, nil
}

func rawOrNil(m json.RawMessage) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	payload := string(t.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := r.exec(ctx, tx, r.sb().Insert("tasks").Columns(taskColumns...).Values(
		t.ID, t.SessionID, t.Phase, t.Position, t.Status, t.Progress, t.Attempt,
		payload, rawOrNil(t.Result), nullablePtr(t.ErrorMessage), nullablePtr(t.StartedAt), nullablePtr(t.FinishedAt), t.UpdatedAt,
	))
	return err
}

// ListTasks returns the tasks of a session in pipeline order.
func (r Repo) ListTasks(ctx context.Context, tx *sql.Tx, sessionID string) ([]domain.Task, error) {
	rows, err := r.query(ctx, tx, r.sb().Select(taskColumns...).From("tasks").
		Where(sq.Eq{"session_id": sessionID}).OrderBy("position ASC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row, err := r.queryRow(ctx, tx, r.sb().Select(taskColumns...).From("tasks").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Task{}, err
	}
	return scanTask(row)
}

func (r Repo) GetTaskByPhase(ctx context.Context, tx *sql.Tx, sessionID, phase string) (domain.Task, error) {
	row, err := r.queryRow(ctx, tx, r.sb().Select(taskColumns...).From("tasks").
		Where(sq.Eq{"session_id": sessionID, "phase": phase}))
	if err != nil {
		return domain.Task{}, err
	}
	return scanTask(row)
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, id string, set Set) error {
	return r.execAffected(ctx, tx, r.sb().Update("tasks").SetMap(set).Where(sq.Eq{"id": id}))
}

// ResetTasksFrom returns every task at or after position to pending and
// clears its output. Attempt counters are kept.
func (r Repo) ResetTasksFrom(ctx context.Context, tx *sql.Tx, sessionID string, position int, now string) (int64, error) {
	res, err := r.exec(ctx, tx, r.sb().Update("tasks").SetMap(Set{
		"status":        domain.StatusPending,
		"progress":      0,
		"result_json":   nil,
		"error_message": nil,
		"started_at":    nil,
		"finished_at":   nil,
		"updated_at":    now,
	}).Where(sq.And{sq.Eq{"session_id": sessionID}, sq.GtOrEq{"position": position}}))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MeanProgress returns floor(mean(progress)) over the session's tasks.
func (r Repo) MeanProgress(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	row, err := r.queryRow(ctx, tx, r.sb().Select("COALESCE(SUM(progress),0)", "COUNT(*)").From("tasks").
		Where(sq.Eq{"session_id": sessionID}))
	if err != nil {
		return 0, err
	}
	var sum, n int
	if err := row.Scan(&sum, &n); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return sum / n, nil
}

var attemptColumns = []string{"id", "task_id", "attempt", "status", "progress", "error_message", "started_at", "finished_at"}

func (r Repo) InsertAttempt(ctx context.Context, tx *sql.Tx, a domain.TaskAttempt) error {
	_, err := r.exec(ctx, tx, r.sb().Insert("task_attempts").Columns(attemptColumns...).Values(
		a.ID, a.TaskID, a.Attempt, a.Status, a.Progress, nullablePtr(a.ErrorMessage), a.StartedAt, nullablePtr(a.FinishedAt),
	))
	return err
}

func (r Repo) UpdateAttempt(ctx context.Context, tx *sql.Tx, id string, set Set) error {
	return r.execAffected(ctx, tx, r.sb().Update("task_attempts").SetMap(set).Where(sq.Eq{"id": id}))
}

// ListAttempts returns the attempt history of a task, oldest first.
func (r Repo) ListAttempts(ctx context.Context, taskID string) ([]domain.TaskAttempt, error) {
	rows, err := r.query(ctx, nil, r.sb().Select(attemptColumns...).From("task_attempts").
		Where(sq.Eq{"task_id": taskID}).OrderBy("attempt ASC"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskAttempt
	for rows.Next() {
		var a domain.TaskAttempt
		var errMsg, finished sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &a.Attempt, &a.Status, &a.Progress, &errMsg, &a.StartedAt, &finished); err != nil {
			return nil, err
		}
		a.ErrorMessage = strPtr(errMsg)
		a.FinishedAt = strPtr(finished)
		res = append(res, a)
	}
	return res, rows.Err()
}

// FailRunningAttempts closes any attempt of the task still marked running.
func (r Repo) FailRunningAttempts(ctx context.Context, tx *sql.Tx, taskID, msg, now string) error {
	_, err := r.exec(ctx, tx, r.sb().Update("task_attempts").SetMap(Set{
		"status":        domain.StatusError,
		"error_message": msg,
		"finished_at":   now,
	}).Where(sq.Eq{"task_id": taskID, "status": domain.StatusRunning}))
	return err
}
