package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"editorial/internal/domain"
	"editorial/internal/events"
	"editorial/internal/phase"
	"editorial/internal/repo"
)

const (
	causeTimeout     = "timeout"
	causeCanceled    = "canceled"
	causeInterrupted = "interrupted"
)

type StartSessionInput struct {
	Topic    string
	Phases   []string
	ActorRef string
}

type SessionView struct {
	Session domain.Session `json:"session"`
	Tasks   []domain.Task  `json:"tasks"`
}

// StartSession persists a session with one pending task per phase and
// starts running it. The returned view reflects whatever state the pipeline
// reached by then; callers poll GetSession for the rest.
func (e Engine) StartSession(ctx context.Context, in StartSessionInput) (SessionView, error) {
	topic := strings.TrimSpace(in.Topic)
	if topic == "" {
		return SessionView{}, invalidf("topic is required")
	}
	phases, err := e.normalizePhases(in.Phases)
	if err != nil {
		return SessionView{}, err
	}
	ts := domain.FormatTime(e.now())
	s := domain.Session{
		ID:        uuid.NewString(),
		Topic:     topic,
		Phases:    phases,
		Status:    domain.StatusPending,
		ActorRef:  strings.TrimSpace(in.ActorRef),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	err = e.inTx(ctx, "create session", func(tx *sql.Tx) error {
		if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		for i, name := range phases {
			payload, err := json.Marshal(map[string]any{
				"topic":     topic,
				"phase":     name,
				"position":  i,
				"actor_ref": s.ActorRef,
			})
			if err != nil {
				return err
			}
			t := domain.Task{
				ID:        uuid.NewString(),
				SessionID: s.ID,
				Phase:     name,
				Position:  i,
				Status:    domain.StatusPending,
				Payload:   payload,
				UpdatedAt: ts,
			}
			if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
				return fmt.Errorf("insert task %s: %w", name, err)
			}
		}
		return e.appendEvent(ctx, tx, "session.created", "session", s.ID, s.ActorRef, events.EventPayload{
			"topic":  topic,
			"phases": phases,
		})
	})
	if err != nil {
		return SessionView{}, err
	}
	e.logger().Info("session created", "session_id", s.ID, "phases", len(phases))

	e.runs.acquire(s.ID)
	e.launch(ctx, s.ID, 0)
	// The pipeline may have consumed the caller's deadline.
	return e.GetSession(context.WithoutCancel(ctx), s.ID)
}

func (e Engine) normalizePhases(raw []string) ([]string, error) {
	if len(raw) == 0 {
		return nil, invalidf("at least one phase is required")
	}
	supporter, _ := e.Executor.(phase.Supporter)
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		name := phase.Normalize(p)
		if name == "" {
			return nil, invalidf("phase names must not be empty")
		}
		if seen[name] {
			return nil, invalidf("duplicate phase %q", name)
		}
		if supporter != nil && !supporter.Supports(name) {
			return nil, invalidf("unsupported phase %q", name)
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

// launch drives the session from position from. The caller must hold the
// session's run slot; launch releases it when the pipeline ends.
func (e Engine) launch(ctx context.Context, sessionID string, from int) {
	if !e.Options.Async {
		defer e.runs.release(sessionID)
		if err := e.runPipeline(ctx, sessionID, from); err != nil {
			e.logger().Warn("pipeline stopped", "session_id", sessionID, "err", err)
		}
		return
	}
	e.runs.wg.Add(1)
	bg := context.WithoutCancel(ctx)
	go func() {
		defer e.runs.wg.Done()
		defer e.runs.release(sessionID)
		if err := e.runPipeline(bg, sessionID, from); err != nil {
			e.logger().Warn("pipeline stopped", "session_id", sessionID, "err", err)
		}
	}()
}

func (e Engine) runPipeline(ctx context.Context, sessionID string, from int) error {
	log := e.logger().With("session_id", sessionID)
	view, err := e.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if from < 0 || from > len(view.Tasks) {
		return invalidf("start position %d out of range", from)
	}
	if err := e.beginSession(ctx, view.Session); err != nil {
		return err
	}

	var prior []phase.Output
	for _, t := range view.Tasks[:from] {
		if t.Status == domain.StatusDone {
			prior = append(prior, phase.Output{Phase: t.Phase, Result: t.Result})
		}
	}
	for _, t := range view.Tasks[from:] {
		log.Debug("phase starting", "phase", t.Phase, "position", t.Position)
		res, err := e.runTask(ctx, view.Session, t, prior)
		if err != nil {
			log.Warn("phase failed", "phase", t.Phase, "err", err)
			return err
		}
		prior = append(prior, phase.Output{Phase: t.Phase, Result: res})
	}

	store := context.WithoutCancel(ctx)
	err = e.inTx(store, "finish session", func(tx *sql.Tx) error {
		ts := domain.FormatTime(e.now())
		if err := e.Repo.UpdateSession(store, tx, sessionID, repo.Set{
			"status":        domain.StatusDone,
			"progress":      100,
			"error_message": nil,
			"finished_at":   ts,
			"updated_at":    ts,
		}); err != nil {
			return err
		}
		return e.appendEvent(store, tx, "session.done", "session", sessionID, view.Session.ActorRef, nil)
	})
	if err != nil {
		return err
	}
	e.publish(store, sessionID)
	log.Info("session done")
	return nil
}

func (e Engine) beginSession(ctx context.Context, s domain.Session) error {
	err := e.inTx(ctx, "start session", func(tx *sql.Tx) error {
		ts := domain.FormatTime(e.now())
		set := repo.Set{
			"status":        domain.StatusRunning,
			"error_message": nil,
			"finished_at":   nil,
			"updated_at":    ts,
		}
		if s.StartedAt == nil {
			set["started_at"] = ts
		}
		if err := e.Repo.UpdateSession(ctx, tx, s.ID, set); err != nil {
			return err
		}
		if s.Status == domain.StatusPending {
			return e.appendEvent(ctx, tx, "session.started", "session", s.ID, s.ActorRef, nil)
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(ctx, s.ID)
	return nil
}

type execOutcome struct {
	result json.RawMessage
	err    error
}

// runTask executes one phase as a new attempt and records the outcome. A
// failure marks both the task and its session as errored.
func (e Engine) runTask(ctx context.Context, s domain.Session, t domain.Task, prior []phase.Output) (json.RawMessage, error) {
	attempt, err := e.beginTask(ctx, s, t)
	if err != nil {
		return nil, err
	}

	gate := newProgressGate(e.Options.ProgressStep)
	store := context.WithoutCancel(ctx)
	report := func(pct int) {
		gate.report(pct, func(p int) {
			if err := e.persistProgress(store, s.ID, t.ID, attempt.ID, p); err != nil {
				e.logger().Warn("persist progress", "session_id", s.ID, "phase", t.Phase, "err", err)
			}
		})
	}

	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if e.Options.PhaseTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, e.Options.PhaseTimeout)
	} else {
		pctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("phase panicked: %v", r)}
			}
		}()
		res, err := e.Executor.Execute(pctx, phase.Input{
			SessionID: s.ID,
			Topic:     s.Topic,
			Phase:     t.Phase,
			Payload:   t.Payload,
			Prior:     prior,
		}, report)
		done <- execOutcome{result: res, err: err}
	}()

	var out execOutcome
	select {
	case out = <-done:
	case <-pctx.Done():
		out = execOutcome{err: pctx.Err()}
	}
	gate.close()

	cause := ""
	switch {
	case out.err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded):
		cause = causeTimeout
	case out.err != nil && ctx.Err() != nil:
		cause = causeCanceled
	case out.err != nil:
		cause = out.err.Error()
	case len(out.result) > 0 && !json.Valid(out.result):
		cause = "phase returned invalid JSON"
	}
	if cause != "" {
		if err := e.failTask(store, s, t, attempt, cause); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrPhaseExecutionFailed, t.Phase, cause)
	}
	result := out.result
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	if err := e.completeTask(store, s, t, attempt, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (e Engine) beginTask(ctx context.Context, s domain.Session, t domain.Task) (domain.TaskAttempt, error) {
	ts := domain.FormatTime(e.now())
	attempt := domain.TaskAttempt{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Attempt:   t.Attempt + 1,
		Status:    domain.StatusRunning,
		StartedAt: ts,
	}
	err := e.inTx(ctx, "start task", func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTask(ctx, tx, t.ID, repo.Set{
			"status":        domain.StatusRunning,
			"progress":      0,
			"attempt":       attempt.Attempt,
			"error_message": nil,
			"result_json":   nil,
			"started_at":    ts,
			"finished_at":   nil,
			"updated_at":    ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.InsertAttempt(ctx, tx, attempt); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "task.started", "task", t.ID, s.ActorRef, events.EventPayload{
			"session_id": s.ID,
			"phase":      t.Phase,
			"attempt":    attempt.Attempt,
		})
	})
	if err != nil {
		return attempt, err
	}
	e.publish(ctx, s.ID)
	return attempt, nil
}

func (e Engine) persistProgress(ctx context.Context, sessionID, taskID, attemptID string, pct int) error {
	err := e.inTx(ctx, "persist progress", func(tx *sql.Tx) error {
		ts := domain.FormatTime(e.now())
		if err := e.Repo.UpdateTask(ctx, tx, taskID, repo.Set{"progress": pct, "updated_at": ts}); err != nil {
			return err
		}
		if err := e.Repo.UpdateAttempt(ctx, tx, attemptID, repo.Set{"progress": pct}); err != nil {
			return err
		}
		return e.syncSessionProgress(ctx, tx, sessionID, ts)
	})
	if err != nil {
		return err
	}
	e.publish(ctx, sessionID)
	return nil
}

func (e Engine) syncSessionProgress(ctx context.Context, tx *sql.Tx, sessionID, ts string) error {
	mean, err := e.Repo.MeanProgress(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	return e.Repo.UpdateSession(ctx, tx, sessionID, repo.Set{"progress": mean, "updated_at": ts})
}

func (e Engine) completeTask(ctx context.Context, s domain.Session, t domain.Task, a domain.TaskAttempt, result json.RawMessage) error {
	err := e.inTx(ctx, "complete task", func(tx *sql.Tx) error {
		ts := domain.FormatTime(e.now())
		if err := e.Repo.UpdateTask(ctx, tx, t.ID, repo.Set{
			"status":      domain.StatusDone,
			"progress":    100,
			"result_json": string(result),
			"finished_at": ts,
			"updated_at":  ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.UpdateAttempt(ctx, tx, a.ID, repo.Set{
			"status":      domain.StatusDone,
			"progress":    100,
			"finished_at": ts,
		}); err != nil {
			return err
		}
		if err := e.syncSessionProgress(ctx, tx, s.ID, ts); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "task.done", "task", t.ID, s.ActorRef, events.EventPayload{
			"session_id": s.ID,
			"phase":      t.Phase,
			"attempt":    a.Attempt,
		})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, s.ID)
	return nil
}

func (e Engine) failTask(ctx context.Context, s domain.Session, t domain.Task, a domain.TaskAttempt, cause string) error {
	err := e.inTx(ctx, "fail task", func(tx *sql.Tx) error {
		ts := domain.FormatTime(e.now())
		if err := e.Repo.UpdateTask(ctx, tx, t.ID, repo.Set{
			"status":        domain.StatusError,
			"error_message": cause,
			"finished_at":   ts,
			"updated_at":    ts,
		}); err != nil {
			return err
		}
		if err := e.Repo.UpdateAttempt(ctx, tx, a.ID, repo.Set{
			"status":        domain.StatusError,
			"error_message": cause,
			"finished_at":   ts,
		}); err != nil {
			return err
		}
		mean, err := e.Repo.MeanProgress(ctx, tx, s.ID)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateSession(ctx, tx, s.ID, repo.Set{
			"status":        domain.StatusError,
			"progress":      mean,
			"error_message": cause,
			"finished_at":   ts,
			"updated_at":    ts,
		}); err != nil {
			return err
		}
		payload := events.EventPayload{"session_id": s.ID, "phase": t.Phase, "attempt": a.Attempt, "error": cause}
		if err := e.appendEvent(ctx, tx, "task.failed", "task", t.ID, s.ActorRef, payload); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "session.failed", "session", s.ID, s.ActorRef, events.EventPayload{"phase": t.Phase, "error": cause})
	})
	if err != nil {
		return err
	}
	e.publish(ctx, s.ID)
	return nil
}

// RetryPhase resets the task for phase, and every task after it, to pending
// and resumes the pipeline from there. Earlier attempts stay in the history.
func (e Engine) RetryPhase(ctx context.Context, sessionID, phaseName, actorRef string) (domain.Task, error) {
	sessionID = strings.TrimSpace(sessionID)
	phaseName = phase.Normalize(phaseName)
	if sessionID == "" || phaseName == "" {
		return domain.Task{}, invalidf("session id and phase are required")
	}
	if !e.runs.acquire(sessionID) {
		return domain.Task{}, conflictf("session %s is running", sessionID)
	}
	launched := false
	defer func() {
		if !launched {
			e.runs.release(sessionID)
		}
	}()

	var target domain.Task
	err := e.inTx(ctx, "retry phase", func(tx *sql.Tx) error {
		s, err := e.Repo.GetSession(ctx, tx, sessionID)
		if errors.Is(err, repo.ErrNotFound) {
			return notFoundf("session %s", sessionID)
		}
		if err != nil {
			return err
		}
		t, err := e.Repo.GetTaskByPhase(ctx, tx, sessionID, phaseName)
		if errors.Is(err, repo.ErrNotFound) {
			return notFoundf("phase %q in session %s", phaseName, sessionID)
		}
		if err != nil {
			return err
		}
		if !s.Status.IsTerminal() {
			// The slot was free, so no runner in this process owns the session.
			if err := e.markInterrupted(ctx, tx, sessionID); err != nil {
				return err
			}
			if t, err = e.Repo.GetTask(ctx, tx, t.ID); err != nil {
				return err
			}
			e.logger().Warn("failed orphaned session before retry", "session_id", sessionID)
		}
		if !t.Status.IsTerminal() {
			return invalidf("phase %q is %s; only done or error phases can be retried", phaseName, t.Status)
		}
		ts := domain.FormatTime(e.now())
		if _, err := e.Repo.ResetTasksFrom(ctx, tx, sessionID, t.Position, ts); err != nil {
			return err
		}
		mean, err := e.Repo.MeanProgress(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := e.Repo.UpdateSession(ctx, tx, sessionID, repo.Set{
			"status":        domain.StatusRunning,
			"progress":      mean,
			"error_message": nil,
			"finished_at":   nil,
			"updated_at":    ts,
		}); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, "task.retried", "task", t.ID, actorRef, events.EventPayload{
			"session_id":      sessionID,
			"phase":           phaseName,
			"previous_status": t.Status,
			"attempts":        t.Attempt,
		}); err != nil {
			return err
		}
		target, err = e.Repo.GetTask(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.logger().Info("phase retried", "session_id", sessionID, "phase", phaseName)
	e.publish(ctx, sessionID)

	launched = true
	e.launch(ctx, sessionID, target.Position)
	if !e.Options.Async {
		done, err := e.Repo.GetTask(context.WithoutCancel(ctx), nil, target.ID)
		if err != nil {
			return target, storeErr("get task", err)
		}
		target = done
	}
	return target, nil
}

func (e Engine) GetSession(ctx context.Context, id string) (SessionView, error) {
	s, err := e.Repo.GetSession(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return SessionView{}, notFoundf("session %s", id)
	}
	if err != nil {
		return SessionView{}, storeErr("get session", err)
	}
	tasks, err := e.Repo.ListTasks(ctx, nil, id)
	if err != nil {
		return SessionView{}, storeErr("list tasks", err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	return SessionView{Session: s, Tasks: tasks}, nil
}

// ListSessions returns the newest sessions. limit is clamped to [1,100];
// zero or less selects the default of 20.
func (e Engine) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	switch {
	case limit <= 0:
		limit = defaultSessionLimit
	case limit > maxSessionLimit:
		limit = maxSessionLimit
	}
	res, err := e.Repo.ListSessions(ctx, limit)
	if err != nil {
		return nil, storeErr("list sessions", err)
	}
	if res == nil {
		res = []domain.Session{}
	}
	return res, nil
}

// ListAttempts returns the execution history of one phase.
func (e Engine) ListAttempts(ctx context.Context, sessionID, phaseName string) ([]domain.TaskAttempt, error) {
	t, err := e.Repo.GetTaskByPhase(ctx, nil, sessionID, phase.Normalize(phaseName))
	if errors.Is(err, repo.ErrNotFound) {
		return nil, notFoundf("phase %q in session %s", phaseName, sessionID)
	}
	if err != nil {
		return nil, storeErr("get task", err)
	}
	res, err := e.Repo.ListAttempts(ctx, t.ID)
	if err != nil {
		return nil, storeErr("list attempts", err)
	}
	if res == nil {
		res = []domain.TaskAttempt{}
	}
	return res, nil
}

// RecoverInterrupted fails sessions that a previous process left pending or
// running, so that operators can retry them. Sessions driven by this process
// are skipped. It returns the ids of the recovered sessions.
func (e Engine) RecoverInterrupted(ctx context.Context) ([]string, error) {
	var stale []domain.Session
	for _, st := range []domain.Status{domain.StatusRunning, domain.StatusPending} {
		list, err := e.Repo.ListSessionsByStatus(ctx, st)
		if err != nil {
			return nil, storeErr("list sessions", err)
		}
		stale = append(stale, list...)
	}
	var recovered []string
	for _, s := range stale {
		if e.Active(s.ID) {
			continue
		}
		if err := e.failInterrupted(ctx, s); err != nil {
			return recovered, err
		}
		recovered = append(recovered, s.ID)
		e.logger().Warn("session interrupted", "session_id", s.ID)
		e.publish(ctx, s.ID)
	}
	return recovered, nil
}

func (e Engine) failInterrupted(ctx context.Context, s domain.Session) error {
	return e.inTx(ctx, "recover session", func(tx *sql.Tx) error {
		return e.markInterrupted(ctx, tx, s.ID)
	})
}

// markInterrupted fails the running tasks of a session nothing is driving,
// or its first pending task when none is running, together with their open
// attempts and the session itself.
func (e Engine) markInterrupted(ctx context.Context, tx *sql.Tx, sessionID string) error {
	tasks, err := e.Repo.ListTasks(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	ts := domain.FormatTime(e.now())
	failed := false
	for _, t := range tasks {
		if t.Status == domain.StatusRunning || (!failed && t.Status == domain.StatusPending && !anyRunning(tasks)) {
			if err := e.Repo.UpdateTask(ctx, tx, t.ID, repo.Set{
				"status":        domain.StatusError,
				"error_message": causeInterrupted,
				"finished_at":   ts,
				"updated_at":    ts,
			}); err != nil {
				return err
			}
			if err := e.Repo.FailRunningAttempts(ctx, tx, t.ID, causeInterrupted, ts); err != nil {
				return err
			}
			failed = true
		}
	}
	mean, err := e.Repo.MeanProgress(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if err := e.Repo.UpdateSession(ctx, tx, sessionID, repo.Set{
		"status":        domain.StatusError,
		"progress":      mean,
		"error_message": causeInterrupted,
		"finished_at":   ts,
		"updated_at":    ts,
	}); err != nil {
		return err
	}
	return e.appendEvent(ctx, tx, "session.failed", "session", sessionID, "system", events.EventPayload{"error": causeInterrupted})
}

func anyRunning(tasks []domain.Task) bool {
	for _, t := range tasks {
		if t.Status == domain.StatusRunning {
			return true
		}
	}
	return false
}

func (e Engine) publish(ctx context.Context, sessionID string) {
	if e.Bus == nil {
		return
	}
	view, err := e.GetSession(ctx, sessionID)
	if err != nil {
		e.logger().Debug("publish session", "session_id", sessionID, "err", err)
		return
	}
	e.Bus.Publish(sessionID, "session.updated", view)
}
