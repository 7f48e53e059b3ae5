package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"editorial/internal/cache"
	"editorial/internal/domain"
	"editorial/internal/events"
	"editorial/internal/repo"
)

const claimRetries = 5

type ScheduleInput struct {
	PostID string
	// RunAt accepts RFC3339 or a zone-less local form read as UTC.
	RunAt     string
	Action    string
	Overwrite bool
	ActorRef  string
}

type EventResult struct {
	EventID     string         `json:"event_id"`
	PostID      string         `json:"post_id"`
	Action      string         `json:"action"`
	Result      domain.Outcome `json:"result"`
	Note        string         `json:"note,omitempty"`
	Invalidated []string       `json:"invalidated,omitempty"`
	CacheError  string         `json:"cache_error,omitempty"`

	slug string
}

type ProcessReport struct {
	Processed int           `json:"processed"`
	Results   []EventResult `json:"results"`
}

// ScheduleEvent records a deferred action for a post. With Overwrite, other
// pending events of the post are removed in the same transaction.
func (e Engine) ScheduleEvent(ctx context.Context, in ScheduleInput) (domain.ScheduleEvent, error) {
	postID := strings.TrimSpace(in.PostID)
	if postID == "" {
		return domain.ScheduleEvent{}, invalidf("post_id is required")
	}
	if strings.TrimSpace(in.RunAt) == "" {
		return domain.ScheduleEvent{}, invalidf("run_at is required")
	}
	runAt, err := domain.ParseTime(in.RunAt)
	if err != nil {
		return domain.ScheduleEvent{}, invalidf("run_at %q: %v", in.RunAt, err)
	}
	action := strings.ToLower(strings.TrimSpace(in.Action))
	if action == "" {
		action = domain.DefaultAction
	}
	ts := domain.FormatTime(e.now())
	ev := domain.ScheduleEvent{
		ID:        uuid.NewString(),
		PostID:    postID,
		Action:    action,
		RunAt:     domain.FormatTime(runAt),
		CreatedAt: ts,
	}
	err = e.inTx(ctx, "schedule event", func(tx *sql.Tx) error {
		if _, err := e.Repo.GetPost(ctx, tx, postID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFoundf("post %s", postID)
			}
			return err
		}
		var replaced int64
		if in.Overwrite {
			n, err := e.Repo.DeletePendingForPost(ctx, tx, postID)
			if err != nil {
				return err
			}
			replaced = n
		}
		if err := e.Repo.InsertScheduleEvent(ctx, tx, ev); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "schedule.created", "schedule_event", ev.ID, in.ActorRef, events.EventPayload{
			"post_id":  postID,
			"action":   action,
			"run_at":   ev.RunAt,
			"replaced": replaced,
		})
	})
	if err != nil {
		return domain.ScheduleEvent{}, err
	}
	e.logger().Info("event scheduled", "event_id", ev.ID, "post_id", postID, "action", action, "run_at", ev.RunAt)
	return ev, nil
}

// ListPendingEvents returns unexecuted events by due time, optionally for one post.
func (e Engine) ListPendingEvents(ctx context.Context, postID string) ([]domain.ScheduleEvent, error) {
	res, err := e.Repo.ListPendingEvents(ctx, strings.TrimSpace(postID))
	if err != nil {
		return nil, storeErr("list pending events", err)
	}
	if res == nil {
		res = []domain.ScheduleEvent{}
	}
	return res, nil
}

func (e Engine) GetScheduleEvent(ctx context.Context, id string) (domain.ScheduleEvent, error) {
	ev, err := e.Repo.GetScheduleEvent(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return ev, notFoundf("schedule event %s", id)
	}
	return ev, storeErr("get schedule event", err)
}

// ProcessDueEvents executes up to limit due events. Each event is claimed
// by a conditional update before its action runs, in the same transaction,
// so concurrent callers in any process execute an event at most once.
//
// Overlapping calls within one process that ask for the same limit share a
// single run and its report. The shared run uses the context of the call
// that started it, so a joining caller also sees that caller's cancellation.
// Calls with different limits run independently and rely on the claim.
func (e Engine) ProcessDueEvents(ctx context.Context, limit int) (ProcessReport, error) {
	switch {
	case limit <= 0:
		limit = e.Options.BatchLimit
		if limit <= 0 {
			limit = defaultBatchLimit
		}
	case limit > maxBatchLimit:
		limit = maxBatchLimit
	}
	v, err, shared := e.runs.due.Do(fmt.Sprintf("process-due:%d", limit), func() (any, error) {
		return e.processDue(ctx, limit)
	})
	if shared {
		e.logger().Debug("joined in-flight due event run")
	}
	report, _ := v.(ProcessReport)
	return report, err
}

func (e Engine) processDue(ctx context.Context, limit int) (ProcessReport, error) {
	report := ProcessReport{Results: []EventResult{}}
	due, err := e.Repo.ListDueEvents(ctx, domain.FormatTime(e.now()), limit)
	if err != nil {
		return report, storeErr("list due events", err)
	}
	for _, ev := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, claimed, err := e.processEvent(ctx, ev)
		if err != nil {
			e.logger().Error("process event", "event_id", ev.ID, "err", err)
			return report, err
		}
		if !claimed {
			e.logger().Debug("event claimed elsewhere", "event_id", ev.ID)
			continue
		}
		if res.Result == domain.OutcomeExecuted {
			e.invalidate(ctx, &res)
		}
		e.logger().Info("event processed", "event_id", ev.ID, "post_id", ev.PostID, "result", res.Result, "note", res.Note)
		report.Results = append(report.Results, res)
		report.Processed++
	}
	return report, nil
}

func (e Engine) processEvent(ctx context.Context, ev domain.ScheduleEvent) (EventResult, bool, error) {
	var (
		res     EventResult
		claimed bool
	)
	err := repo.RetryOnBusy(ctx, claimRetries, func() error {
		var err error
		res, claimed, err = e.processEventTx(ctx, ev)
		return err
	})
	return res, claimed, storeErr("process event", err)
}

func (e Engine) processEventTx(ctx context.Context, ev domain.ScheduleEvent) (EventResult, bool, error) {
	res := EventResult{EventID: ev.ID, PostID: ev.PostID, Action: ev.Action}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, false, err
	}
	defer tx.Rollback()

	ts := domain.FormatTime(e.now())
	ok, err := e.Repo.ClaimScheduleEvent(ctx, tx, ev.ID, ts, e.Options.WorkerID)
	if err != nil {
		return res, false, fmt.Errorf("claim: %w", err)
	}
	if !ok {
		return res, false, nil
	}

	switch domain.ParseAction(ev.Action) {
	case domain.ActionPublish:
		post, err := e.Repo.GetPost(ctx, tx, ev.PostID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			res.Result, res.Note = domain.OutcomeError, domain.NotePostNotFound
		case err != nil:
			return res, false, err
		case post.Status == domain.PostPublished:
			res.Result = domain.OutcomeSkippedAlreadyPublished
		default:
			if err := e.Repo.MarkPublished(ctx, tx, post.ID, ts); err != nil {
				return res, false, fmt.Errorf("publish post: %w", err)
			}
			res.Result = domain.OutcomeExecuted
			res.slug = post.Slug
		}
	case domain.ActionUnsupported:
		res.Result = domain.OutcomeSkippedUnsupportedAction
	}

	if err := e.Repo.SetScheduleResult(ctx, tx, ev.ID, res.Result, res.Note); err != nil {
		return res, false, err
	}
	if err := e.appendEvent(ctx, tx, "schedule.executed", "schedule_event", ev.ID, e.Options.WorkerID, events.EventPayload{
		"post_id": ev.PostID,
		"action":  ev.Action,
		"result":  res.Result,
		"note":    res.Note,
	}); err != nil {
		return res, false, err
	}
	if err := tx.Commit(); err != nil {
		return res, false, err
	}
	return res, true, nil
}

// invalidate refreshes cached pages for a published post. Failures are
// logged and reported on the result; the publish stands.
func (e Engine) invalidate(ctx context.Context, res *EventResult) {
	if e.Cache == nil {
		return
	}
	paths := cache.Paths(e.Options.CacheIndexPath, e.Options.CachePostPrefix, res.slug)
	res.Invalidated = paths
	if err := e.Cache.Invalidate(ctx, paths); err != nil {
		err = fmt.Errorf("%w: %w", ErrCacheInvalidationFailed, err)
		res.CacheError = err.Error()
		e.logger().Warn("cache invalidation failed", "event_id", res.EventID, "paths", paths, "err", err)
	}
}
