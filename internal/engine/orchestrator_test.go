package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editorial/internal/domain"
	"editorial/internal/engine"
	"editorial/internal/events"
	"editorial/internal/phase"
	"editorial/internal/repo"
)

func TestStartSessionHappyPath(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{
		Topic:    "  Spitz Alemão ",
		Phases:   []string{"outline", "expand", "seo"},
		ActorRef: "editor@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "Spitz Alemão", view.Session.Topic)
	assert.Equal(t, domain.StatusDone, view.Session.Status)
	assert.Equal(t, 100, view.Session.Progress)
	assert.NotNil(t, view.Session.StartedAt)
	assert.NotNil(t, view.Session.FinishedAt)
	assert.Nil(t, view.Session.ErrorMessage)
	require.Len(t, view.Tasks, 3)
	for i, task := range view.Tasks {
		assert.Equal(t, i, task.Position)
		assert.Equal(t, domain.StatusDone, task.Status, task.Phase)
		assert.Equal(t, 100, task.Progress)
		assert.Equal(t, 1, task.Attempt)
		assert.NotEmpty(t, task.Result)
	}
	assert.Equal(t, []string{"outline", "expand", "seo"}, env.Exec.Calls())

	// Each phase sees the results of every earlier one.
	assert.JSONEq(t, `{"phase":"seo","prior":2}`, string(view.Tasks[2].Result))

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{EntityID: view.Session.ID})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{"session.created", "session.started", "session.done"}, types)
}

func TestStartSessionWithBuiltinBuilders(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	env.Engine.Executor = phase.NewBuiltin()

	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Sourdough", Phases: phase.DefaultPhases})
	require.NoError(t, err)
	require.Equal(t, domain.StatusDone, view.Session.Status)

	var seo phase.SEOResult
	require.NoError(t, json.Unmarshal(taskByPhase(t, view, phase.SEO).Result, &seo))
	assert.Equal(t, "sourdough", seo.Slug)
}

func TestStartSessionValidation(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	env.Engine.Executor = phase.NewBuiltin()

	cases := map[string]engine.StartSessionInput{
		"empty topic":       {Topic: "  ", Phases: []string{"outline"}},
		"no phases":         {Topic: "x"},
		"blank phase":       {Topic: "x", Phases: []string{"outline", " "}},
		"duplicate phase":   {Topic: "x", Phases: []string{"outline", "Outline"}},
		"unsupported phase": {Topic: "x", Phases: []string{"outline", "translate"}},
	}
	for name, in := range cases {
		_, err := env.Engine.StartSession(env.Ctx, in)
		assert.ErrorIs(t, err, engine.ErrInvalidInput, name)
	}
	list, err := env.Engine.ListSessions(env.Ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMidPipelineFailureHalts(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	env.Exec.On("expand", func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		progress(40)
		return nil, errors.New("generator unavailable")
	})

	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Tea", Phases: []string{"outline", "expand", "seo"}})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusError, view.Session.Status)
	require.NotNil(t, view.Session.ErrorMessage)
	assert.Equal(t, "generator unavailable", *view.Session.ErrorMessage)
	assert.NotNil(t, view.Session.FinishedAt)

	outline := taskByPhase(t, view, "outline")
	expand := taskByPhase(t, view, "expand")
	seo := taskByPhase(t, view, "seo")
	assert.Equal(t, domain.StatusDone, outline.Status)
	assert.Equal(t, domain.StatusError, expand.Status)
	require.NotNil(t, expand.ErrorMessage)
	assert.Equal(t, "generator unavailable", *expand.ErrorMessage)
	assert.Equal(t, 40, expand.Progress)
	assert.Equal(t, domain.StatusPending, seo.Status)
	assert.Nil(t, seo.StartedAt)
	assert.Equal(t, 0, seo.Attempt)
	assert.Equal(t, []string{"outline", "expand"}, env.Exec.Calls())

	// floor((100 + 40 + 0) / 3)
	assert.Equal(t, 46, view.Session.Progress)
}

func TestNoSkipAhead(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	phases := []string{"outline", "expand", "seo", "alt-text"}
	var violations []string
	for i, name := range phases {
		if i == 0 {
			continue
		}
		prev := phases[i-1]
		env.Exec.On(name, func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
			p, err := env.Engine.Repo.GetTaskByPhase(ctx, nil, in.SessionID, prev)
			if err != nil || p.Status != domain.StatusDone {
				violations = append(violations, name)
			}
			cur, err := env.Engine.Repo.GetTaskByPhase(ctx, nil, in.SessionID, name)
			if err != nil || cur.Status != domain.StatusRunning {
				violations = append(violations, name+" not running")
			}
			return json.RawMessage(`{}`), nil
		})
	}
	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Order", Phases: phases})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, view.Session.Status)
	assert.Empty(t, violations)
}

func TestProgressConsistency(t *testing.T) {
	env := newTestEnv(t, engine.Options{ProgressStep: 5})
	type snapshot struct{ session, task int }
	var seen []snapshot
	env.Exec.On("expand", func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		for _, p := range []int{3, 50, 20, 52, 57, 99} {
			progress(p)
			s, err := env.Engine.Repo.GetSession(ctx, nil, in.SessionID)
			require.NoError(t, err)
			task, err := env.Engine.Repo.GetTaskByPhase(ctx, nil, in.SessionID, "expand")
			require.NoError(t, err)
			seen = append(seen, snapshot{session: s.Progress, task: task.Progress})
		}
		return json.RawMessage(`{}`), nil
	})

	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Tea", Phases: []string{"outline", "expand"}})
	require.NoError(t, err)
	assert.Equal(t, 100, view.Session.Progress)

	// 3 is below the step, 20 and 52 are not forward enough, 99 is persisted.
	want := []snapshot{{50, 0}, {75, 50}, {75, 50}, {75, 50}, {78, 57}, {99, 99}}
	assert.Equal(t, want, seen)
	for _, s := range seen {
		assert.Equal(t, (100+s.task)/2, s.session)
	}
}

func TestPhaseTimeoutFailsTask(t *testing.T) {
	env := newTestEnv(t, engine.Options{PhaseTimeout: 50 * time.Millisecond})
	release := make(chan struct{})
	finished := make(chan struct{})
	env.Exec.On("expand", func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		defer close(finished)
		<-release
		progress(60)
		return json.RawMessage(`{}`), nil
	})

	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Slow", Phases: []string{"outline", "expand", "seo"}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, view.Session.Status)
	expand := taskByPhase(t, view, "expand")
	assert.Equal(t, domain.StatusError, expand.Status)
	require.NotNil(t, expand.ErrorMessage)
	assert.Equal(t, "timeout", *expand.ErrorMessage)

	close(release)
	<-finished
	after, err := env.Engine.GetSession(env.Ctx, view.Session.ID)
	require.NoError(t, err)
	late := taskByPhase(t, after, "expand")
	assert.Equal(t, domain.StatusError, late.Status)
	assert.Equal(t, 0, late.Progress)
	assert.Equal(t, domain.StatusPending, taskByPhase(t, after, "seo").Status)
}

func TestRetryPhaseKeepsAttemptHistory(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	failures := 1
	env.Exec.On("expand", func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("rate limited")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Tea", Phases: []string{"outline", "expand", "seo"}})
	require.NoError(t, err)
	require.Equal(t, domain.StatusError, view.Session.Status)

	task, err := env.Engine.RetryPhase(env.Ctx, view.Session.ID, "expand", "editor")
	require.NoError(t, err)
	assert.Equal(t, "expand", task.Phase)
	assert.Equal(t, domain.StatusDone, task.Status)
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, 100, task.Progress)
	assert.Nil(t, task.ErrorMessage)

	after, err := env.Engine.GetSession(env.Ctx, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, after.Session.Status)
	assert.Equal(t, 100, after.Session.Progress)
	assert.Nil(t, after.Session.ErrorMessage)
	assert.Equal(t, 2, taskByPhase(t, after, "expand").Attempt)
	assert.Equal(t, 1, taskByPhase(t, after, "outline").Attempt)
	assert.Equal(t, 1, taskByPhase(t, after, "seo").Attempt)
	assert.Equal(t, []string{"outline", "expand", "expand", "seo"}, env.Exec.Calls())

	attempts, err := env.Engine.ListAttempts(env.Ctx, view.Session.ID, "expand")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.StatusError, attempts[0].Status)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Equal(t, "rate limited", *attempts[0].ErrorMessage)
	assert.Equal(t, domain.StatusDone, attempts[1].Status)
	assert.Equal(t, 2, attempts[1].Attempt)
}

func TestRetryDonePhaseRerunsLaterPhases(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Tea", Phases: []string{"outline", "expand", "seo"}})
	require.NoError(t, err)

	_, err = env.Engine.RetryPhase(env.Ctx, view.Session.ID, "expand", "")
	require.NoError(t, err)

	after, err := env.Engine.GetSession(env.Ctx, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, after.Session.Status)
	assert.Equal(t, 1, taskByPhase(t, after, "outline").Attempt)
	assert.Equal(t, 2, taskByPhase(t, after, "expand").Attempt)
	assert.Equal(t, 2, taskByPhase(t, after, "seo").Attempt)
	// The re-run still receives the untouched outline result.
	assert.JSONEq(t, `{"phase":"expand","prior":1}`, string(taskByPhase(t, after, "expand").Result))
}

func TestRetryPhaseRejects(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	env.Exec.On("expand", func(context.Context, phase.Input, phase.ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Tea", Phases: []string{"outline", "expand", "seo"}})
	require.NoError(t, err)

	_, err = env.Engine.RetryPhase(env.Ctx, uuid.NewString(), "expand", "")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.RetryPhase(env.Ctx, view.Session.ID, "translate", "")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = env.Engine.RetryPhase(env.Ctx, view.Session.ID, "seo", "")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.RetryPhase(env.Ctx, view.Session.ID, "", "")
	assert.ErrorIs(t, err, engine.ErrInvalidInput)

	unchanged, err := env.Engine.GetSession(env.Ctx, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, unchanged.Session.Status)
}

func TestAsyncSessionPublishesUpdates(t *testing.T) {
	env := newTestEnv(t, engine.Options{Async: true})
	bus := events.NewBus(256)
	defer bus.Close()
	env.Engine.Bus = bus

	release := make(chan struct{})
	env.Exec.On("outline", func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		<-release
		progress(30)
		return json.RawMessage(`{}`), nil
	})

	view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "Async", Phases: []string{"outline", "expand"}})
	require.NoError(t, err)
	assert.False(t, view.Session.Status.IsTerminal())
	assert.True(t, env.Engine.Active(view.Session.ID))

	updates, unsub := bus.Subscribe(view.Session.ID)
	defer unsub()

	_, err = env.Engine.RetryPhase(env.Ctx, view.Session.ID, "outline", "")
	assert.ErrorIs(t, err, engine.ErrConflict)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.Engine.Wait(ctx))
	assert.False(t, env.Engine.Active(view.Session.ID))

	final, err := env.Engine.GetSession(env.Ctx, view.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, final.Session.Status)

	var last engine.SessionView
	for len(updates) > 0 {
		msg := <-updates
		last = msg.Data.(engine.SessionView)
	}
	assert.Equal(t, domain.StatusDone, last.Session.Status)
}

func TestListSessionsNewestFirstAndClamped(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	var ids []string
	for i := 0; i < 3; i++ {
		view, err := env.Engine.StartSession(env.Ctx, engine.StartSessionInput{Topic: "T", Phases: []string{"outline"}})
		require.NoError(t, err)
		ids = append(ids, view.Session.ID)
		env.Clock.Advance(time.Minute)
	}

	all, err := env.Engine.ListSessions(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.Equal(t, ids[0], all[2].ID)

	two, err := env.Engine.ListSessions(env.Ctx, 2)
	require.NoError(t, err)
	assert.Len(t, two, 2)

	many, err := env.Engine.ListSessions(env.Ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, many, 3)

	_, err = env.Engine.GetSession(env.Ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRecoverInterrupted(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	ctx := env.Ctx
	ts := domain.FormatTime(baseTime)
	s := domain.Session{ID: "s-crashed", Topic: "Crash", Phases: []string{"outline", "expand"}, Status: domain.StatusRunning, CreatedAt: ts, UpdatedAt: ts, StartedAt: &ts}
	tx, err := env.Engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertSession(ctx, tx, s))
	require.NoError(t, env.Engine.Repo.InsertTask(ctx, tx, domain.Task{ID: "t1", SessionID: s.ID, Phase: "outline", Position: 0, Status: domain.StatusDone, Progress: 100, Attempt: 1, Result: json.RawMessage(`{}`), UpdatedAt: ts}))
	require.NoError(t, env.Engine.Repo.InsertTask(ctx, tx, domain.Task{ID: "t2", SessionID: s.ID, Phase: "expand", Position: 1, Status: domain.StatusRunning, Progress: 20, Attempt: 1, UpdatedAt: ts}))
	require.NoError(t, env.Engine.Repo.InsertAttempt(ctx, tx, domain.TaskAttempt{ID: "a2", TaskID: "t2", Attempt: 1, Status: domain.StatusRunning, Progress: 20, StartedAt: ts}))
	require.NoError(t, tx.Commit())

	recovered, err := env.Engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, recovered)

	view, err := env.Engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, view.Session.Status)
	assert.Equal(t, 60, view.Session.Progress)
	expand := taskByPhase(t, view, "expand")
	assert.Equal(t, domain.StatusError, expand.Status)
	assert.Equal(t, "interrupted", *expand.ErrorMessage)
	attempts, err := env.Engine.ListAttempts(ctx, s.ID, "expand")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, attempts[0].Status)

	_, err = env.Engine.RetryPhase(ctx, s.ID, "expand", "")
	require.NoError(t, err)
	view, err = env.Engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, view.Session.Status)

	again, err := env.Engine.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRetryPhaseTakesOverOrphanedRunningSession(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	ctx := env.Ctx
	ts := domain.FormatTime(baseTime)
	s := domain.Session{ID: "s-orphan", Topic: "Orphan", Phases: []string{"outline", "expand", "seo"}, Status: domain.StatusRunning, Progress: 40, CreatedAt: ts, UpdatedAt: ts, StartedAt: &ts}
	tx, err := env.Engine.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertSession(ctx, tx, s))
	require.NoError(t, env.Engine.Repo.InsertTask(ctx, tx, domain.Task{ID: "o1", SessionID: s.ID, Phase: "outline", Position: 0, Status: domain.StatusDone, Progress: 100, Attempt: 1, Result: json.RawMessage(`{}`), UpdatedAt: ts}))
	require.NoError(t, env.Engine.Repo.InsertTask(ctx, tx, domain.Task{ID: "o2", SessionID: s.ID, Phase: "expand", Position: 1, Status: domain.StatusRunning, Progress: 20, Attempt: 1, UpdatedAt: ts}))
	require.NoError(t, env.Engine.Repo.InsertTask(ctx, tx, domain.Task{ID: "o3", SessionID: s.ID, Phase: "seo", Position: 2, Status: domain.StatusPending, UpdatedAt: ts}))
	require.NoError(t, env.Engine.Repo.InsertAttempt(ctx, tx, domain.TaskAttempt{ID: "oa2", TaskID: "o2", Attempt: 1, Status: domain.StatusRunning, Progress: 20, StartedAt: ts}))
	require.NoError(t, tx.Commit())
	require.False(t, env.Engine.Active(s.ID))

	task, err := env.Engine.RetryPhase(ctx, s.ID, "expand", "editor")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, task.Status)
	assert.Equal(t, 2, task.Attempt)

	view, err := env.Engine.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, view.Session.Status)
	assert.Equal(t, 100, view.Session.Progress)
	assert.Equal(t, []string{"expand", "seo"}, env.Exec.Calls())

	attempts, err := env.Engine.ListAttempts(ctx, s.ID, "expand")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.StatusError, attempts[0].Status)
	require.NotNil(t, attempts[0].ErrorMessage)
	assert.Equal(t, "interrupted", *attempts[0].ErrorMessage)
	assert.Equal(t, domain.StatusDone, attempts[1].Status)
}

func TestCallerDeadlineRecordedAsTimeout(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	env.Exec.On("expand", func(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(env.Ctx, 100*time.Millisecond)
	defer cancel()
	view, err := env.Engine.StartSession(ctx, engine.StartSessionInput{Topic: "Deadline", Phases: []string{"outline", "expand"}})
	require.NoError(t, err)
	require.NotEmpty(t, view.Session.ID)
	require.Len(t, view.Tasks, 2)

	assert.Equal(t, domain.StatusError, view.Session.Status)
	require.NotNil(t, view.Session.ErrorMessage)
	assert.Equal(t, "timeout", *view.Session.ErrorMessage)
	expand := taskByPhase(t, view, "expand")
	assert.Equal(t, domain.StatusError, expand.Status)
	require.NotNil(t, expand.ErrorMessage)
	assert.Equal(t, "timeout", *expand.ErrorMessage)
	assert.Equal(t, domain.StatusDone, taskByPhase(t, view, "outline").Status)
}

func TestCallerCancelRecordedAsCanceled(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	ctx, cancel := context.WithCancel(env.Ctx)
	env.Exec.On("expand", func(pctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
		cancel()
		<-pctx.Done()
		return nil, pctx.Err()
	})

	view, err := env.Engine.StartSession(ctx, engine.StartSessionInput{Topic: "Cancel", Phases: []string{"outline", "expand"}})
	require.NoError(t, err)
	expand := taskByPhase(t, view, "expand")
	assert.Equal(t, domain.StatusError, expand.Status)
	require.NotNil(t, expand.ErrorMessage)
	assert.Equal(t, "canceled", *expand.ErrorMessage)
}
