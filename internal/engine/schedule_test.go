package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"editorial/internal/domain"
	"editorial/internal/engine"
	"editorial/internal/repo"
)

const (
	pastRun   = "2024-01-01T11:00:00Z"
	futureRun = "2024-01-02T09:00:00Z"
)

func (env testEnv) schedule(t *testing.T, postID, runAt, action string) domain.ScheduleEvent {
	t.Helper()
	ev, err := env.Engine.ScheduleEvent(env.Ctx, engine.ScheduleInput{PostID: postID, RunAt: runAt, Action: action})
	require.NoError(t, err)
	return ev
}

func TestProcessDuePublishesPost(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "spitz-alemao", domain.PostScheduled)
	ev := env.schedule(t, post.ID, pastRun, "")
	assert.Equal(t, "publish", ev.Action)
	assert.True(t, ev.Pending())

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	res := report.Results[0]
	assert.Equal(t, ev.ID, res.EventID)
	assert.Equal(t, domain.OutcomeExecuted, res.Result)
	assert.Empty(t, res.Note)
	assert.Equal(t, []string{"/blog", "/blog/spitz-alemao"}, res.Invalidated)
	assert.Empty(t, res.CacheError)
	assert.Equal(t, [][]string{{"/blog", "/blog/spitz-alemao"}}, env.Cache.Calls())

	got, err := env.Engine.GetPost(env.Ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPublished, got.Status)
	require.NotNil(t, got.PublishedAt)
	assert.Equal(t, domain.FormatTime(baseTime), *got.PublishedAt)
	assert.Nil(t, got.ScheduledAt)

	stored, err := env.Engine.GetScheduleEvent(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Pending())
	require.NotNil(t, stored.Result)
	assert.Equal(t, string(domain.OutcomeExecuted), *stored.Result)
	require.NotNil(t, stored.ClaimedBy)
	assert.Equal(t, env.Engine.Options.WorkerID, *stored.ClaimedBy)
}

func TestProcessDueSkipsAlreadyPublished(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "live", domain.PostPublished)
	before, err := env.Engine.GetPost(env.Ctx, post.ID)
	require.NoError(t, err)
	env.schedule(t, post.ID, pastRun, "publish")
	env.Clock.Advance(time.Hour)

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.OutcomeSkippedAlreadyPublished, report.Results[0].Result)
	assert.Empty(t, env.Cache.Calls())

	after, err := env.Engine.GetPost(env.Ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestProcessDueUnsupportedAction(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "draft-one", domain.PostDraft)
	ev := env.schedule(t, post.ID, pastRun, "archive")

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.OutcomeSkippedUnsupportedAction, report.Results[0].Result)
	assert.Empty(t, env.Cache.Calls())

	got, err := env.Engine.GetPost(env.Ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostDraft, got.Status)

	stored, err := env.Engine.GetScheduleEvent(env.Ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Pending())
}

func TestProcessDueMissingPost(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "gone", domain.PostScheduled)
	ev := env.schedule(t, post.ID, pastRun, "publish")
	require.NoError(t, env.Engine.DeletePost(env.Ctx, post.ID, "editor"))

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, domain.OutcomeError, report.Results[0].Result)
	assert.Equal(t, domain.NotePostNotFound, report.Results[0].Note)

	stored, err := env.Engine.GetScheduleEvent(env.Ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ResultNote)
	assert.Equal(t, "post-not-found", *stored.ResultNote)
	assert.False(t, stored.Pending())
}

func TestScheduleEventValidation(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "v", domain.PostDraft)

	_, err := env.Engine.ScheduleEvent(env.Ctx, engine.ScheduleInput{RunAt: pastRun})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.ScheduleEvent(env.Ctx, engine.ScheduleInput{PostID: post.ID})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.ScheduleEvent(env.Ctx, engine.ScheduleInput{PostID: post.ID, RunAt: "next tuesday"})
	assert.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = env.Engine.ScheduleEvent(env.Ctx, engine.ScheduleInput{PostID: "missing", RunAt: pastRun})
	assert.ErrorIs(t, err, engine.ErrNotFound)

	pending, err := env.Engine.ListPendingEvents(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestScheduleEventAcceptsZonelessTime(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "z", domain.PostDraft)
	ev := env.schedule(t, post.ID, "2024-03-10T08:30", "PUBLISH")
	assert.Equal(t, "publish", ev.Action)
	assert.Equal(t, domain.FormatTime(time.Date(2024, 3, 10, 8, 30, 0, 0, time.UTC)), ev.RunAt)
}

func TestScheduleOverwriteReplacesPending(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "ow", domain.PostScheduled)
	other := env.createPost(t, "other", domain.PostScheduled)
	env.schedule(t, post.ID, futureRun, "publish")
	env.schedule(t, post.ID, "2024-01-03T09:00:00Z", "publish")
	keep := env.schedule(t, other.ID, futureRun, "publish")

	ev, err := env.Engine.ScheduleEvent(env.Ctx, engine.ScheduleInput{PostID: post.ID, RunAt: "2024-01-05T09:00:00Z", Overwrite: true})
	require.NoError(t, err)

	pending, err := env.Engine.ListPendingEvents(env.Ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, ev.ID, pending[0].ID)

	all, err := env.Engine.ListPendingEvents(env.Ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, keep.ID, all[0].ID)
}

func TestListPendingOrderedByRunAt(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "order", domain.PostDraft)
	late := env.schedule(t, post.ID, "2024-02-01T00:00:00Z", "publish")
	early := env.schedule(t, post.ID, "2024-01-15T00:00:00Z", "publish")

	pending, err := env.Engine.ListPendingEvents(env.Ctx, post.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, early.ID, pending[0].ID)
	assert.Equal(t, late.ID, pending[1].ID)
}

func TestProcessDueIgnoresFutureAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "soon", domain.PostScheduled)
	ev := env.schedule(t, post.ID, futureRun, "publish")

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.NotNil(t, report.Results)

	env.Clock.Advance(24 * time.Hour)
	report, err = env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, report.Processed)
	assert.Equal(t, ev.ID, report.Results[0].EventID)

	report, err = env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Len(t, env.Cache.Calls(), 1)

	executed, err := env.Engine.ListEvents(env.Ctx, repo.EventFilter{Type: "schedule.executed"})
	require.NoError(t, err)
	assert.Len(t, executed, 1)
}

func TestCacheFailureKeepsPublish(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	env.Cache.err = errors.New("revalidate: 500")
	post := env.createPost(t, "cached", domain.PostScheduled)
	env.schedule(t, post.ID, pastRun, "publish")

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 0)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	res := report.Results[0]
	assert.Equal(t, domain.OutcomeExecuted, res.Result)
	assert.Contains(t, res.CacheError, "revalidate: 500")
	assert.Contains(t, res.CacheError, engine.ErrCacheInvalidationFailed.Error())

	got, err := env.Engine.GetPost(env.Ctx, post.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PostPublished, got.Status)
}

func TestProcessDueRespectsLimit(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	for i := 0; i < 5; i++ {
		post := env.createPost(t, fmt.Sprintf("batch-%d", i), domain.PostScheduled)
		env.schedule(t, post.ID, fmt.Sprintf("2024-01-01T10:0%d:00Z", i), "publish")
	}

	report, err := env.Engine.ProcessDueEvents(env.Ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2, report.Processed)
	assert.Equal(t, "/blog/batch-0", report.Results[0].Invalidated[1])
	assert.Equal(t, "/blog/batch-1", report.Results[1].Invalidated[1])

	pending, err := env.Engine.ListPendingEvents(env.Ctx, "")
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestProcessDueStopsOnCanceledContext(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	post := env.createPost(t, "c", domain.PostScheduled)
	env.schedule(t, post.ID, pastRun, "publish")

	ctx, cancel := context.WithCancel(env.Ctx)
	cancel()
	_, err := env.Engine.ProcessDueEvents(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	pending, err := env.Engine.ListPendingEvents(env.Ctx, post.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestConcurrentWorkersExecuteOnce(t *testing.T) {
	first := newTestEnv(t, engine.Options{WorkerID: "worker-a"})
	second := openTestEnv(t, first.DBPath, engine.Options{WorkerID: "worker-b"})

	const n = 8
	for i := 0; i < n; i++ {
		post := first.createPost(t, fmt.Sprintf("race-%d", i), domain.PostScheduled)
		first.schedule(t, post.ID, pastRun, "publish")
	}

	reports := make([]engine.ProcessReport, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, env := range []testEnv{first, second} {
		wg.Add(1)
		go func(i int, env testEnv) {
			defer wg.Done()
			reports[i], errs[i] = env.Engine.ProcessDueEvents(env.Ctx, 0)
		}(i, env)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	seen := map[string]int{}
	for _, r := range reports {
		for _, res := range r.Results {
			seen[res.EventID]++
			assert.Equal(t, domain.OutcomeExecuted, res.Result)
		}
	}
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, id)
	}
	assert.Equal(t, n, len(first.Cache.Calls())+len(second.Cache.Calls()))

	executed, err := first.Engine.ListEvents(first.Ctx, repo.EventFilter{Type: "schedule.executed"})
	require.NoError(t, err)
	assert.Len(t, executed, n)
}

func TestOverlappingCallsShareOneRun(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	for i := 0; i < 3; i++ {
		post := env.createPost(t, fmt.Sprintf("shared-%d", i), domain.PostScheduled)
		env.schedule(t, post.ID, pastRun, "publish")
	}

	var wg sync.WaitGroup
	total := make([]int, 4)
	for i := range total {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := env.Engine.ProcessDueEvents(env.Ctx, 0)
			assert.NoError(t, err)
			total[i] = report.Processed
		}(i)
	}
	wg.Wait()
	assert.Len(t, env.Cache.Calls(), 3)

	pending, err := env.Engine.ListPendingEvents(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// gatedCache blocks the first invalidation until released.
type gatedCache struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCache) Invalidate(context.Context, []string) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return nil
}

func TestOverlappingCallsWithDifferentLimitsRunIndependently(t *testing.T) {
	env := newTestEnv(t, engine.Options{})
	for i := 0; i < 3; i++ {
		post := env.createPost(t, fmt.Sprintf("limit-%d", i), domain.PostScheduled)
		env.schedule(t, post.ID, fmt.Sprintf("2024-01-01T10:0%d:00Z", i), "publish")
	}
	gate := &gatedCache{entered: make(chan struct{}), release: make(chan struct{})}
	env.Engine.Cache = gate

	type outcome struct {
		report engine.ProcessReport
		err    error
	}
	firstDone := make(chan outcome, 1)
	go func() {
		r, err := env.Engine.ProcessDueEvents(env.Ctx, 1)
		firstDone <- outcome{r, err}
	}()
	<-gate.entered

	secondDone := make(chan outcome, 1)
	go func() {
		r, err := env.Engine.ProcessDueEvents(env.Ctx, 2)
		secondDone <- outcome{r, err}
	}()
	var second outcome
	select {
	case second = <-secondDone:
	case <-time.After(5 * time.Second):
		close(gate.release)
		t.Fatal("call with a different limit waited on the in-flight run")
	}
	close(gate.release)
	first := <-firstDone

	require.NoError(t, first.err)
	require.NoError(t, second.err)
	assert.Equal(t, 1, first.report.Processed)
	assert.Equal(t, 2, second.report.Processed)
	assert.NotContains(t, []string{second.report.Results[0].EventID, second.report.Results[1].EventID}, first.report.Results[0].EventID)

	pending, err := env.Engine.ListPendingEvents(env.Ctx, "")
	require.NoError(t, err)
	assert.Empty(t, pending)
}
