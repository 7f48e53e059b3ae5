package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"editorial/internal/db"
	"editorial/internal/domain"
	"editorial/internal/engine"
	"editorial/internal/migrate"
	"editorial/internal/phase"
)

var baseTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Exec   *scripted
	Cache  *recordingCache
	Clock  *stepClock
	Ctx    context.Context
	DBPath string
}

func newTestEnv(t *testing.T, opts engine.Options) testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "editorial.db")
	return openTestEnv(t, path, opts)
}

// openTestEnv opens another engine on path. Two envs on one path behave like
// two replicas sharing a database.
func openTestEnv(t *testing.T, path string, opts engine.Options) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))

	exec := newScripted()
	clock := &stepClock{now: baseTime}
	rc := &recordingCache{}
	eng := engine.New(conn, db.SQLite, exec, opts)
	eng.Now = clock.Now
	eng.Cache = rc
	return testEnv{Engine: eng, Exec: exec, Cache: rc, Clock: clock, Ctx: context.Background(), DBPath: path}
}

// stepClock returns a fixed time that only moves when told to.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scripted runs per-phase functions; phases without one succeed at once.
type scripted struct {
	mu    sync.Mutex
	fns   map[string]phase.Func
	calls []string
}

func newScripted() *scripted {
	return &scripted{fns: map[string]phase.Func{}}
}

func (s *scripted) On(name string, fn phase.Func) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[name] = fn
}

func (s *scripted) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scripted) Execute(ctx context.Context, in phase.Input, progress phase.ProgressFunc) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, in.Phase)
	fn := s.fns[in.Phase]
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, in, progress)
	}
	progress(50)
	return json.RawMessage(fmt.Sprintf(`{"phase":%q,"prior":%d}`, in.Phase, len(in.Prior))), nil
}

type recordingCache struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *recordingCache) Invalidate(_ context.Context, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, append([]string(nil), paths...))
	return r.err
}

func (r *recordingCache) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func (env testEnv) createPost(t *testing.T, slug string, status domain.PostStatus) domain.Post {
	t.Helper()
	p, err := env.Engine.CreatePost(env.Ctx, engine.CreatePostInput{Slug: slug, Title: "Post " + slug, Status: status})
	require.NoError(t, err)
	return p
}

func taskByPhase(t *testing.T, view engine.SessionView, name string) domain.Task {
	t.Helper()
	for _, task := range view.Tasks {
		if task.Phase == name {
			return task
		}
	}
	t.Fatalf("no task for phase %s", name)
	return domain.Task{}
}
