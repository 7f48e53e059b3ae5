package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"editorial/internal/cache"
	"editorial/internal/db"
	"editorial/internal/events"
	"editorial/internal/phase"
	"editorial/internal/repo"
)

const (
	defaultProgressStep = 5
	defaultSessionLimit = 20
	maxSessionLimit     = 100
	defaultBatchLimit   = 50
	maxBatchLimit       = 500
)

type Options struct {
	// PhaseTimeout bounds one phase execution. Zero disables the deadline.
	PhaseTimeout time.Duration
	// ProgressStep is the minimum progress gain, in points, between two
	// persisted progress writes of a task.
	ProgressStep int
	// Async runs pipelines in background goroutines instead of inside the
	// calling operation.
	Async      bool
	BatchLimit int
	// WorkerID is recorded on claimed schedule events.
	WorkerID        string
	CacheIndexPath  string
	CachePostPrefix string
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Bus      *events.Bus
	Executor phase.Executor
	Cache    cache.Invalidator
	Logger   *slog.Logger
	Options  Options
	Now      func() time.Time

	runs *runTracker
}

func New(conn *sql.DB, dialect db.Dialect, exec phase.Executor, opts Options) Engine {
	if opts.ProgressStep <= 0 {
		opts.ProgressStep = defaultProgressStep
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	if opts.WorkerID == "" {
		opts.WorkerID = defaultWorkerID()
	}
	return Engine{
		DB:       conn,
		Repo:     repo.Repo{DB: conn, Dialect: dialect},
		Events:   events.Writer{DB: conn, Dialect: dialect},
		Executor: exec,
		Cache:    cache.Nop{},
		Logger:   slog.Default(),
		Options:  opts,
		Now:      time.Now,
		runs:     newRunTracker(),
	}
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// inTx runs fn in one transaction and classifies failures with storeErr.
func (e Engine) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, kind, id, actor string, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	return w.Append(ctx, tx, evtType, kind, id, actor, payload)
}

// Wait blocks until background pipelines finish or ctx is done.
func (e Engine) Wait(ctx context.Context) error {
	if e.runs == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		e.runs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether this process is currently driving the session.
func (e Engine) Active(sessionID string) bool {
	if e.runs == nil {
		return false
	}
	e.runs.mu.Lock()
	defer e.runs.mu.Unlock()
	_, ok := e.runs.active[sessionID]
	return ok
}

// runTracker is the in-process state shared by copies of an Engine.
type runTracker struct {
	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
	due    singleflight.Group
}

func newRunTracker() *runTracker {
	return &runTracker{active: map[string]struct{}{}}
}

func (r *runTracker) acquire(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[sessionID]; ok {
		return false
	}
	r.active[sessionID] = struct{}{}
	return true
}

func (r *runTracker) release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}
