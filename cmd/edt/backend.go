package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"editorial/internal/app"
	"editorial/internal/config"
	"editorial/internal/domain"
	"editorial/internal/engine"
	"editorial/internal/logging"
	"editorial/internal/repo"
	editorialsdk "editorial/sdk/go"
)

// backend is what every command talks to: the local store through the
// engine, or a running server through the SDK when --server is set.
type backend interface {
	StartSession(ctx context.Context, topic string, phases []string) (editorialsdk.SessionView, error)
	GetSession(ctx context.Context, id string) (editorialsdk.SessionView, error)
	ListSessions(ctx context.Context, limit int) ([]domain.Session, error)
	RetryPhase(ctx context.Context, sessionID, phase string) (domain.Task, error)
	ListAttempts(ctx context.Context, sessionID, phase string) ([]domain.TaskAttempt, error)
	ScheduleEvent(ctx context.Context, in editorialsdk.ScheduleRequest) (domain.ScheduleEvent, error)
	ListPendingEvents(ctx context.Context, postID string) ([]domain.ScheduleEvent, error)
	ProcessDueEvents(ctx context.Context, limit int) (editorialsdk.ProcessReport, error)
	CreatePost(ctx context.Context, in editorialsdk.CreatePostRequest) (domain.Post, error)
	GetPost(ctx context.Context, id string) (domain.Post, error)
	ListPosts(ctx context.Context, status string) ([]domain.Post, error)
	DeletePost(ctx context.Context, id string) error
	Activity(ctx context.Context, limit int, entityID, cursor string) (editorialsdk.PaginatedEvents, error)
	Close(ctx context.Context) error
}

func withBackend(ctx context.Context, fn func(context.Context, backend) error) error {
	b, err := openBackend()
	if err != nil {
		return err
	}
	runErr := fn(ctx, b)
	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func openBackend() (backend, error) {
	if addr := viper.GetString("server"); addr != "" {
		c := editorialsdk.New(addr)
		c.APIKey = viper.GetString("api-key")
		c.BearerToken = viper.GetString("token")
		if bp := viper.GetString("base-path"); bp != "" {
			c.BasePath = bp
		}
		return remoteBackend{client: c, actor: viper.GetString("actor-id")}, nil
	}
	a, err := withApp()
	if err != nil {
		return nil, err
	}
	// One-shot commands finish their pipeline before the process exits.
	a.Engine.Options.Async = false
	return localBackend{app: a, actor: viper.GetString("actor-id")}, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" || cfg.Database.Workspace == "." {
		cfg.Database.Workspace = viper.GetString("workspace")
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

func withApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(cfg, logging.New(cfg.Log.Level, cfg.Log.Format, nil))
}

type localBackend struct {
	app   *app.App
	actor string
}

func (b localBackend) StartSession(ctx context.Context, topic string, phases []string) (editorialsdk.SessionView, error) {
	if len(phases) == 0 {
		phases = b.app.Config.Generator.DefaultPhases
	}
	v, err := b.app.Engine.StartSession(ctx, engine.StartSessionInput{Topic: topic, Phases: phases, ActorRef: b.actor})
	return editorialsdk.SessionView(v), err
}

func (b localBackend) GetSession(ctx context.Context, id string) (editorialsdk.SessionView, error) {
	v, err := b.app.Engine.GetSession(ctx, id)
	return editorialsdk.SessionView(v), err
}

func (b localBackend) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return b.app.Engine.ListSessions(ctx, limit)
}

func (b localBackend) RetryPhase(ctx context.Context, sessionID, phase string) (domain.Task, error) {
	return b.app.Engine.RetryPhase(ctx, sessionID, phase, b.actor)
}

func (b localBackend) ListAttempts(ctx context.Context, sessionID, phase string) ([]domain.TaskAttempt, error) {
	return b.app.Engine.ListAttempts(ctx, sessionID, phase)
}

func (b localBackend) ScheduleEvent(ctx context.Context, in editorialsdk.ScheduleRequest) (domain.ScheduleEvent, error) {
	return b.app.Engine.ScheduleEvent(ctx, engine.ScheduleInput{
		PostID:    in.PostID,
		RunAt:     in.RunAt,
		Action:    in.Action,
		Overwrite: in.Overwrite,
		ActorRef:  b.actor,
	})
}

func (b localBackend) ListPendingEvents(ctx context.Context, postID string) ([]domain.ScheduleEvent, error) {
	return b.app.Engine.ListPendingEvents(ctx, postID)
}

func (b localBackend) ProcessDueEvents(ctx context.Context, limit int) (editorialsdk.ProcessReport, error) {
	report, err := b.app.Engine.ProcessDueEvents(ctx, limit)
	if err != nil {
		return editorialsdk.ProcessReport{}, err
	}
	out := editorialsdk.ProcessReport{Processed: report.Processed, Results: make([]editorialsdk.EventResult, 0, len(report.Results))}
	for _, r := range report.Results {
		out.Results = append(out.Results, editorialsdk.EventResult{
			EventID:     r.EventID,
			PostID:      r.PostID,
			Action:      r.Action,
			Result:      r.Result,
			Note:        r.Note,
			Invalidated: r.Invalidated,
			CacheError:  r.CacheError,
		})
	}
	return out, nil
}

func (b localBackend) CreatePost(ctx context.Context, in editorialsdk.CreatePostRequest) (domain.Post, error) {
	return b.app.Engine.CreatePost(ctx, engine.CreatePostInput{
		ID:       in.ID,
		Slug:     in.Slug,
		Title:    in.Title,
		Status:   domain.PostStatus(in.Status),
		ActorRef: b.actor,
	})
}

func (b localBackend) GetPost(ctx context.Context, id string) (domain.Post, error) {
	return b.app.Engine.GetPost(ctx, id)
}

func (b localBackend) ListPosts(ctx context.Context, status string) ([]domain.Post, error) {
	return b.app.Engine.ListPosts(ctx, domain.PostStatus(status))
}

func (b localBackend) DeletePost(ctx context.Context, id string) error {
	return b.app.Engine.DeletePost(ctx, id, b.actor)
}

func (b localBackend) Activity(ctx context.Context, limit int, entityID, cursor string) (editorialsdk.PaginatedEvents, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	var after int64
	if cursor != "" {
		parsed, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return editorialsdk.PaginatedEvents{}, fmt.Errorf("invalid cursor %q", cursor)
		}
		after = parsed
	}
	items, err := b.app.Engine.ListEvents(ctx, repo.EventFilter{EntityID: entityID, AfterID: after, Limit: limit + 1})
	if err != nil {
		return editorialsdk.PaginatedEvents{}, err
	}
	page := editorialsdk.PaginatedEvents{Items: []editorialsdk.Event{}}
	if len(items) > limit {
		items = items[:limit]
		page.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
	}
	for _, evt := range items {
		var payload map[string]any
		if evt.Payload != "" {
			_ = json.Unmarshal([]byte(evt.Payload), &payload)
		}
		page.Items = append(page.Items, editorialsdk.Event{
			ID:         evt.ID,
			TS:         evt.TS,
			Type:       evt.Type,
			EntityKind: evt.EntityKind,
			EntityID:   evt.EntityID,
			ActorID:    evt.ActorID,
			Payload:    payload,
		})
	}
	return page, nil
}

func (b localBackend) Close(ctx context.Context) error {
	return b.app.Close(ctx)
}

type remoteBackend struct {
	client *editorialsdk.Client
	actor  string
}

func (b remoteBackend) StartSession(ctx context.Context, topic string, phases []string) (editorialsdk.SessionView, error) {
	return b.client.StartSession(ctx, topic, phases, b.actor)
}

func (b remoteBackend) GetSession(ctx context.Context, id string) (editorialsdk.SessionView, error) {
	return b.client.GetSession(ctx, id)
}

func (b remoteBackend) ListSessions(ctx context.Context, limit int) ([]domain.Session, error) {
	return b.client.ListSessions(ctx, limit)
}

func (b remoteBackend) RetryPhase(ctx context.Context, sessionID, phase string) (domain.Task, error) {
	return b.client.RetryPhase(ctx, sessionID, phase)
}

func (b remoteBackend) ListAttempts(ctx context.Context, sessionID, phase string) ([]domain.TaskAttempt, error) {
	return b.client.ListAttempts(ctx, sessionID, phase)
}

func (b remoteBackend) ScheduleEvent(ctx context.Context, in editorialsdk.ScheduleRequest) (domain.ScheduleEvent, error) {
	return b.client.ScheduleEvent(ctx, in)
}

func (b remoteBackend) ListPendingEvents(ctx context.Context, postID string) ([]domain.ScheduleEvent, error) {
	return b.client.ListPendingEvents(ctx, postID)
}

func (b remoteBackend) ProcessDueEvents(ctx context.Context, limit int) (editorialsdk.ProcessReport, error) {
	return b.client.ProcessDueEvents(ctx, limit)
}

func (b remoteBackend) CreatePost(ctx context.Context, in editorialsdk.CreatePostRequest) (domain.Post, error) {
	return b.client.CreatePost(ctx, in)
}

func (b remoteBackend) GetPost(ctx context.Context, id string) (domain.Post, error) {
	return b.client.GetPost(ctx, id)
}

func (b remoteBackend) ListPosts(ctx context.Context, status string) ([]domain.Post, error) {
	return b.client.ListPosts(ctx, status)
}

func (b remoteBackend) DeletePost(ctx context.Context, id string) error {
	return b.client.DeletePost(ctx, id)
}

func (b remoteBackend) Activity(ctx context.Context, limit int, entityID, cursor string) (editorialsdk.PaginatedEvents, error) {
	return b.client.ActivityPage(ctx, limit, entityID, cursor)
}

func (b remoteBackend) Close(context.Context) error { return nil }
