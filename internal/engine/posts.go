package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"editorial/internal/domain"
	"editorial/internal/events"
	"editorial/internal/phase"
	"editorial/internal/repo"
)

type CreatePostInput struct {
	ID       string
	Slug     string
	Title    string
	Status   domain.PostStatus
	ActorRef string
}

// CreatePost registers a post the scheduler can act on. An empty slug is
// derived from the title.
func (e Engine) CreatePost(ctx context.Context, in CreatePostInput) (domain.Post, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Post{}, invalidf("title is required")
	}
	slug := phase.Slugify(in.Slug)
	if slug == "" {
		slug = phase.Slugify(title)
	}
	if slug == "" {
		return domain.Post{}, invalidf("slug is required")
	}
	status := in.Status
	if status == "" {
		status = domain.PostDraft
	}
	if !status.Valid() {
		return domain.Post{}, invalidf("invalid post status %q", status)
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	ts := domain.FormatTime(e.now())
	p := domain.Post{ID: id, Slug: slug, Title: title, Status: status, CreatedAt: ts, UpdatedAt: ts}
	if status == domain.PostPublished {
		p.PublishedAt = &ts
	}
	err := e.inTx(ctx, "create post", func(tx *sql.Tx) error {
		if err := e.Repo.InsertPost(ctx, tx, p); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "post.created", "post", p.ID, in.ActorRef, events.EventPayload{
			"slug":   p.Slug,
			"status": p.Status,
		})
	})
	if err != nil {
		return domain.Post{}, err
	}
	return p, nil
}

func (e Engine) GetPost(ctx context.Context, id string) (domain.Post, error) {
	p, err := e.Repo.GetPost(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return p, notFoundf("post %s", id)
	}
	return p, storeErr("get post", err)
}

func (e Engine) ListPosts(ctx context.Context, status domain.PostStatus) ([]domain.Post, error) {
	if status != "" && !status.Valid() {
		return nil, invalidf("invalid post status %q", status)
	}
	res, err := e.Repo.ListPosts(ctx, status)
	if err != nil {
		return nil, storeErr("list posts", err)
	}
	if res == nil {
		res = []domain.Post{}
	}
	return res, nil
}

// DeletePost removes a post. Its pending events stay and will resolve to
// post-not-found when they come due.
func (e Engine) DeletePost(ctx context.Context, id, actorRef string) error {
	return e.inTx(ctx, "delete post", func(tx *sql.Tx) error {
		if err := e.Repo.DeletePost(ctx, tx, id); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFoundf("post %s", id)
			}
			return err
		}
		return e.appendEvent(ctx, tx, "post.deleted", "post", id, actorRef, nil)
	})
}

// ListEvents pages through the activity log.
func (e Engine) ListEvents(ctx context.Context, f repo.EventFilter) ([]domain.Event, error) {
	res, err := e.Repo.ListEvents(ctx, f)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	if res == nil {
		res = []domain.Event{}
	}
	return res, nil
}
