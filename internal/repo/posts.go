package repo

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/domain"
)

var postColumns = []string{"id", "slug", "title", "status", "published_at", "scheduled_at", "created_at", "updated_at"}

func scanPost(row rowScanner) (domain.Post, error) {
	var p domain.Post
	var published, scheduled sql.NullString
	err := row.Scan(&p.ID, &p.Slug, &p.Title, &p.Status, &published, &scheduled, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.PublishedAt = strPtr(published)
	p.ScheduledAt = strPtr(scheduled)
	return p, nil
}

func (r Repo) InsertPost(ctx context.Context, tx *sql.Tx, p domain.Post) error {
	_, err := r.exec(ctx, tx, r.sb().Insert("posts").Columns(postColumns...).Values(
		p.ID, p.Slug, p.Title, p.Status, nullablePtr(p.PublishedAt), nullablePtr(p.ScheduledAt), p.CreatedAt, p.UpdatedAt,
	))
	return err
}

func (r Repo) GetPost(ctx context.Context, tx *sql.Tx, id string) (domain.Post, error) {
	row, err := r.queryRow(ctx, tx, r.sb().Select(postColumns...).From("posts").Where(sq.Eq{"id": id}))
	if err != nil {
		return domain.Post{}, err
	}
	return scanPost(row)
}

func (r Repo) GetPostBySlug(ctx context.Context, slug string) (domain.Post, error) {
	row, err := r.queryRow(ctx, nil, r.sb().Select(postColumns...).From("posts").Where(sq.Eq{"slug": slug}))
	if err != nil {
		return domain.Post{}, err
	}
	return scanPost(row)
}

// ListPosts returns posts ordered by slug, optionally filtered by status.
func (r Repo) ListPosts(ctx context.Context, status domain.PostStatus) ([]domain.Post, error) {
	b := r.sb().Select(postColumns...).From("posts").OrderBy("slug ASC")
	if status != "" {
		b = b.Where(sq.Eq{"status": status})
	}
	rows, err := r.query(ctx, nil, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// MarkPublished sets the post live and clears its scheduled time.
func (r Repo) MarkPublished(ctx context.Context, tx *sql.Tx, id, now string) error {
	return r.execAffected(ctx, tx, r.sb().Update("posts").SetMap(Set{
		"status":       domain.PostPublished,
		"published_at": now,
		"scheduled_at": nil,
		"updated_at":   now,
	}).Where(sq.Eq{"id": id}))
}

func (r Repo) DeletePost(ctx context.Context, tx *sql.Tx, id string) error {
	return r.execAffected(ctx, tx, r.sb().Delete("posts").Where(sq.Eq{"id": id}))
}
