package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"editorial/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.ActorID == "" {
		return errors.New("actor_id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	_, err := r.exec(ctx, tx, r.sb().Insert("api_keys").
		Columns("id", "actor_id", "name", "key_hash", "created_at").
		Values(key.ID, key.ActorID, nullable(key.Name), key.KeyHash, key.CreatedAt))
	return err
}

// GetAPIKeyByHash returns an API key by its hashed value.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row, err := r.queryRow(ctx, nil, r.sb().Select("id", "actor_id", "COALESCE(name,'')", "key_hash", "created_at").
		From("api_keys").Where(sq.Eq{"key_hash": hash}).Limit(1))
	if err != nil {
		return domain.APIKey{}, err
	}
	var key domain.APIKey
	err = row.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.APIKey{}, ErrNotFound
	}
	return key, err
}

// ListAPIKeys returns API keys, optionally filtered by actor ID.
func (r Repo) ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error) {
	b := r.sb().Select("id", "actor_id", "COALESCE(name,'')", "key_hash", "created_at").
		From("api_keys").OrderBy("created_at DESC")
	if actorID != "" {
		b = b.Where(sq.Eq{"actor_id": actorID})
	}
	rows, err := r.query(ctx, nil, b)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		var key domain.APIKey
		if err := rows.Scan(&key.ID, &key.ActorID, &key.Name, &key.KeyHash, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// DeleteAPIKey deletes an API key by ID.
func (r Repo) DeleteAPIKey(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	return r.execAffected(ctx, nil, r.sb().Delete("api_keys").Where(sq.Eq{"id": id}))
}
