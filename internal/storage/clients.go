package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/musubi/internal/model"
)

// CreateClient inserts an API client credential.
func (db *DB) CreateClient(ctx context.Context, c model.Client) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO clients (id, api_key_hash, scopes, created_at)
		 VALUES ($1, $2, $3, $4)`,
		c.ID, c.APIKeyHash, c.Scopes, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create client: %w", err)
	}
	return nil
}

// GetClient retrieves an API client by id. Returns ErrNotFound if it does
// not exist.
func (db *DB) GetClient(ctx context.Context, id string) (model.Client, error) {
	var c model.Client
	err := db.pool.QueryRow(ctx,
		`SELECT id, api_key_hash, scopes, created_at, last_used_at FROM clients WHERE id = $1`, id,
	).Scan(&c.ID, &c.APIKeyHash, &c.Scopes, &c.CreatedAt, &c.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Client{}, ErrNotFound
	}
	if err != nil {
		return model.Client{}, fmt.Errorf("storage: get client: %w", err)
	}
	return c, nil
}

// TouchClient updates the client's last_used_at timestamp. Missing clients
// are ignored; the touch is bookkeeping, not authorization.
func (db *DB) TouchClient(ctx context.Context, id string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE clients SET last_used_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: touch client: %w", err)
	}
	return nil
}
