package model

import "time"

// Client is an API client credential. The key itself is never stored; only
// its argon2id hash.
type Client struct {
	ID         string     `json:"id"`
	APIKeyHash string     `json:"-"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
