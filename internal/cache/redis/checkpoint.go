package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Checkpoint stores stream consumer positions as plain string keys.
type Checkpoint struct {
	client *Client
}

// NewCheckpoint creates a Checkpoint backed by the given Client.
func NewCheckpoint(c *Client) *Checkpoint {
	return &Checkpoint{client: c}
}

// Load returns the saved stream ID for name, or "" when none was saved.
func (cp *Checkpoint) Load(ctx context.Context, name string) (string, error) {
	id, err := cp.client.Underlying().Get(ctx, cp.client.Key("checkpoint:", name)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis: load checkpoint %s: %w", name, err)
	}
	return id, nil
}

// Save records the last handled stream ID for name.
func (cp *Checkpoint) Save(ctx context.Context, name, id string) error {
	if err := cp.client.Underlying().Set(ctx, cp.client.Key("checkpoint:", name), id, 0).Err(); err != nil {
		return fmt.Errorf("redis: save checkpoint %s: %w", name, err)
	}
	return nil
}
