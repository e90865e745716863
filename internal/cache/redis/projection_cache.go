package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sugawarayuuta/sonnet"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

const projectionTTL = 24 * time.Hour

// ProjectionCache implements domain.ProjectionCache. Each view lives in the
// "data" field of the hash position:{user}.
type ProjectionCache struct {
	client *Client
}

// NewProjectionCache creates a ProjectionCache backed by the given Client.
func NewProjectionCache(c *Client) *ProjectionCache {
	return &ProjectionCache{client: c}
}

func (pc *ProjectionCache) key(user string) string {
	return pc.client.Key("position:", user)
}

// Set stores a view and refreshes its TTL.
func (pc *ProjectionCache) Set(ctx context.Context, view domain.PositionView) error {
	data, err := sonnet.Marshal(view)
	if err != nil {
		return fmt.Errorf("redis: marshal view %s: %w", view.Position.User, err)
	}

	key := pc.key(view.Position.User)
	pipe := pc.client.Underlying().TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, projectionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set view %s: %w", view.Position.User, err)
	}
	return nil
}

// Get returns the cached view or domain.ErrNotFound.
func (pc *ProjectionCache) Get(ctx context.Context, user string) (domain.PositionView, error) {
	data, err := pc.client.Underlying().HGet(ctx, pc.key(user), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PositionView{}, domain.ErrNotFound
		}
		return domain.PositionView{}, fmt.Errorf("redis: get view %s: %w", user, err)
	}

	var view domain.PositionView
	if err := sonnet.Unmarshal(data, &view); err != nil {
		return domain.PositionView{}, fmt.Errorf("redis: unmarshal view %s: %w", user, err)
	}
	return view, nil
}

var _ domain.ProjectionCache = (*ProjectionCache)(nil)
