package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var _ domain.ProjectionCache = (*ProjectionCache)(nil)

// ProjectionCache keeps the latest position view per user.
type ProjectionCache struct {
	mu    sync.RWMutex
	views map[string]domain.PositionView
}

// NewProjectionCache creates an empty ProjectionCache.
func NewProjectionCache() *ProjectionCache {
	return &ProjectionCache{views: make(map[string]domain.PositionView)}
}

func (c *ProjectionCache) Set(_ context.Context, view domain.PositionView) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[view.Position.User] = view
	return nil
}

func (c *ProjectionCache) Get(_ context.Context, user string) (domain.PositionView, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.views[user]
	if !ok {
		return domain.PositionView{}, fmt.Errorf("memory: view %s: %w", user, domain.ErrNotFound)
	}
	return v, nil
}
