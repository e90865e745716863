package memory

import (
	"context"
	"sync"
)

// Checkpoint keeps consumer positions in a map.
type Checkpoint struct {
	mu  sync.Mutex
	ids map[string]string
}

// NewCheckpoint creates an empty Checkpoint.
func NewCheckpoint() *Checkpoint {
	return &Checkpoint{ids: make(map[string]string)}
}

func (c *Checkpoint) Load(_ context.Context, name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ids[name], nil
}

func (c *Checkpoint) Save(_ context.Context, name, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[name] = id
	return nil
}
