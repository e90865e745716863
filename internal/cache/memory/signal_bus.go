// Package memory implements the cache and bus interfaces in process, for
// simulate mode and tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

var _ domain.SignalBus = (*SignalBus)(nil)

type entry struct {
	seq     uint64
	payload []byte
}

// SignalBus keeps streams as append-only slices and fans pub/sub messages
// out to per-subscriber buffered channels. Slow subscribers drop messages,
// as Redis pub/sub would.
type SignalBus struct {
	mu      sync.Mutex
	seq     uint64
	streams map[string][]entry
	subs    map[string][]chan []byte
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		streams: make(map[string][]entry),
		subs:    make(map[string][]chan []byte),
	}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.streams[stream] = append(b.streams[stream], entry{seq: b.seq, payload: append([]byte(nil), payload...)})
	return nil
}

// StreamRead returns up to count entries after lastID. IDs look like Redis
// stream IDs ("<seq>-0"); "0" reads from the start and "$" returns nothing.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "$" {
		return nil, nil
	}
	after, err := parseID(lastID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, e := range b.streams[stream] {
		if e.seq <= after {
			continue
		}
		out = append(out, domain.StreamMessage{ID: formatID(e.seq), Payload: e.payload})
		if count > 0 && len(out) == count {
			break
		}
	}
	return out, nil
}

// Len returns the number of entries appended to stream.
func (b *SignalBus) Len(stream string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.streams[stream])
}

func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseID(id string) (uint64, error) {
	head, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memory: bad stream id %q: %w", id, err)
	}
	return n, nil
}
