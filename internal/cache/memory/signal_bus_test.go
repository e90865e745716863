package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/domain"
)

func TestStreamReadAfterID(t *testing.T) {
	b := NewSignalBus()
	ctx := context.Background()
	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, b.StreamAppend(ctx, "s", []byte(p)))
	}

	msgs, err := b.StreamRead(ctx, "s", "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", string(msgs[0].Payload))

	msgs, err = b.StreamRead(ctx, "s", msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", string(msgs[0].Payload))

	_, err = b.StreamRead(ctx, "s", "garbage", 1)
	assert.Error(t, err)
}

func TestSubscribeReceivesPublished(t *testing.T) {
	b := NewSignalBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := b.Subscribe(ctx, "events")
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, "events", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
}

func TestLockManagerExclusive(t *testing.T) {
	m := NewLockManager()
	ctx := context.Background()

	unlock, err := m.Acquire(ctx, "user:0xabc", time.Minute)
	require.NoError(t, err)
	_, err = m.Acquire(ctx, "user:0xabc", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock2, err := m.Acquire(ctx, "user:0xabc", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	l := NewRateLimiter()
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
	assert.False(t, ok)
	ok, _ = l.Allow(ctx, "api:5.6.7.8", 3, time.Minute)
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
	assert.True(t, ok)
}
