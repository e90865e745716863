package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/loopvault/internal/bridge"
	"github.com/alanyoungcy/loopvault/internal/cache/memory"
	"github.com/alanyoungcy/loopvault/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	name   string
	err    error
	titles []string
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return s.name }

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func TestNotifierFilter(t *testing.T) {
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{"LoopFailed", " UnwindFailed "}, discard())

	require.NoError(t, n.Notify(context.Background(), "LoopFailed", "a", ""))
	require.NoError(t, n.Notify(context.Background(), "LoopStepCompleted", "b", ""))
	require.NoError(t, n.Notify(context.Background(), "UnwindFailed", "c", ""))
	require.NoError(t, n.NotifyAll(context.Background(), "d", ""))

	assert.Equal(t, []string{"a", "c", "d"}, s.sent())
}

func TestNotifierContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordingSender{name: "bad", err: errors.New("boom")}
	good := &recordingSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard())

	err := n.Notify(context.Background(), "anything", "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Equal(t, []string{"t"}, good.sent())
}

func TestTelegramSend(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42", srv.URL)
	require.NoError(t, s.Send(context.Background(), "Loop halted", "details"))
	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Loop halted*\ndetails", got["text"])
}

func TestDiscordSendRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("invalid webhook"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "invalid webhook")
}

func TestDescribeSkipsUserUnwind(t *testing.T) {
	_, _, ok := describe(domain.Event{Kind: domain.EventUnwindRequested, Trigger: domain.TriggerUser})
	assert.False(t, ok)

	title, msg, ok := describe(domain.Event{
		Kind:         domain.EventUnwindRequested,
		Trigger:      domain.TriggerRisk,
		User:         "0xabc",
		HealthFactor: decimal.RequireFromString("1.05"),
	})
	require.True(t, ok)
	assert.Equal(t, "Risk unwind", title)
	assert.Contains(t, msg, "1.0500")

	_, _, ok = describe(domain.Event{Kind: domain.EventLoopStepCompleted})
	assert.False(t, ok)
}

func TestAlerterRunForwardsEvents(t *testing.T) {
	bus := memory.NewSignalBus()
	s := &recordingSender{name: "rec"}
	a := NewAlerter(NewNotifier([]Sender{s}, DefaultEvents, discard()), discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, bus, bridge.EventChannel) }()

	payload, err := bridge.EncodeEvent(domain.Event{Kind: domain.EventLoopHalted, User: "0xabc", Reason: "no_progress"})
	require.NoError(t, err)

	// Run subscribes asynchronously; publish until the alert lands.
	require.Eventually(t, func() bool {
		_ = bus.Publish(ctx, bridge.EventChannel, payload)
		return len(s.sent()) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Loop halted", s.sent()[0])

	cancel()
	require.NoError(t, <-done)
}
