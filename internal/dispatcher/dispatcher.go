// Package dispatcher is the reactive side of the system. It observes origin
// signals and answers with instructions: authorize the next loop step, halt
// a sequence, start or request an unwind, or abort a step whose
// confirmation never arrived. It never runs two steps for one user at once.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/loopvault/internal/domain"
	"github.com/alanyoungcy/loopvault/internal/safety"
)

// Config tunes the dispatcher's timing.
type Config struct {
	ConfirmationTimeout time.Duration
	SweepInterval       time.Duration
	DedupTTL            time.Duration
}

// Alerts sends operator notifications. *notify.Notifier satisfies it.
type Alerts interface {
	Notify(ctx context.Context, event, title, message string) error
}

// TrackerView is the dispatcher's belief about one user.
type TrackerView struct {
	User          string          `json:"user"`
	ObserveOnly   bool            `json:"observe_only"`
	Sequence      int64           `json:"sequence"`
	Looping       bool            `json:"looping"`
	Pending       int             `json:"pending_step"`
	Deadline      time.Time       `json:"deadline,omitempty"`
	UnwindPending bool            `json:"unwind_pending"`
	RiskSignalled bool            `json:"risk_signalled"`
	HealthFactor  decimal.Decimal `json:"health_factor"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type tracker struct {
	TrackerView
	known bool
}

// Dispatcher keeps one tracker per user and reacts to each signal.
type Dispatcher struct {
	guard  *safety.Guard
	out    domain.InstructionPublisher
	alerts Alerts
	dedup  *Dedup
	cfg    Config

	mu       sync.Mutex
	trackers map[string]*tracker

	now    func() time.Time
	logger *slog.Logger
}

// New creates a Dispatcher sending instructions through out.
func New(guard *safety.Guard, out domain.InstructionPublisher, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Dispatcher{
		guard:    guard,
		out:      out,
		dedup:    NewDedup(cfg.DedupTTL),
		cfg:      cfg,
		trackers: make(map[string]*tracker),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "dispatcher")),
	}
}

// SetAlerts routes risk on observe-only positions to a.
func (d *Dispatcher) SetAlerts(a Alerts) {
	d.alerts = a
}

// dedupKey identifies a signal. Loop signals are keyed by sequence and step
// so the same transition seen through two paths is handled once; everything
// else is keyed by its ID.
func dedupKey(ev domain.Event) string {
	switch ev.Kind {
	case domain.EventLoopRequested, domain.EventLoopStepCompleted,
		domain.EventLoopingCompleted, domain.EventLoopHalted, domain.EventLoopFailed:
		return fmt.Sprintf("%s:%s:%d:%d", ev.Kind, ev.User, ev.Sequence, ev.LoopNumber)
	default:
		return string(ev.Kind) + ":" + ev.ID
	}
}

// Handle applies one origin signal. Instruction delivery failures are
// logged; an authorization that never reaches the origin is recovered by
// the confirmation timeout.
func (d *Dispatcher) Handle(ctx context.Context, ev domain.Event) error {
	if ev.User == "" {
		return fmt.Errorf("dispatcher: %s signal without user", ev.Kind)
	}
	if d.dedup.IsDuplicate(dedupKey(ev)) {
		d.logger.DebugContext(ctx, "duplicate signal dropped",
			slog.String("kind", string(ev.Kind)),
			slog.String("user", ev.User),
			slog.String("id", ev.ID),
		)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	t := d.tracker(ev.User)
	defer func() {
		t.known = true
		t.UpdatedAt = d.now()
	}()

	if ev.Source == domain.SourceChain {
		d.observe(ctx, t, ev)
		return nil
	}

	switch ev.Kind {
	case domain.EventLoopRequested:
		t.Sequence = ev.Sequence
		t.Looping = true
		t.Pending = 0
		if t.UnwindPending {
			d.send(ctx, domain.Instruction{Kind: domain.InstructionHaltLoop, User: ev.User, Reason: string(domain.StopUnwindRequested)})
			return nil
		}
		d.authorize(ctx, t, ev.LoopNumber+1)

	case domain.EventLoopStepCompleted:
		n := ev.LoopNumber
		if ev.Step != nil {
			n = ev.Step.LoopNumber
		}
		if !t.known || ev.Sequence > t.Sequence {
			// The request was handled before a restart, or never reached us.
			// The signal carries everything needed to resume.
			d.logger.InfoContext(ctx, "tracker rebuilt from step signal",
				slog.String("user", ev.User),
				slog.Int64("sequence", ev.Sequence),
				slog.Int("loop_number", n),
			)
			t.Sequence = ev.Sequence
			t.Looping = true
			t.Pending = n
		}
		if ev.Sequence != t.Sequence || t.Pending == 0 || n != t.Pending {
			d.logger.InfoContext(ctx, "stale step confirmation ignored",
				slog.String("user", ev.User),
				slog.Int("loop_number", n),
				slog.Int("pending", t.Pending),
			)
			return nil
		}
		t.Pending = 0
		t.Deadline = time.Time{}
		t.HealthFactor = ev.HealthFactor

		if d.guard.IsAtRisk(ev.HealthFactor, ev.Position.TotalDebt) {
			d.requestUnwind(ctx, t, "health factor "+ev.HealthFactor.String()+" after step")
			return nil
		}
		if t.UnwindPending {
			return nil
		}
		if dec := d.guard.CanContinueLooping(ev.Position); dec.Continue {
			d.authorize(ctx, t, n+1)
		} else {
			d.logger.InfoContext(ctx, "guard stops sequence",
				slog.String("user", ev.User),
				slog.String("reason", string(dec.Reason)),
				slog.Int64("ltv", ev.Position.CurrentLTV),
			)
		}

	case domain.EventLoopingCompleted, domain.EventLoopHalted, domain.EventLoopFailed:
		// Sequences failed on restart recovery carry no number.
		if ev.Sequence != 0 && ev.Sequence < t.Sequence {
			return nil
		}
		t.Looping = false
		t.Pending = 0
		t.Deadline = time.Time{}
		if t.UnwindPending {
			d.send(ctx, domain.Instruction{Kind: domain.InstructionStartUnwind, User: ev.User})
		}

	case domain.EventUnwindRequested:
		t.UnwindPending = true
		looping := ev.Position.IsLooping
		if t.known {
			looping = t.Looping
		}
		if looping {
			d.send(ctx, domain.Instruction{Kind: domain.InstructionHaltLoop, User: ev.User, Reason: string(domain.StopUnwindRequested)})
		} else {
			d.send(ctx, domain.Instruction{Kind: domain.InstructionStartUnwind, User: ev.User})
		}

	case domain.EventHealthObserved:
		t.HealthFactor = ev.HealthFactor
		if d.guard.IsAtRisk(ev.HealthFactor, ev.Position.TotalDebt) {
			d.requestUnwind(ctx, t, "health factor "+ev.HealthFactor.String())
		} else if !t.UnwindPending {
			t.RiskSignalled = false
		}

	case domain.EventUnwindCompleted:
		t.UnwindPending = false
		t.RiskSignalled = false
		t.Looping = false
		t.Pending = 0

	case domain.EventUnwindFailed:
		t.UnwindPending = false
		t.RiskSignalled = false

	case domain.EventUnwindStepCompleted:
	default:
		d.logger.WarnContext(ctx, "unknown signal kind", slog.String("kind", string(ev.Kind)))
	}
	return nil
}

// observe tracks a position whose loop runs outside this system. Nothing
// can be instructed there, so risk goes to the operator instead.
func (d *Dispatcher) observe(ctx context.Context, t *tracker, ev domain.Event) {
	t.ObserveOnly = true

	switch ev.Kind {
	case domain.EventLoopRequested:
		t.Sequence = ev.Sequence
		t.Looping = true
		return
	case domain.EventLoopStepCompleted, domain.EventHealthObserved:
		t.HealthFactor = ev.HealthFactor
	case domain.EventLoopingCompleted, domain.EventLoopHalted, domain.EventLoopFailed:
		t.Looping = false
		return
	default:
		return
	}

	if !d.guard.IsAtRisk(ev.HealthFactor, ev.Position.TotalDebt) {
		t.RiskSignalled = false
		return
	}
	if t.RiskSignalled {
		return
	}
	t.RiskSignalled = true
	d.logger.WarnContext(ctx, "observed position at risk",
		slog.String("user", t.User),
		slog.String("health_factor", ev.HealthFactor.String()),
		slog.Int64("ltv", ev.Position.CurrentLTV),
	)
	if d.alerts == nil {
		return
	}
	msg := fmt.Sprintf("user %s\nhealth factor %s ltv %d bps debt %s",
		t.User, ev.HealthFactor.StringFixed(4), ev.Position.CurrentLTV, ev.Position.TotalDebt)
	if err := d.alerts.Notify(ctx, domain.AlertObservedRisk, "On-chain position at risk", msg); err != nil {
		d.logger.WarnContext(ctx, "risk alert failed",
			slog.String("user", t.User),
			slog.String("error", err.Error()),
		)
	}
}

// authorize issues ExecuteStep(n) for the tracked sequence and starts its
// confirmation clock.
func (d *Dispatcher) authorize(ctx context.Context, t *tracker, n int) {
	t.Pending = n
	t.Deadline = d.now().Add(d.cfg.ConfirmationTimeout)
	d.send(ctx, domain.Instruction{Kind: domain.InstructionExecuteStep, User: t.User, Sequence: t.Sequence, LoopNumber: n})
}

// requestUnwind asks the origin for a risk unwind once per risk episode.
func (d *Dispatcher) requestUnwind(ctx context.Context, t *tracker, reason string) {
	if t.UnwindPending || t.RiskSignalled {
		return
	}
	t.RiskSignalled = true
	d.logger.WarnContext(ctx, "position at risk",
		slog.String("user", t.User),
		slog.String("reason", reason),
	)
	d.send(ctx, domain.Instruction{Kind: domain.InstructionRequestUnwind, User: t.User, Reason: reason})
}

// Sweep aborts authorizations whose confirmation is overdue and returns how
// many it aborted.
func (d *Dispatcher) Sweep(ctx context.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	aborted := 0
	for _, t := range d.trackers {
		if t.Pending == 0 || now.Before(t.Deadline) {
			continue
		}
		d.logger.WarnContext(ctx, "step confirmation timed out",
			slog.String("user", t.User),
			slog.Int("loop_number", t.Pending),
			slog.Time("deadline", t.Deadline),
		)
		d.send(ctx, domain.Instruction{
			Kind:       domain.InstructionAbortStep,
			User:       t.User,
			Sequence:   t.Sequence,
			LoopNumber: t.Pending,
			Reason:     domain.ErrConfirmationTimeout.Error(),
		})
		t.Pending = 0
		t.Deadline = time.Time{}
		t.UpdatedAt = now
		aborted++
	}
	return aborted
}

// Run sweeps for timeouts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	d.logger.InfoContext(ctx, "dispatcher sweeper started",
		slog.Duration("confirmation_timeout", d.cfg.ConfirmationTimeout),
		slog.Duration("interval", d.cfg.SweepInterval),
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Sweep(ctx)
			d.dedup.Cleanup()
		}
	}
}

// Trackers returns every tracker, ordered by user.
func (d *Dispatcher) Trackers() []TrackerView {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]TrackerView, 0, len(d.trackers))
	for _, t := range d.trackers {
		out = append(out, t.TrackerView)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out
}

// Tracker returns the view for one user.
func (d *Dispatcher) Tracker(user string) (TrackerView, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.trackers[user]
	if !ok {
		return TrackerView{}, false
	}
	return t.TrackerView, true
}

func (d *Dispatcher) tracker(user string) *tracker {
	t, ok := d.trackers[user]
	if !ok {
		t = &tracker{TrackerView: TrackerView{User: user}}
		d.trackers[user] = t
	}
	return t
}

func (d *Dispatcher) send(ctx context.Context, in domain.Instruction) {
	in.ID = uuid.NewString()
	in.IssuedAt = d.now()
	if err := d.out.PublishInstruction(ctx, in); err != nil {
		d.logger.ErrorContext(ctx, "publish instruction failed",
			slog.String("user", in.User),
			slog.String("kind", string(in.Kind)),
			slog.Int64("sequence", in.Sequence),
			slog.Int("loop_number", in.LoopNumber),
			slog.String("error", err.Error()),
		)
		return
	}
	d.logger.DebugContext(ctx, "instruction sent",
		slog.String("user", in.User),
		slog.String("kind", string(in.Kind)),
		slog.Int("loop_number", in.LoopNumber),
	)
}
