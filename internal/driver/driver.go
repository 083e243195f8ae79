// Package driver hosts the authoritative timer loop. Exactly one driver
// runs per deployment: it observes the session document and performs the
// phase-advancing writes when a timed phase expires. Everyone else only
// reads state and submits answers.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lbaudoin/quizshow/internal/domain"
	"github.com/lbaudoin/quizshow/internal/game"
	"github.com/lbaudoin/quizshow/internal/store"
)

type Config struct {
	Store store.Store
	Game  *game.Service
	Clock clockwork.Clock
}

// scheduleKey identifies one timed phase occurrence. Re-observing the same
// key never re-arms the timer; observing a different key cancels whatever
// was pending first. That keeps scheduling idempotent across duplicate
// snapshots and safe across resets and manual overrides.
type scheduleKey struct {
	phase         domain.Phase
	questionIndex int
	startedAt     time.Time
}

type Driver struct {
	store store.Store
	game  *game.Service
	clock clockwork.Clock

	mu      sync.Mutex
	lastKey scheduleKey
	armed   bool
	pending clockwork.Timer
}

func New(c Config) *Driver {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return &Driver{
		store: c.Store,
		game:  c.Game,
		clock: c.Clock,
	}
}

// Run subscribes to the session document and keeps exactly one pending
// auto-advance armed until the context is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	if _, err := d.game.EnsureSession(ctx); err != nil {
		return err
	}

	snapshots, cancel, err := d.store.Subscribe(ctx, game.CollectionSession, game.SessionDocumentID)
	if err != nil {
		return fmt.Errorf("driver: subscribe session: %w", err)
	}
	defer cancel()

	slog.InfoContext(ctx, "driver: timer loop started")

	for {
		select {
		case <-ctx.Done():
			d.disarm()
			slog.InfoContext(ctx, "driver: timer loop stopped")
			return nil
		case snap, ok := <-snapshots:
			if !ok {
				d.disarm()
				return fmt.Errorf("driver: session subscription closed")
			}
			if !snap.Exists {
				continue
			}
			d.Observe(ctx, game.DecodeSession(snap.Fields))
		}
	}
}

// Observe reevaluates scheduling against one observed session state.
func (d *Driver) Observe(ctx context.Context, session domain.Session) {
	key := scheduleKey{
		phase:         session.Phase,
		questionIndex: session.QuestionIndex,
		startedAt:     session.PhaseStartedAt,
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.armed && key == d.lastKey {
		return
	}

	d.cancelPendingLocked()
	d.lastKey = key
	d.armed = true

	var (
		delay  time.Duration
		action func(context.Context) error
		label  string
	)
	switch session.Phase {
	case domain.PhaseInQuestion:
		delay = d.game.Remaining(d.clock.Now(), session.PhaseStartedAt)
		index := session.QuestionIndex
		action = func(ctx context.Context) error { return d.game.AdvanceToReveal(ctx, index) }
		label = "reveal answer"
	case domain.PhaseRevealAnswer:
		delay = d.game.RevealDuration()
		action = func(ctx context.Context) error { return d.game.AdvanceFromReveal(ctx) }
		label = "next question"
	default:
		// Untimed phase: nothing pending.
		return
	}

	timer := d.clock.NewTimer(delay)
	d.pending = timer

	slog.InfoContext(ctx, "driver: armed auto-advance",
		"phase", session.Phase,
		"question", session.QuestionIndex,
		"delay", delay,
		"next", label,
	)

	go func() {
		select {
		case <-timer.Chan():
			d.clearFired(timer)
			if err := action(context.WithoutCancel(ctx)); err != nil {
				slog.ErrorContext(ctx, "driver: auto-advance failed",
					"phase", session.Phase,
					"question", session.QuestionIndex,
					"error", err,
				)
			}
		case <-ctx.Done():
			stopAndDrain(timer)
		}
	}()
}

// disarm cancels any pending auto-advance and forgets the schedule key.
func (d *Driver) disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelPendingLocked()
	d.armed = false
}

func (d *Driver) cancelPendingLocked() {
	if d.pending != nil {
		stopAndDrain(d.pending)
		d.pending = nil
	}
}

// clearFired drops the pending reference, but only if it still belongs to
// the timer that fired. A reschedule may already have replaced it.
func (d *Driver) clearFired(timer clockwork.Timer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == timer {
		d.pending = nil
	}
}

// stopAndDrain stops a timer and drains its channel so the waiting
// goroutine cannot leak, per the time.Timer.Stop contract.
func stopAndDrain(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
