package session

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePercent puts the grace warning at 90% of the idle
// timeout, i.e. the grace window is the final 10%.
const DefaultGracePercent = 90

// minGraceDuration is the floor on the grace window.
const minGraceDuration = 10 * time.Second

// graceDuration computes how long before the idle timeout the grace
// warning fires: idleTimeout*(100-gracePercent)/100, never less than
// minGraceDuration.
func graceDuration(idleTimeout time.Duration, gracePercent int) time.Duration {
	g := idleTimeout * time.Duration(100-gracePercent) / 100
	if g < minGraceDuration {
		g = minGraceDuration
	}
	return g
}

// IdleTimers drives the two-timer idle state machine for a session: a
// grace timer warning of imminent idleness and an idle timer that marks
// the session idle and re-arms itself while the client stays inactive.
// All transitions are serialized by the internal mutex, so timer fires
// cannot race activity events or close.
type IdleTimers struct {
	log *slog.Logger

	idleTimeout   time.Duration
	graceDuration time.Duration

	onGrace func()
	onIdle  func()

	mu         sync.Mutex
	idle       bool
	closed     bool
	idleTimer  *time.Timer
	graceTimer *time.Timer
}

// NewIdleTimers creates the controller and arms both timers. A
// non-positive idleTimeout disables both timers entirely. gracePercent
// outside (0,100] falls back to DefaultGracePercent.
func NewIdleTimers(idleTimeout time.Duration, gracePercent int, onGrace, onIdle func(), log *slog.Logger) *IdleTimers {
	if log == nil {
		log = slog.Default()
	}
	if gracePercent <= 0 || gracePercent > 100 {
		gracePercent = DefaultGracePercent
	}
	t := &IdleTimers{
		log:           log.With("component", "idle-timers"),
		idleTimeout:   idleTimeout,
		graceDuration: graceDuration(idleTimeout, gracePercent),
		onGrace:       onGrace,
		onIdle:        onIdle,
	}
	t.mu.Lock()
	t.scheduleGraceLocked()
	t.scheduleIdleLocked()
	t.mu.Unlock()
	return t
}

// Activity records a qualifying user event: both timers are re-armed
// and the idle flag cleared. Returns true when the session was idle, so
// the caller can run its un-idle action.
func (t *IdleTimers) Activity() (wasIdle bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	wasIdle = t.idle
	t.idle = false
	t.scheduleGraceLocked()
	t.scheduleIdleLocked()
	return wasIdle
}

// Idle reports whether the session is currently idle.
func (t *IdleTimers) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.idle
}

// GraceDuration returns the computed grace window.
func (t *IdleTimers) GraceDuration() time.Duration { return t.graceDuration }

// Close cancels both timers. Idempotent; fires after Close are no-ops.
func (t *IdleTimers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cancelLocked(&t.idleTimer)
	t.cancelLocked(&t.graceTimer)
}

func (t *IdleTimers) cancelLocked(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

func (t *IdleTimers) scheduleIdleLocked() {
	t.cancelLocked(&t.idleTimer)
	if t.idleTimeout <= 0 || t.closed {
		return
	}
	t.idleTimer = time.AfterFunc(t.idleTimeout, t.idleFired)
}

func (t *IdleTimers) scheduleGraceLocked() {
	t.cancelLocked(&t.graceTimer)
	if t.idleTimeout <= 0 || t.closed {
		return
	}
	delay := t.idleTimeout - t.graceDuration
	if delay < 0 {
		delay = 0
	}
	t.graceTimer = time.AfterFunc(delay, t.graceFired)
}

func (t *IdleTimers) graceFired() {
	t.mu.Lock()
	t.graceTimer = nil
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.log.Debug("idle grace timeout")
	if t.onGrace != nil {
		t.onGrace()
	}
}

func (t *IdleTimers) idleFired() {
	t.mu.Lock()
	t.idleTimer = nil
	closed := t.closed
	if !closed {
		t.idle = true
	}
	t.mu.Unlock()
	if closed {
		return
	}
	t.log.Debug("idle timeout")
	if t.onIdle != nil {
		t.onIdle()
	}
	// Re-arm the idle timer only: repeated idle callbacks fire
	// periodically while the client stays inactive, the grace warning
	// does not repeat.
	t.mu.Lock()
	t.scheduleIdleLocked()
	t.mu.Unlock()
}
