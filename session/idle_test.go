package session

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestGraceDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		idleTimeout  time.Duration
		gracePercent int
		want         time.Duration
	}{
		{"one minute default percent", 60 * time.Second, 90, 10 * time.Second},
		{"short timeout hits the floor", 30 * time.Second, 90, 10 * time.Second},
		{"long timeout scales", 600 * time.Second, 90, 60 * time.Second},
		{"half split", 600 * time.Second, 50, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := graceDuration(tt.idleTimeout, tt.gracePercent); got != tt.want {
				t.Errorf("graceDuration(%v, %d) = %v, want %v",
					tt.idleTimeout, tt.gracePercent, got, tt.want)
			}
		})
	}
}

func TestIdleTimersGraceBeforeIdle(t *testing.T) {
	t.Parallel()

	var graceAt, idleAt atomic.Int64
	start := time.Now()
	timers := NewIdleTimers(100*time.Millisecond, 50,
		func() { graceAt.Store(int64(time.Since(start))) },
		func() { idleAt.Store(int64(time.Since(start))) },
		discardLogger())
	defer timers.Close()

	waitFor(t, time.Second, func() bool { return idleAt.Load() > 0 })

	if graceAt.Load() == 0 {
		t.Fatal("grace callback never fired")
	}
	if graceAt.Load() >= idleAt.Load() {
		t.Errorf("grace fired at %v, after idle at %v",
			time.Duration(graceAt.Load()), time.Duration(idleAt.Load()))
	}
	if !timers.Idle() {
		t.Error("Idle() = false after the idle callback fired")
	}
}

func TestIdleTimersIdleRepeats(t *testing.T) {
	t.Parallel()

	var idles atomic.Int32
	var graces atomic.Int32
	timers := NewIdleTimers(50*time.Millisecond, 50,
		func() { graces.Add(1) },
		func() { idles.Add(1) },
		discardLogger())
	defer timers.Close()

	waitFor(t, 2*time.Second, func() bool { return idles.Load() >= 3 })

	// only the idle timer re-arms itself
	if got := graces.Load(); got != 1 {
		t.Errorf("grace fired %d times, want 1", got)
	}
}

func TestIdleTimersActivityRearms(t *testing.T) {
	t.Parallel()

	var idles atomic.Int32
	timers := NewIdleTimers(80*time.Millisecond, 50,
		nil,
		func() { idles.Add(1) },
		discardLogger())
	defer timers.Close()

	// keep poking before the timeout elapses
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		if wasIdle := timers.Activity(); wasIdle {
			t.Fatal("Activity reported idle while being poked")
		}
	}
	if got := idles.Load(); got != 0 {
		t.Errorf("idle fired %d times despite steady activity", got)
	}

	// now let it go idle, then confirm Activity reports the transition
	waitFor(t, time.Second, func() bool { return idles.Load() > 0 })
	if !timers.Activity() {
		t.Error("Activity() = false immediately after going idle")
	}
	if timers.Idle() {
		t.Error("Idle() = true after activity")
	}
}

func TestIdleTimersDisabled(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	timers := NewIdleTimers(0, 90,
		func() { fired.Add(1) },
		func() { fired.Add(1) },
		discardLogger())
	defer timers.Close()

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("disabled timers fired %d times", got)
	}
	if timers.Activity() {
		t.Error("disabled timers reported idle")
	}
}

func TestIdleTimersClose(t *testing.T) {
	t.Parallel()

	var fired atomic.Int32
	timers := NewIdleTimers(30*time.Millisecond, 50,
		func() { fired.Add(1) },
		func() { fired.Add(1) },
		discardLogger())
	timers.Close()
	timers.Close()

	time.Sleep(80 * time.Millisecond)
	if got := fired.Load(); got != 0 {
		t.Errorf("callbacks fired %d times after Close", got)
	}
}
