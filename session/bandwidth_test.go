package session

import (
	"log/slog"
	"testing"
	"time"
)

func TestComputeSoftLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		hard      int64
		detected  int64
		detection bool
		want      int64
	}{
		{"no limits", 0, 0, true, 0},
		{"detected only", 0, 500_000, true, 500_000},
		{"detection disabled stays unconstrained", 400_000, 500_000, false, 0},
		{"above high water means unconstrained", 0, 25 * 1024 * 1024, true, 0},
		{"hard caps detected", 400_000, 500_000, true, 400_000},
		{"detected below hard wins", 400_000, 300_000, true, 300_000},
		{"high-water reset ignores hard limit", 400_000, 25 * 1024 * 1024, true, 0},
		{"no congestion observed stays unconstrained", 400_000, 0, true, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := computeSoftLimit(tt.hard, tt.detected, tt.detection); got != tt.want {
				t.Errorf("computeSoftLimit(%d, %d, %v) = %d, want %d",
					tt.hard, tt.detected, tt.detection, got, tt.want)
			}
		})
	}
}

func TestDistributeBandwidthByWeight(t *testing.T) {
	t.Parallel()

	// weights 100 and 300: a 1000 B/s budget splits 250/750
	windows := map[int]WindowSource{
		1: &fakeWindow{width: 10, height: 10},
		2: &fakeWindow{width: 10, height: 10, damaged: 200},
	}
	limits := distributeBandwidth(1000, windows)

	if got := limits[1]; got != 250 {
		t.Errorf("window 1 limit = %d, want 250", got)
	}
	if got := limits[2]; got != 750 {
		t.Errorf("window 2 limit = %d, want 750", got)
	}
}

func TestDistributeBandwidthFloor(t *testing.T) {
	t.Parallel()

	// tiny window next to a huge one still gets at least 1 byte/s
	windows := map[int]WindowSource{
		1: &fakeWindow{width: 1, height: 1},
		2: &fakeWindow{width: 4000, height: 4000},
	}
	limits := distributeBandwidth(100, windows)
	if got := limits[1]; got != 1 {
		t.Errorf("starved window limit = %d, want floor of 1", got)
	}
}

func TestDistributeBandwidthSkipsSuspended(t *testing.T) {
	t.Parallel()

	windows := map[int]WindowSource{
		1: &fakeWindow{width: 100, height: 100, suspended: true},
		2: &fakeWindow{width: 100, height: 100},
	}
	limits := distributeBandwidth(1000, windows)
	if _, ok := limits[1]; ok {
		t.Error("suspended window received a bandwidth entry")
	}
	if got := limits[2]; got != 1000 {
		t.Errorf("active window limit = %d, want the full 1000", got)
	}
}

func TestDistributeBandwidthZeroTotalWeight(t *testing.T) {
	t.Parallel()

	windows := map[int]WindowSource{
		1: &fakeWindow{suspended: true},
		2: &fakeWindow{}, // 0x0, no damage
	}
	if limits := distributeBandwidth(1000, windows); limits != nil {
		t.Errorf("zero total weight should yield nil, got %v", limits)
	}
	if limits := distributeBandwidth(0, map[int]WindowSource{1: &fakeWindow{width: 1, height: 1}}); limits != nil {
		t.Errorf("unconstrained soft limit should yield nil, got %v", limits)
	}
}

func TestUpdateBandwidthLimitsPushesToWindows(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := New(tr, Config{BandwidthLimit: 1000, BandwidthDetection: true, Log: discardLogger()})
	defer s.Close()

	w1 := &fakeWindow{width: 10, height: 10}
	w2 := &fakeWindow{width: 10, height: 10, damaged: 200}
	s.AddWindow(1, w1)
	s.AddWindow(2, w2)

	// detected congestion above the hard limit: the hard limit caps it
	s.Stats().RecordCongestionSendSpeed(2000)
	s.UpdateBandwidthLimits()

	if got := w1.limit(); got != 250 {
		t.Errorf("window 1 limit = %d, want 250", got)
	}
	if got := w2.limit(); got != 750 {
		t.Errorf("window 2 limit = %d, want 750", got)
	}

	// idempotent when nothing changed
	s.UpdateBandwidthLimits()
	if got := w2.limit(); got != 750 {
		t.Errorf("window 2 limit after second update = %d, want 750", got)
	}
}

func TestUpdateBandwidthLimitsNoCongestionNoShaping(t *testing.T) {
	t.Parallel()

	// a hard limit alone never activates shaping: it only caps what
	// congestion detection actually observed
	tr := newFakeTransport()
	s := New(tr, Config{BandwidthLimit: 1000, BandwidthDetection: true, Log: discardLogger()})
	defer s.Close()

	w := &fakeWindow{width: 10, height: 10}
	s.AddWindow(1, w)
	s.UpdateBandwidthLimits()

	if got := w.limit(); got != 0 {
		t.Errorf("window limit = %d without observed congestion, want 0", got)
	}
}

func TestUpdateBandwidthLimitsUsesDetectedSpeed(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := New(tr, Config{BandwidthDetection: true, Log: discardLogger()})
	defer s.Close()

	w := &fakeWindow{width: 10, height: 10}
	s.AddWindow(1, w)

	s.Stats().RecordCongestionSendSpeed(800)
	s.UpdateBandwidthLimits()
	if got := w.limit(); got != 800 {
		t.Errorf("window limit = %d, want detected 800", got)
	}
}

func TestUpdateBandwidthLimitsUnshapedTransport(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	tr.unshaped = true
	s := New(tr, Config{BandwidthLimit: 1000, BandwidthDetection: true, Log: discardLogger()})
	defer s.Close()

	w := &fakeWindow{width: 10, height: 10}
	s.AddWindow(1, w)
	s.Stats().RecordCongestionSendSpeed(100)
	s.UpdateBandwidthLimits()

	if got := w.limit(); got != 0 {
		t.Errorf("unshaped transport still pushed limit %d", got)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
