// Package window implements the per-window encoder source: it turns
// damage events into encoded draw packets on the session's bulk queue
// and applies the bandwidth and av-sync figures the session pushes
// down.
package window

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitmirrors2/xpra/session"
	"github.com/gitmirrors2/xpra/wire"
)

// batchDelay is how long damage accumulates before it is encoded;
// events landing inside the window are coalesced into one region.
const batchDelay = 20 * time.Millisecond

// EncodeFunc encodes one damaged region into a draw packet. It runs on
// the caller's goroutine; implementations own pixel grabbing and
// compression.
type EncodeFunc func(wid, x, y, w, h int, options map[string]any) (wire.Packet, error)

// Sink is where finished draw packets go. *session.Source implements
// it.
type Sink interface {
	QueueBulk(*session.Bulk) bool
}

// Window is one window's encoder source. It satisfies
// session.WindowSource.
type Window struct {
	log    *slog.Logger
	id     int
	sink   Sink
	encode EncodeFunc

	mu             sync.Mutex
	width          int
	height         int
	suspended      bool
	pending        *rect // coalesced damage not yet encoded
	pendingOptions map[string]any
	flushTimer     *time.Timer

	// damagePixels counts pixels encoded but not yet written out; the
	// session reads it as this window's share of recent demand.
	damagePixels   atomic.Int64
	bandwidthLimit atomic.Int64
	avSyncDelay    atomic.Int64
}

type rect struct {
	x, y, w, h int
}

func (r *rect) union(o rect) {
	x2 := max(r.x+r.w, o.x+o.w)
	y2 := max(r.y+r.h, o.y+o.h)
	r.x = min(r.x, o.x)
	r.y = min(r.y, o.y)
	r.w = x2 - r.x
	r.h = y2 - r.y
}

// New creates a window source of the given dimensions.
func New(id, width, height int, sink Sink, encode EncodeFunc, log *slog.Logger) *Window {
	if log == nil {
		log = slog.Default()
	}
	return &Window{
		log:    log.With("component", "window", "wid", id),
		id:     id,
		sink:   sink,
		encode: encode,
		width:  width,
		height: height,
	}
}

// ID returns the window id.
func (w *Window) ID() int { return w.id }

// Dimensions returns the window's current size.
func (w *Window) Dimensions() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

// Resize updates the window's size. Pending damage is dropped; the
// caller is expected to issue a full refresh after a resize.
func (w *Window) Resize(width, height int) {
	w.mu.Lock()
	w.width = width
	w.height = height
	w.dropPendingLocked()
	w.mu.Unlock()
}

// Suspended reports whether drawing for this window is paused.
func (w *Window) Suspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

// SetSuspended pauses or resumes drawing. Suspending drops pending
// damage.
func (w *Window) SetSuspended(suspended bool) {
	w.mu.Lock()
	w.suspended = suspended
	if suspended {
		w.dropPendingLocked()
	}
	w.mu.Unlock()
}

// DamagePixels returns the number of pixels encoded but not yet sent.
func (w *Window) DamagePixels() int64 { return w.damagePixels.Load() }

// SetBandwidthLimit applies the session's per-window bandwidth share in
// bytes per second. Zero means unconstrained.
func (w *Window) SetBandwidthLimit(limit int64) {
	w.bandwidthLimit.Store(limit)
}

// BandwidthLimit returns the current per-window limit.
func (w *Window) BandwidthLimit() int64 { return w.bandwidthLimit.Load() }

// SetAVSyncDelay applies the session's total av-sync delay in
// milliseconds. Encoders hold frames back by this much relative to
// audio.
func (w *Window) SetAVSyncDelay(ms int) {
	w.avSyncDelay.Store(int64(ms))
}

// AVSyncDelay returns the applied av-sync delay.
func (w *Window) AVSyncDelay() int { return int(w.avSyncDelay.Load()) }

// Damage records a damaged region, coalescing it with any damage still
// pending, and arms the batch timer that encodes the merged region onto
// the session's bulk queue. No-op while suspended or when the region
// clips to nothing.
func (w *Window) Damage(x, y, width, height int, options map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.suspended {
		return
	}
	r, ok := clip(rect{x, y, width, height}, w.width, w.height)
	if !ok {
		return
	}
	if w.pending != nil {
		w.pending.union(r)
	} else {
		w.pending = &r
	}
	if options != nil {
		w.pendingOptions = options
	}
	if w.flushTimer == nil {
		w.flushTimer = time.AfterFunc(batchDelay, w.flushPending)
	}
}

// CancelDamage drops any damage that has not been encoded yet and
// disarms the batch timer.
func (w *Window) CancelDamage() {
	w.mu.Lock()
	w.dropPendingLocked()
	w.mu.Unlock()
}

func (w *Window) dropPendingLocked() {
	w.pending = nil
	w.pendingOptions = nil
	if w.flushTimer != nil {
		w.flushTimer.Stop()
		w.flushTimer = nil
	}
}

// flushPending runs on the batch timer: it takes the merged region and
// encodes it. Pending damage cancelled or suspended since the timer was
// armed leaves nothing to do.
func (w *Window) flushPending() {
	w.mu.Lock()
	w.flushTimer = nil
	r := w.pending
	options := w.pendingOptions
	w.pending = nil
	w.pendingOptions = nil
	suspended := w.suspended
	w.mu.Unlock()

	if r == nil || suspended {
		return
	}
	w.flush(*r, options)
}

func (w *Window) flush(r rect, options map[string]any) {
	pixels := int64(r.w) * int64(r.h)
	w.damagePixels.Add(pixels)

	pkt, err := w.encode(w.id, r.x, r.y, r.w, r.h, options)
	if err != nil {
		w.damagePixels.Add(-pixels)
		w.log.Error("encode failed", "error", err,
			"x", r.x, "y", r.y, "w", r.w, "h", r.h)
		return
	}

	queued := w.sink.QueueBulk(&session.Bulk{
		Packet:  pkt,
		EndSend: func() { w.damagePixels.Add(-pixels) },
		Fail: func(err error) {
			w.damagePixels.Add(-pixels)
			w.log.Warn("draw packet dropped", "error", err)
		},
	})
	if !queued {
		w.damagePixels.Add(-pixels)
	}
}

func clip(r rect, maxW, maxH int) (rect, bool) {
	if r.x < 0 {
		r.w += r.x
		r.x = 0
	}
	if r.y < 0 {
		r.h += r.y
		r.y = 0
	}
	if r.x+r.w > maxW {
		r.w = maxW - r.x
	}
	if r.y+r.h > maxH {
		r.h = maxH - r.y
	}
	if r.w <= 0 || r.h <= 0 {
		return rect{}, false
	}
	return r, true
}
