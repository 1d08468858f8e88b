package session

import (
	"sync"

	"github.com/gitmirrors2/xpra/wire"
)

// fakeTransport records everything the session pushes at it and lets
// tests drain the registered packet source directly.
type fakeTransport struct {
	mu       sync.Mutex
	source   wire.PacketSource
	wakes    int
	maxFrame int64
	compress int
	unshaped bool
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{maxFrame: wire.DefaultMaxFrameSize}
}

func (f *fakeTransport) SetPacketSource(src wire.PacketSource) {
	f.mu.Lock()
	f.source = src
	f.mu.Unlock()
}

func (f *fakeTransport) SourceHasMore() {
	f.mu.Lock()
	f.wakes++
	f.mu.Unlock()
}

func (f *fakeTransport) MaxFrameSize() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxFrame
}

func (f *fakeTransport) SetMaxFrameSize(n int64) {
	f.mu.Lock()
	f.maxFrame = n
	f.mu.Unlock()
}

func (f *fakeTransport) SetCompressLevel(level int) {
	f.mu.Lock()
	f.compress = level
	f.mu.Unlock()
}

func (f *fakeTransport) Unshaped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unshaped
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) wakeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wakes
}

// drain pulls packets from the registered source until it runs dry and
// returns the packet types in order.
func (f *fakeTransport) drain() []string {
	f.mu.Lock()
	src := f.source
	f.mu.Unlock()

	var types []string
	for {
		np := src()
		if np.Packet == nil {
			return types
		}
		types = append(types, np.Packet.Type())
	}
}

type damageRect struct {
	x, y, w, h int
}

// fakeWindow is a recording WindowSource.
type fakeWindow struct {
	mu        sync.Mutex
	suspended bool
	width     int
	height    int
	damaged   int64

	bandwidthLimit int64
	avSyncDelay    int
	avSyncSet      int
	damages        []damageRect
	cancels        int
}

func (w *fakeWindow) Suspended() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.suspended
}

func (w *fakeWindow) Dimensions() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

func (w *fakeWindow) DamagePixels() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.damaged
}

func (w *fakeWindow) SetBandwidthLimit(limit int64) {
	w.mu.Lock()
	w.bandwidthLimit = limit
	w.mu.Unlock()
}

func (w *fakeWindow) SetAVSyncDelay(ms int) {
	w.mu.Lock()
	w.avSyncDelay = ms
	w.avSyncSet++
	w.mu.Unlock()
}

func (w *fakeWindow) Damage(x, y, width, height int, options map[string]any) {
	w.mu.Lock()
	w.damages = append(w.damages, damageRect{x, y, width, height})
	w.mu.Unlock()
}

func (w *fakeWindow) CancelDamage() {
	w.mu.Lock()
	w.cancels++
	w.mu.Unlock()
}

func (w *fakeWindow) limit() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bandwidthLimit
}

func (w *fakeWindow) avDelay() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.avSyncDelay
}

type fakeAudio struct {
	latency int
}

func (a *fakeAudio) EncoderLatency() int { return a.latency }
