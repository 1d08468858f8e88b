package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// congestionWindow is how far back send-speed samples are considered
// when computing the average congestion send speed.
const congestionWindow = 10 * time.Second

// NetStats accumulates network telemetry for one session. Congestion
// events recorded by the transport feed a sliding window whose average
// is the input to bandwidth allocation; counters are atomic so the
// transport writer and control threads can update them without locking.
type NetStats struct {
	packetsSent atomic.Int64
	bytesSent   atomic.Int64

	// speedMu guards speedWindow
	speedMu     sync.Mutex
	speedWindow []speedSample
}

type speedSample struct {
	ts    time.Time
	speed int64 // bytes per second
}

// NewNetStats creates an empty NetStats.
func NewNetStats() *NetStats {
	return &NetStats{}
}

// RecordPacket records one sent packet of the given body size.
func (n *NetStats) RecordPacket(bytes int64) {
	n.packetsSent.Add(1)
	n.bytesSent.Add(bytes)
}

// PacketsSent returns the total packets recorded.
func (n *NetStats) PacketsSent() int64 { return n.packetsSent.Load() }

// BytesSent returns the total body bytes recorded.
func (n *NetStats) BytesSent() int64 { return n.bytesSent.Load() }

// RecordCongestionSendSpeed records an observed send speed in bytes per
// second, measured by the transport when it detects backpressure.
// Non-positive samples are ignored.
func (n *NetStats) RecordCongestionSendSpeed(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		return
	}
	now := time.Now()

	n.speedMu.Lock()
	n.speedWindow = append(n.speedWindow, speedSample{ts: now, speed: bytesPerSec})
	cutoff := now.Add(-congestionWindow)
	i := 0
	for i < len(n.speedWindow) && n.speedWindow[i].ts.Before(cutoff) {
		i++
	}
	n.speedWindow = n.speedWindow[i:]
	n.speedMu.Unlock()
}

// AvgCongestionSendSpeed returns the average of the send-speed samples
// in the sliding window, or 0 when no congestion has been observed.
func (n *NetStats) AvgCongestionSendSpeed() int64 {
	n.speedMu.Lock()
	defer n.speedMu.Unlock()

	if len(n.speedWindow) == 0 {
		return 0
	}
	cutoff := time.Now().Add(-congestionWindow)
	var total, count int64
	for _, s := range n.speedWindow {
		if s.ts.Before(cutoff) {
			continue
		}
		total += s.speed
		count++
	}
	if count == 0 {
		return 0
	}
	return total / count
}
