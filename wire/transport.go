package wire

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// NextPacket is the tuple returned by a packet source on each pull. A nil
// Packet with Synchronous=true means there is nothing to send (or the
// session is closed) and the writer should go back to sleep.
type NextPacket struct {
	Packet       Packet
	StartSend    func()
	EndSend      func()
	Fail         func(error)
	Synchronous  bool
	HaveMore     bool
	WillHaveMore bool
}

// PacketSource is the pull callback a session registers with its
// transport. Called exclusively from the transport's writer goroutine.
type PacketSource func() NextPacket

// Transport frames packets over a single network connection. Outbound
// traffic is pull-based: the session signals availability with
// SourceHasMore and the writer goroutine drains the registered source,
// flushing when the source reports no further pending data.
type Transport struct {
	log  *slog.Logger
	conn net.Conn

	sourceMu sync.RWMutex
	source   PacketSource

	wake chan struct{}

	maxFrameSize  atomic.Int64
	compressLevel atomic.Int32
	closed        atomic.Bool

	packetsSent atomic.Int64
	bytesSent   atomic.Int64
}

// NewTransport wraps conn. If log is nil, slog.Default() is used.
func NewTransport(conn net.Conn, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		log:  log.With("component", "transport", "remote", conn.RemoteAddr().String()),
		conn: conn,
		wake: make(chan struct{}, 1),
	}
	t.maxFrameSize.Store(DefaultMaxFrameSize)
	return t
}

// SetPacketSource registers the pull callback. Must be called before
// WriteLoop starts pulling.
func (t *Transport) SetPacketSource(src PacketSource) {
	t.sourceMu.Lock()
	t.source = src
	t.sourceMu.Unlock()
}

// SourceHasMore signals the writer that the source has queued new data.
// Safe to call from any goroutine; coalesces repeated signals.
func (t *Transport) SourceHasMore() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// MaxFrameSize returns the current maximum frame body size.
func (t *Transport) MaxFrameSize() int64 {
	return t.maxFrameSize.Load()
}

// SetMaxFrameSize raises or lowers the maximum frame body size.
// Capability negotiation raises it when file transfers are enabled.
func (t *Transport) SetMaxFrameSize(n int64) {
	if n > 0 {
		t.maxFrameSize.Store(n)
	}
}

// SetCompressLevel sets the zlib level (0 disables) for subsequent
// outbound frames.
func (t *Transport) SetCompressLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 9 {
		level = 9
	}
	t.compressLevel.Store(int32(level))
}

// Unshaped reports whether this transport bypasses bandwidth shaping.
// Network transports are always shaped; shared-memory style transports
// return true.
func (t *Transport) Unshaped() bool { return false }

// PacketsSent returns the number of packets written so far.
func (t *Transport) PacketsSent() int64 { return t.packetsSent.Load() }

// BytesSent returns the number of body bytes written so far.
func (t *Transport) BytesSent() int64 { return t.bytesSent.Load() }

// Close shuts the connection down. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// WriteLoop drains the packet source until ctx is cancelled or the
// connection fails. It blocks between wakeups and coalesces flushes:
// the buffered writer is only flushed when the pulled entry is
// synchronous or the source reports no more pending data.
func (t *Transport) WriteLoop(ctx context.Context) error {
	bw := bufio.NewWriter(t.conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		}
		if err := t.drainSource(bw); err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (t *Transport) drainSource(bw *bufio.Writer) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.sourceMu.RLock()
	src := t.source
	t.sourceMu.RUnlock()
	if src == nil {
		return nil
	}

	for {
		np := src()
		if np.Packet == nil {
			return bw.Flush()
		}

		body, err := EncodePacket(np.Packet)
		if err != nil {
			// Encoding failures affect only this packet.
			t.log.Warn("packet encode failed", "type", np.Packet.Type(), "error", err)
			if np.Fail != nil {
				np.Fail(err)
			}
			continue
		}

		if np.StartSend != nil {
			np.StartSend()
		}
		err = WriteFrame(bw, body, int(t.compressLevel.Load()), t.maxFrameSize.Load())
		if err != nil {
			if np.Fail != nil {
				np.Fail(err)
			}
			if errors.Is(err, ErrFrameTooLarge) {
				// Oversized packets are dropped; the connection stays up.
				t.log.Warn("dropping oversized packet", "type", np.Packet.Type(), "error", err)
				continue
			}
			return err
		}
		if np.EndSend != nil {
			np.EndSend()
		}

		t.packetsSent.Add(1)
		t.bytesSent.Add(int64(len(body)))

		if np.Synchronous || !np.HaveMore {
			if err := bw.Flush(); err != nil {
				return err
			}
		}
	}
}

// ReadLoop decodes inbound frames and dispatches each packet to handler
// until ctx is cancelled or the connection fails.
func (t *Transport) ReadLoop(ctx context.Context, handler func(Packet)) error {
	br := bufio.NewReader(t.conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		body, err := ReadFrame(br, t.maxFrameSize.Load())
		if err != nil {
			if t.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		p, err := DecodePacket(body)
		if err != nil {
			t.log.Warn("undecodable packet", "error", err)
			continue
		}
		handler(p)
	}
}
