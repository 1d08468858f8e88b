package server

import (
	"sync"
	"testing"

	"github.com/gitmirrors2/xpra/session"
	"github.com/gitmirrors2/xpra/wire"
)

type nopTransport struct{}

func (nopTransport) SetPacketSource(wire.PacketSource) {}
func (nopTransport) SourceHasMore()                    {}
func (nopTransport) MaxFrameSize() int64               { return wire.DefaultMaxFrameSize }
func (nopTransport) SetMaxFrameSize(int64)             {}
func (nopTransport) SetCompressLevel(int)              {}
func (nopTransport) Close() error                      { return nil }

func newTestSession(m *Manager) *session.Source {
	id := m.NextID()
	return session.New(nopTransport{}, session.Config{ID: id, Log: discardLogger()})
}

func TestManagerAddRemove(t *testing.T) {
	t.Parallel()

	m := NewManager(discardLogger())
	s := newTestSession(m)
	defer s.Close()

	m.Add(s)
	if got := m.Count(); got != 1 {
		t.Fatalf("Count() = %d, want 1", got)
	}
	if got := m.Get(s.ID()); got != s {
		t.Error("Get returned a different session")
	}

	m.Remove(s.ID())
	m.Remove(s.ID()) // unknown id is a no-op
	if got := m.Count(); got != 0 {
		t.Errorf("Count() after remove = %d, want 0", got)
	}
	if m.Get(s.ID()) != nil {
		t.Error("Get returned a removed session")
	}
}

func TestManagerNextIDMonotonic(t *testing.T) {
	t.Parallel()

	m := NewManager(discardLogger())

	const workers = 8
	const perWorker = 100
	seen := make(map[uint64]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := m.NextID()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("allocated %d unique ids, want %d", len(seen), workers*perWorker)
	}
}

func TestDispatchTruncatedPackets(t *testing.T) {
	t.Parallel()

	srv := &Server{config: Config{}, log: discardLogger()}
	m := NewManager(discardLogger())
	src := newTestSession(m)
	defer src.Close()

	// Well-formed CBOR can still carry fewer elements than a handler
	// expects; none of these may panic the reader goroutine.
	types := []string{
		"hello",
		"ping",
		"buffer-refresh",
		"connection-data",
		"set_deflate",
		"notification-close",
		"notification-action",
		"info-request",
	}
	for _, packetType := range types {
		srv.dispatch(src, wire.NewPacket(packetType))
	}

	// one argument short of the variadic action payload
	srv.dispatch(src, wire.NewPacket("notification-action", int64(7)))
}

func TestManagerInfos(t *testing.T) {
	t.Parallel()

	m := NewManager(discardLogger())
	s1 := newTestSession(m)
	s2 := newTestSession(m)
	defer s1.Close()
	defer s2.Close()
	m.Add(s1)
	m.Add(s2)

	infos := m.Infos()
	if len(infos) != 2 {
		t.Fatalf("Infos() = %d entries, want 2", len(infos))
	}
	if infos[0].ID == infos[1].ID {
		t.Error("duplicate id in snapshots")
	}
}
