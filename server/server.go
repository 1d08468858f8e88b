package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gitmirrors2/xpra/caps"
	"github.com/gitmirrors2/xpra/certs"
	"github.com/gitmirrors2/xpra/session"
	"github.com/gitmirrors2/xpra/wire"
)

// Version is reported to clients in the server hello.
var Version = "dev"

// Config holds the session server configuration: listen address, TLS
// certificate, and the per-session defaults.
type Config struct {
	Addr string
	Cert *certs.CertInfo

	IdleTimeout        time.Duration
	GracePercent       int
	BandwidthLimit     int64
	BandwidthDetection bool
	AVSync             bool
	AVSyncDelta        int

	// ServerCaps is merged into the hello reply; the server adds its
	// own version and session-id entries.
	ServerCaps map[string]any

	Log *slog.Logger
}

// Server accepts TLS connections and runs one session per client.
type Server struct {
	config  Config
	log     *slog.Logger
	manager *Manager

	mu sync.Mutex
	ln net.Listener

	ready chan struct{}
}

// New creates a Server. It returns an error if required fields are
// missing.
func New(config Config) (*Server, error) {
	if config.Addr == "" {
		return nil, errors.New("server: Addr is required")
	}
	if config.Cert == nil {
		return nil, errors.New("server: Cert is required")
	}
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		config:  config,
		log:     log.With("component", "server"),
		manager: NewManager(log),
		ready:   make(chan struct{}),
	}, nil
}

// Manager returns the session registry.
func (s *Server) Manager() *Manager { return s.manager }

// Addr returns the bound listen address. Valid once Ready has been
// closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start binds the TLS listener and serves connections until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := tls.Listen("tcp", s.config.Addr, &tls.Config{
		Certificates: []tls.Certificate{s.config.Cert.TLSCert},
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	close(s.ready)

	s.log.Info("session server listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn wires one connection: transport, session, writer and
// reader loops. It returns when the client disconnects or the server
// shuts down.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := s.manager.NextID()
	log := s.log.With("session", id, "remote", conn.RemoteAddr().String())

	transport := wire.NewTransport(conn, log)
	src := session.New(transport, session.Config{
		ID:                 id,
		UUID:               uuid.NewString(),
		IdleTimeout:        s.config.IdleTimeout,
		GracePercent:       s.config.GracePercent,
		BandwidthLimit:     s.config.BandwidthLimit,
		BandwidthDetection: s.config.BandwidthDetection,
		AVSync:             s.config.AVSync,
		AVSyncDelta:        s.config.AVSyncDelta,
		OnIdleGrace:        s.onIdleGrace,
		OnIdle:             s.onIdle,
		Log:                log,
	})
	s.manager.Add(src)

	log.Info("client connected")

	defer func() {
		s.manager.Remove(id)
		src.Close()
		transport.Close()
		log.Info("client disconnected")
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing the transport unblocks whichever loop is stuck on the
	// connection when the other one exits or the server shuts down.
	stop := context.AfterFunc(connCtx, func() { transport.Close() })
	defer stop()

	g, gctx := errgroup.WithContext(connCtx)
	g.Go(func() error {
		defer cancel()
		return transport.WriteLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return transport.ReadLoop(gctx, func(p wire.Packet) {
			s.dispatch(src, p)
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("connection error", "error", err)
	}
}

// onIdleGrace warns the client that the session is about to be
// considered idle.
func (s *Server) onIdleGrace(src *session.Source) {
	src.MayNotify(session.IdleNotificationID,
		"The session is about to become idle",
		"Activity will keep it alive", nil)
}

// onIdle shows the idle notification; user activity closes it again.
func (s *Server) onIdle(src *session.Source) {
	src.MayNotify(session.IdleNotificationID,
		"The session is now idle",
		"", nil)
}

// dispatch routes one inbound packet to the session.
func (s *Server) dispatch(src *session.Source, p wire.Packet) {
	switch p.Type() {
	case "hello":
		src.ParseHello(caps.Caps(dictArg(p, 1)))
		src.SendHello(s.helloCaps())
		src.StartupComplete()
		src.UpdateBandwidthLimits()

	case "ping":
		// echo the client timestamp, then our own
		src.SendAsync("ping_echo", intArg(p, 1), time.Now().UnixMilli())

	case "ping_echo":
		// latency bookkeeping only; nothing to send back

	case "buffer-refresh":
		src.Refresh(int(intArg(p, 1)), dictArg(p, 2))

	case "suspend":
		src.Suspend(true)

	case "resume":
		src.Suspend(false)
		src.UserEvent()

	case "connection-data":
		src.UpdateConnectionData(dictArg(p, 1))
		src.UpdateBandwidthLimits()

	case "set_deflate":
		src.SetCompressLevel(int(intArg(p, 1)))

	case "notification-close":
		src.NotificationEvent(intArg(p, 1), "closed")
		src.UserEvent()

	case "notification-action":
		var args []any
		if len(p) > 2 {
			args = p[2:]
		}
		src.NotificationEvent(intArg(p, 1), "action", args...)
		src.UserEvent()

	case "pointer-position", "button-action", "wheel-motion", "key-action":
		src.UserEvent()

	case "info-request":
		src.SendAsync("info-response", src.Info())

	case "disconnect":
		src.Close()

	default:
		s.log.Debug("unhandled packet", "type", p.Type())
	}
}

func (s *Server) helloCaps() map[string]any {
	out := map[string]any{
		"version":       Version,
		"notifications": true,
	}
	for k, v := range s.config.ServerCaps {
		out[k] = v
	}
	return out
}

func dictArg(p wire.Packet, i int) map[string]any {
	if i >= len(p) {
		return nil
	}
	d, _ := p[i].(map[string]any)
	return d
}

func intArg(p wire.Packet, i int) int64 {
	if i >= len(p) {
		return 0
	}
	switch v := p[i].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case int32:
		return int64(v)
	case uint32:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}
