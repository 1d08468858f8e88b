package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitmirrors2/xpra/caps"
	"github.com/gitmirrors2/xpra/wire"
)

// Transport is the narrow surface the session needs from its network
// layer. The transport pulls outbound packets through the registered
// source and is nudged with SourceHasMore whenever ordinary work is
// queued.
type Transport interface {
	SetPacketSource(wire.PacketSource)
	SourceHasMore()
	MaxFrameSize() int64
	SetMaxFrameSize(int64)
	SetCompressLevel(int)
	Close() error
}

// UnshapedTransport marks transports that bypass bandwidth shaping
// entirely, e.g. shared-memory or other local zero-copy paths.
type UnshapedTransport interface {
	Unshaped() bool
}

// AudioStatus exposes the audio subsystem's current encoder latency,
// one input to the av-sync delay.
type AudioStatus interface {
	EncoderLatency() int
}

// Config carries the server-side parameters for one session.
type Config struct {
	// ID is the session's counter id, allocated by the server's
	// connection-acceptance component.
	ID uint64
	// UUID is the session's unique identifier.
	UUID string

	// IdleTimeout disables the idle machinery when non-positive.
	IdleTimeout  time.Duration
	GracePercent int

	// BandwidthLimit is the server-configured hard limit in bytes/s;
	// zero or negative means none.
	BandwidthLimit     int64
	BandwidthDetection bool

	// AVSync enables audio/video delay compensation server-side.
	AVSync      bool
	AVSyncDelta int

	// OnIdleGrace fires shortly before the idle timeout, OnIdle at the
	// timeout (and periodically after while the client stays inactive).
	OnIdleGrace func(*Source)
	OnIdle      func(*Source)

	// WindowFilter decides whether a window is currently sendable to
	// this client. Nil allows every window.
	WindowFilter func(wid int) bool

	// Audio may be nil when no audio pipeline is attached.
	Audio AudioStatus

	Log *slog.Logger
}

// Source is the session core for one connected client. It mediates
// between the per-window encoders, the audio/notification subsystems,
// and the single outbound transport, scheduling control packets ahead
// of bulk encoded payloads.
type Source struct {
	log       *slog.Logger
	id        uint64
	uuid      string
	transport Transport

	sched         *Scheduler
	stats         *NetStats
	timers        *IdleTimers
	notifications *notifyRegistry
	audio         AudioStatus

	windowFilter func(int) bool

	connectionTime time.Time
	lastUserEvent  atomic.Int64 // unix milliseconds

	helloSent atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	// mu guards the negotiated capability state, bandwidth and av-sync
	// figures, and the window registry.
	mu sync.Mutex

	windows map[int]WindowSource

	// negotiated capabilities
	uiClient             bool
	wantsEncodings       bool
	wantsDisplay         bool
	wantsEvents          bool
	wantsAliases         bool
	wantsVersions        bool
	wantsFeatures        bool
	wantsDefaultCursor   bool
	infoNamespace        bool
	sendNotifications    bool
	notificationsActions bool
	randrNotify          bool
	share                bool
	lock                 bool
	suspended            bool
	controlCommands      []string
	doubleClickTime      int
	doubleClickDistX     int
	doubleClickDistY     int
	clientVersion        string
	connectionData       map[string]any

	desktopW, desktopH int
	desktopSizeSet     bool
	desktopModeW       int
	desktopModeH       int
	desktopModeSet     bool
	desktops           int
	desktopNames       []string
	screenSizes        []any

	serverBandwidthLimit int64
	bandwidthLimit       int64
	softBandwidthLimit   int64
	bandwidthDetection   bool

	avSync      bool
	avSyncDelay int
	avSyncDelta int
	avSyncTotal int
}

// New creates a session source bound to transport and arms its idle
// machinery. The transport's packet source is registered before the
// constructor returns, so pulls may begin immediately.
func New(transport Transport, cfg Config) *Source {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Source{
		log:                  log.With("session", cfg.ID),
		id:                   cfg.ID,
		uuid:                 cfg.UUID,
		transport:            transport,
		sched:                NewScheduler(),
		stats:                NewNetStats(),
		notifications:        newNotifyRegistry(),
		audio:                cfg.Audio,
		windowFilter:         cfg.WindowFilter,
		connectionTime:       time.Now(),
		windows:              make(map[int]WindowSource),
		uiClient:             true,
		wantsAliases:         true,
		wantsEncodings:       true,
		wantsVersions:        true,
		wantsFeatures:        true,
		wantsDisplay:         true,
		desktops:             1,
		doubleClickTime:      -1,
		doubleClickDistX:     -1,
		doubleClickDistY:     -1,
		serverBandwidthLimit: cfg.BandwidthLimit,
		bandwidthLimit:       cfg.BandwidthLimit,
		softBandwidthLimit:   cfg.BandwidthLimit,
		bandwidthDetection:   cfg.BandwidthDetection,
		avSync:               cfg.AVSync,
		avSyncDelta:          cfg.AVSyncDelta,
	}
	s.lastUserEvent.Store(time.Now().UnixMilli())

	s.timers = NewIdleTimers(cfg.IdleTimeout, cfg.GracePercent,
		func() {
			if s.IsClosed() {
				return
			}
			if cfg.OnIdleGrace != nil {
				cfg.OnIdleGrace(s)
			}
		},
		func() {
			if s.IsClosed() {
				return
			}
			if cfg.OnIdle != nil {
				cfg.OnIdle(s)
			}
		},
		log)

	s.sched.Attach(transport.SourceHasMore)
	transport.SetPacketSource(s.NextPacket)
	return s
}

// ID returns the session counter id.
func (s *Source) ID() uint64 { return s.id }

// UUID returns the session UUID.
func (s *Source) UUID() string { return s.uuid }

// Stats returns the session's network statistics accumulator.
func (s *Source) Stats() *NetStats { return s.stats }

// BulkQueue returns the queue window encoders push completed payloads
// onto.
func (s *Source) BulkQueue() *BulkQueue { return s.sched.Bulk() }

// QueueBulk queues an encoded payload and wakes the transport. Returns
// false once the session is closed.
func (s *Source) QueueBulk(e *Bulk) bool { return s.sched.QueueBulk(e) }

// IsClosed reports whether Close has run.
func (s *Source) IsClosed() bool { return s.closed.Load() }

// Close tears the session down: cancels both idle timers, marks the
// scheduler closed so NextPacket returns the empty tuple, and pushes
// the end-of-stream sentinel into the bulk queue so encoders stop
// producing. Idempotent.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.timers.Close()
		s.sched.Close()
		s.notifications.clear()
		s.log.Info("session closed",
			"elapsed", time.Since(s.connectionTime).Round(time.Second))
	})
}

// NextPacket is the pull callback registered with the transport.
func (s *Source) NextPacket() wire.NextPacket {
	return s.sched.Next()
}

// Send queues a synchronous ordinary packet.
func (s *Source) Send(packetType string, args ...any) {
	s.queue(wire.NewPacket(packetType, args...), true, nil, false)
}

// SendMore queues a synchronous ordinary packet that announces further
// pending data, letting the transport coalesce the flush.
func (s *Source) SendMore(packetType string, args ...any) {
	s.queue(wire.NewPacket(packetType, args...), true, nil, true)
}

// SendAsync queues an asynchronous ordinary packet.
func (s *Source) SendAsync(packetType string, args ...any) {
	s.queue(wire.NewPacket(packetType, args...), false, nil, true)
}

// SendWithFail queues a synchronous ordinary packet with a delivery
// failure callback.
func (s *Source) SendWithFail(fail func(error), packetType string, args ...any) {
	s.queue(wire.NewPacket(packetType, args...), true, fail, false)
}

func (s *Source) queue(p wire.Packet, synchronous bool, fail func(error), willHaveMore bool) {
	if s.IsClosed() {
		return
	}
	s.sched.QueueOrdinary(p, synchronous, fail, willHaveMore)
}

// ParseHello negotiates the client's capabilities. Called exactly once
// per session before any other traffic. Malformed values degrade to
// their defaults; negotiation never terminates the session.
func (s *Source) ParseHello(c caps.Caps) {
	s.mu.Lock()

	s.uiClient = c.Bool("ui_client", true)
	s.wantsEncodings = c.Bool("wants_encodings", s.uiClient)
	s.wantsDisplay = c.Bool("wants_display", s.uiClient)
	s.wantsEvents = c.Bool("wants_events", false)
	s.wantsAliases = c.Bool("wants_aliases", true)
	s.wantsVersions = c.Bool("wants_versions", true)
	s.wantsFeatures = c.Bool("wants_features", true)
	s.wantsDefaultCursor = c.Bool("wants_default_cursor", false)

	s.infoNamespace = c.Bool("info-namespace", false)
	s.sendNotifications = c.Bool("notifications", false)
	s.notificationsActions = c.Bool("notifications.actions", false)
	s.randrNotify = c.Bool("randr_notify", false)
	s.share = c.Bool("share", false)
	s.lock = c.Bool("lock", false)
	s.controlCommands = c.StrList("control_commands")
	s.doubleClickTime = c.Int("double_click.time", -1)
	if x, y, ok := c.IntPair("double_click.distance"); ok {
		s.doubleClickDistX, s.doubleClickDistY = x, y
	}
	s.clientVersion = c.Str("version", "")

	// The effective limit is the minimum of the server setting and the
	// client declaration; a client declaring no limit (0) clears a
	// server-side one.
	clientLimit := c.Int64("bandwidth-limit", 0)
	if s.serverBandwidthLimit <= 0 {
		s.bandwidthLimit = clientLimit
	} else {
		s.bandwidthLimit = min(s.serverBandwidthLimit, clientLimit)
	}

	if w, h, ok := c.DimensionPair("desktop_size"); ok {
		s.desktopW, s.desktopH, s.desktopSizeSet = w, h, true
	} else if len(c.List("desktop_size")) != 0 {
		s.log.Warn("ignoring invalid desktop size", "value", c.List("desktop_size"))
	}
	if w, h, ok := c.DimensionPair("desktop_mode_size"); ok {
		s.desktopModeW, s.desktopModeH, s.desktopModeSet = w, h, true
	} else if len(c.List("desktop_mode_size")) != 0 {
		s.log.Warn("ignoring invalid desktop mode size", "value", c.List("desktop_mode_size"))
	}
	s.screenSizes = c.List("screen_sizes")
	if d := c.Int("desktops", 1); d > 0 {
		s.desktops = d
	}
	s.desktopNames = c.StrList("desktop.names")
	s.connectionData = c.Dict("connection-data")

	avSyncClient := c.Bool("av-sync", false)
	avSyncDelay := 0
	if s.avSync && avSyncClient {
		avSyncDelay = c.Int("av-sync.delay.default", 150)
	}

	// Zero-copy local delivery ignores bandwidth shaping entirely.
	if s.isUnshaped() {
		s.bandwidthLimit = 0
	}
	s.mu.Unlock()

	s.SetAVSyncDelay(avSyncDelay)

	// The one place negotiation mutates a collaborator: file transfers
	// need frames large enough for the negotiated file size limit.
	if c.Bool("file-transfer", false) {
		limit := int64(c.Int("file-size-limit", 10)) * 1024 * 1024
		if limit > s.transport.MaxFrameSize() {
			s.transport.SetMaxFrameSize(limit)
		}
	}

	s.log.Info("client capabilities parsed",
		"version", s.clientVersion,
		"notifications", s.sendNotifications,
		"share", s.share,
		"bandwidthLimit", s.bandwidthLimit,
		"avSyncDelay", avSyncDelay)
}

// SendHello replies to the client's hello with the server capability
// set and opens the gate for notification and event emission.
func (s *Source) SendHello(serverCaps map[string]any) {
	capsCopy := make(map[string]any, len(serverCaps)+1)
	for k, v := range serverCaps {
		capsCopy[k] = v
	}
	capsCopy["session-id"] = s.id
	s.Send("hello", capsCopy)
	s.helloSent.Store(true)
}

// StartupComplete tells the client that session setup has finished.
func (s *Source) StartupComplete() {
	s.Send("startup-complete")
}

// HelloSent reports whether the server hello has been emitted.
func (s *Source) HelloSent() bool { return s.helloSent.Load() }

// UserEvent records client activity: it re-arms both idle timers,
// runs the un-idle action when the session was idle, and closes a
// pending idle notification if one was shown.
func (s *Source) UserEvent() {
	s.lastUserEvent.Store(time.Now().UnixMilli())
	if s.timers.Activity() {
		s.log.Info("session no longer idle")
	}
	if _, ok := s.notifications.pop(IdleNotificationID); ok {
		s.NotifyClose(IdleNotificationID)
	}
}

// Idle reports whether the session is currently idle.
func (s *Source) Idle() bool { return s.timers.Idle() }

// Suspend marks the session suspended (no notifications, zero
// bandwidth weight contribution is the encoders' concern).
func (s *Source) Suspend(suspended bool) {
	s.mu.Lock()
	s.suspended = suspended
	s.mu.Unlock()
}

// Suspended reports the suspension state.
func (s *Source) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// UpdateConnectionData stores client-reported network metadata.
func (s *Source) UpdateConnectionData(data map[string]any) {
	s.mu.Lock()
	s.connectionData = data
	s.mu.Unlock()
	s.log.Debug("connection data updated", "keys", len(data))
}

// SetCompressLevel forwards a client deflate request to the transport.
func (s *Source) SetCompressLevel(level int) {
	s.transport.SetCompressLevel(level)
}

// AddWindow registers a window encoder and pushes the current av-sync
// delay into it.
func (s *Source) AddWindow(wid int, ws WindowSource) {
	s.mu.Lock()
	s.windows[wid] = ws
	total := s.avSyncTotal
	s.mu.Unlock()
	ws.SetAVSyncDelay(total)
}

// RemoveWindow unregisters a window encoder.
func (s *Source) RemoveWindow(wid int) {
	s.mu.Lock()
	delete(s.windows, wid)
	s.mu.Unlock()
}

// WindowCount returns the number of registered window encoders.
func (s *Source) WindowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// Damage forwards a damage request to the window's encoder after the
// sendability check.
func (s *Source) Damage(wid int, x, y, w, h int, options map[string]any) {
	ws := s.sendableWindow(wid)
	if ws == nil {
		return
	}
	ws.Damage(x, y, w, h, options)
}

// Refresh cancels any pending damage for the window and requests a
// full-window re-encode.
func (s *Source) Refresh(wid int, options map[string]any) {
	ws := s.sendableWindow(wid)
	if ws == nil {
		return
	}
	ws.CancelDamage()
	w, h := ws.Dimensions()
	ws.Damage(0, 0, w, h, options)
}

func (s *Source) sendableWindow(wid int) WindowSource {
	if s.IsClosed() {
		return nil
	}
	if s.windowFilter != nil && !s.windowFilter(wid) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.windows[wid]
}

// SendSettingChange notifies the client of a server setting change.
func (s *Source) SendSettingChange(setting string, value any) {
	if !s.helloSent.Load() {
		return
	}
	s.SendMore("setting-change", setting, value)
}

// SendServerEvent forwards a server event to clients that asked for
// them.
func (s *Source) SendServerEvent(args ...any) {
	s.mu.Lock()
	wants := s.wantsEvents
	s.mu.Unlock()
	if !wants || !s.helloSent.Load() {
		return
	}
	s.SendMore("server-event", args...)
}

// UpdatedDesktopSize notifies clients that negotiated randr of a server
// desktop resize. Returns true when a notification was sent.
func (s *Source) UpdatedDesktopSize(rootW, rootH, maxW, maxH int) bool {
	if !s.helloSent.Load() {
		return false
	}
	s.mu.Lock()
	notify := s.randrNotify
	s.mu.Unlock()
	if !notify {
		return false
	}
	s.Send("desktop_size", rootW, rootH, maxW, maxH)
	return true
}
