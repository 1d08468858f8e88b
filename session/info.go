package session

import "time"

// Info is a point-in-time snapshot of one session, serializable for
// the info request and the status endpoint.
type Info struct {
	ID          uint64    `json:"id"`
	UUID        string    `json:"uuid"`
	Version     string    `json:"version,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	ElapsedMS   int64     `json:"elapsed_ms"`

	Idle      bool  `json:"idle"`
	IdleForMS int64 `json:"idle_for_ms"`
	Suspended bool  `json:"suspended"`
	HelloSent bool  `json:"hello_sent"`

	UIClient      bool `json:"ui_client"`
	Notifications bool `json:"notifications"`
	Share         bool `json:"share"`
	Lock          bool `json:"lock"`

	DesktopWidth  int `json:"desktop_width,omitempty"`
	DesktopHeight int `json:"desktop_height,omitempty"`
	Windows       int `json:"windows"`

	BandwidthLimit     int64 `json:"bandwidth_limit"`
	SoftBandwidthLimit int64 `json:"soft_bandwidth_limit"`
	BandwidthDetection bool  `json:"bandwidth_detection"`
	AvgSendSpeed       int64 `json:"avg_send_speed"`

	AVSync      bool `json:"av_sync"`
	AVSyncDelay int  `json:"av_sync_delay"`
	AVSyncDelta int  `json:"av_sync_delta"`
	AVSyncTotal int  `json:"av_sync_total"`

	PacketsSent int64 `json:"packets_sent"`
	BytesSent   int64 `json:"bytes_sent"`

	PendingOrdinary int `json:"pending_ordinary"`
	PendingBulk     int `json:"pending_bulk"`
}

// Info captures the session's current state.
func (s *Source) Info() Info {
	now := time.Now()
	ordinary, bulk := s.sched.Pending()

	info := Info{
		ID:          s.id,
		UUID:        s.uuid,
		ConnectedAt: s.connectionTime,
		ElapsedMS:   now.Sub(s.connectionTime).Milliseconds(),
		Idle:        s.timers.Idle(),
		IdleForMS:   now.UnixMilli() - s.lastUserEvent.Load(),
		HelloSent:   s.helloSent.Load(),

		AvgSendSpeed: s.stats.AvgCongestionSendSpeed(),
		PacketsSent:  s.stats.PacketsSent(),
		BytesSent:    s.stats.BytesSent(),

		PendingOrdinary: ordinary,
		PendingBulk:     bulk,
	}

	s.mu.Lock()
	info.Version = s.clientVersion
	info.Suspended = s.suspended
	info.UIClient = s.uiClient
	info.Notifications = s.sendNotifications
	info.Share = s.share
	info.Lock = s.lock
	info.DesktopWidth = s.desktopW
	info.DesktopHeight = s.desktopH
	info.Windows = len(s.windows)
	info.BandwidthLimit = s.bandwidthLimit
	info.SoftBandwidthLimit = s.softBandwidthLimit
	info.BandwidthDetection = s.bandwidthDetection
	info.AVSync = s.avSync
	info.AVSyncDelay = s.avSyncDelay
	info.AVSyncDelta = s.avSyncDelta
	info.AVSyncTotal = s.avSyncTotal
	s.mu.Unlock()

	return info
}
