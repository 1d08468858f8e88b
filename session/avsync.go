package session

// maxAVSyncDelay caps the total audio/video compensation delay.
const maxAVSyncDelay = 1000

// avSyncTotal computes the total av-sync delay in milliseconds. A
// disabled session always yields 0; otherwise the sum of the client
// queue delay, the server-side delta, and the audio encoder latency,
// clamped to [0, maxAVSyncDelay].
func avSyncTotal(enabled bool, clientDelay, delta, encoderLatency int) int {
	if !enabled {
		return 0
	}
	total := clientDelay + delta + encoderLatency
	if total < 0 {
		return 0
	}
	if total > maxAVSyncDelay {
		return maxAVSyncDelay
	}
	return total
}

// SetAVSyncDelay sets the client-declared queue delay and recomputes
// the total. Called during capability negotiation.
func (s *Source) SetAVSyncDelay(ms int) {
	s.mu.Lock()
	s.avSyncDelay = ms
	s.mu.Unlock()
	s.updateAVSyncTotal()
}

// SetAVSyncDelta sets the server-side correction delta and recomputes
// the total.
func (s *Source) SetAVSyncDelta(ms int) {
	s.mu.Lock()
	s.avSyncDelta = ms
	s.mu.Unlock()
	s.updateAVSyncTotal()
}

// AudioLatencyChanged recomputes the total after the audio subsystem
// reports a new encoder latency.
func (s *Source) AudioLatencyChanged() {
	s.updateAVSyncTotal()
}

// AVSyncDelayTotal returns the current total delay in milliseconds.
func (s *Source) AVSyncDelayTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avSyncTotal
}

// updateAVSyncTotal recomputes the total delay and broadcasts it to
// every registered window encoder.
func (s *Source) updateAVSyncTotal() {
	latency := 0
	if s.audio != nil {
		latency = s.audio.EncoderLatency()
	}

	s.mu.Lock()
	clientDelay, delta := s.avSyncDelay, s.avSyncDelta
	total := avSyncTotal(s.avSync, clientDelay, delta, latency)
	s.avSyncTotal = total
	windows := make([]WindowSource, 0, len(s.windows))
	for _, ws := range s.windows {
		windows = append(windows, ws)
	}
	s.mu.Unlock()

	s.log.Debug("av-sync delay updated",
		"total", total,
		"client", clientDelay,
		"delta", delta,
		"encoderLatency", latency)

	for _, ws := range windows {
		ws.SetAVSyncDelay(total)
	}
}
