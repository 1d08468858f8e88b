package session

// congestionHighWater is the observed send speed (bytes/s) above which
// congestion detection is treated as "unconstrained" rather than a real
// ceiling: past roughly 20Mbit/s the measurement says more about the
// sampling than about the link.
const congestionHighWater = 20 * 1024 * 1024

// computeSoftLimit derives the session's soft bandwidth limit from the
// configured hard limit and the detected congestion send speed: the
// minimum of the hard limit and the detected candidate. With no
// congestion observed (or detection disabled, or the sample above the
// high-water mark) the candidate is 0 and the session stays
// unconstrained; the hard limit only ever caps detected congestion.
func computeSoftLimit(hardLimit, detectedSpeed int64, detectionEnabled bool) int64 {
	var soft int64
	if detectionEnabled {
		soft = detectedSpeed
		if soft > congestionHighWater {
			soft = 0
		}
	}
	if hardLimit > 0 {
		soft = min(hardLimit, soft)
	}
	return soft
}

// distributeBandwidth splits softLimit across windows by weighted
// demand: weight = width*height + recently damaged pixels, suspended
// windows weigh 0. Every window with positive weight gets at least one
// byte/s; zero-weight windows get no entry. Returns nil when there is
// nothing to distribute.
func distributeBandwidth(softLimit int64, windows map[int]WindowSource) map[int]int64 {
	if softLimit <= 0 || len(windows) == 0 {
		return nil
	}

	weights := make(map[int]int64, len(windows))
	var total int64
	for wid, ws := range windows {
		if ws.Suspended() {
			continue
		}
		w, h := ws.Dimensions()
		weight := int64(w)*int64(h) + ws.DamagePixels()
		weights[wid] = weight
		total += weight
	}
	if total <= 0 {
		return nil
	}

	limits := make(map[int]int64, len(weights))
	for wid, weight := range weights {
		if weight <= 0 {
			continue
		}
		limit := softLimit * weight / total
		if limit < 1 {
			limit = 1
		}
		limits[wid] = limit
	}
	return limits
}

// UpdateBandwidthLimits recomputes the soft bandwidth limit from the
// congestion statistics and pushes per-window limits into each active
// window encoder. Safe to call periodically or on every congestion
// sample; it carries no state between calls. Shaping is skipped
// entirely for unshaped (local/zero-copy) transports.
func (s *Source) UpdateBandwidthLimits() {
	if s.isUnshaped() {
		return
	}

	detected := s.stats.AvgCongestionSendSpeed()

	s.mu.Lock()
	soft := computeSoftLimit(s.bandwidthLimit, detected, s.bandwidthDetection)
	s.softBandwidthLimit = soft
	windows := make(map[int]WindowSource, len(s.windows))
	for wid, ws := range s.windows {
		windows[wid] = ws
	}
	s.mu.Unlock()

	s.log.Debug("bandwidth limits updated",
		"detected", detected,
		"soft", soft,
		"windows", len(windows))

	limits := distributeBandwidth(soft, windows)
	for wid, limit := range limits {
		windows[wid].SetBandwidthLimit(limit)
	}
}

func (s *Source) isUnshaped() bool {
	u, ok := s.transport.(UnshapedTransport)
	return ok && u.Unshaped()
}
