package session

// WindowSource is the per-window pixel encoder collaborator. Encoders
// run their own worker goroutines and push completed payloads onto the
// session's bulk queue; the session only reads their live statistics
// and pushes computed limits back in.
type WindowSource interface {
	// Suspended windows receive no bandwidth allocation and produce no
	// new payloads.
	Suspended() bool

	// Dimensions returns the current window pixel size.
	Dimensions() (width, height int)

	// DamagePixels returns the recently damaged pixel count used for
	// bandwidth weighting. Reads may race with encoder updates;
	// eventually-consistent values are acceptable.
	DamagePixels() int64

	// SetBandwidthLimit applies a per-window soft limit in bytes per
	// second. Zero means unconstrained.
	SetBandwidthLimit(bytesPerSec int64)

	// SetAVSyncDelay applies the session-wide av-sync delay in
	// milliseconds.
	SetAVSyncDelay(ms int)

	// Damage requests re-encoding of a window region.
	Damage(x, y, w, h int, options map[string]any)

	// CancelDamage drops any pending damage for the window.
	CancelDamage()
}
