package session

import (
	"strings"
	"sync"
	"unicode/utf8"
)

// IdleNotificationID is the reserved notification id used for the
// "session is idle" notification; user activity closes it.
const IdleNotificationID = 1<<24 + 3

// NotifyCallback is invoked when the client closes or acts on a
// notification previously sent with that callback.
type NotifyCallback func(event string, args ...any)

// notifyRegistry tracks the pending user callback for each outstanding
// notification id. At most one live callback per id.
type notifyRegistry struct {
	mu        sync.Mutex
	callbacks map[int64]NotifyCallback
}

func newNotifyRegistry() *notifyRegistry {
	return &notifyRegistry{callbacks: make(map[int64]NotifyCallback)}
}

func (r *notifyRegistry) set(nid int64, cb NotifyCallback) {
	r.mu.Lock()
	r.callbacks[nid] = cb
	r.mu.Unlock()
}

func (r *notifyRegistry) pop(nid int64) (NotifyCallback, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.callbacks[nid]
	if ok {
		delete(r.callbacks, nid)
	}
	return cb, ok
}

func (r *notifyRegistry) clear() {
	r.mu.Lock()
	r.callbacks = make(map[int64]NotifyCallback)
	r.mu.Unlock()
}

// Notify sends a show-notification message to the client. It returns
// false without side effects when the client has not negotiated
// notification support or the session is suspended. The user callback,
// if any, is recorded even when the handshake has not completed yet;
// the message itself is emitted only after hello (earlier requests are
// dropped, not queued). Delivery itself never fails: text that is not
// valid UTF-8 is coerced, and coercion failures forward the original.
func (s *Source) Notify(dbusID string, nid int64, appName string, replacesNID int64, appIcon string,
	summary, body string, actions []string, hints map[string]any, expireTimeout int, icon any,
	userCallback NotifyCallback) bool {

	s.mu.Lock()
	supported, suspended := s.sendNotifications, s.suspended
	s.mu.Unlock()

	if !supported {
		s.log.Debug("client does not support notifications", "nid", nid)
		return false
	}
	if suspended {
		s.log.Debug("session suspended, notification not sent", "nid", nid)
		return false
	}

	if userCallback != nil {
		s.notifications.set(nid, userCallback)
	}

	summary = toUTF8(summary)
	body = toUTF8(body)

	if s.helloSent.Load() {
		// actions and hints trail the older fields for compatibility
		// with clients that predate them.
		s.SendAsync("notify_show", dbusID, nid, appName, replacesNID, appIcon,
			summary, body, expireTimeout, icon, toAnySlice(actions), hints)
	}
	return true
}

// MayNotify sends a server-generated notification with default
// metadata. Used by subsystems that do not care whether the client
// supports notifications.
func (s *Source) MayNotify(nid int64, summary, body string, userCallback NotifyCallback) bool {
	return s.Notify("", nid, "Xpra", 0, "", summary, body, nil, nil, 10_000, nil, userCallback)
}

// NotifyClose asks the client to close a notification. No-op unless
// notifications are supported, the session is not suspended, and the
// handshake completed. The callback entry is not removed here; the
// activity/idle transitions pop the ids they own.
func (s *Source) NotifyClose(nid int64) {
	s.mu.Lock()
	supported, suspended := s.sendNotifications, s.suspended
	s.mu.Unlock()

	if !supported || suspended || !s.helloSent.Load() {
		return
	}
	s.SendMore("notify_close", nid)
}

// NotificationEvent dispatches a client close/action event to the
// registered callback, removing it from the registry. Unknown ids are
// ignored.
func (s *Source) NotificationEvent(nid int64, event string, args ...any) {
	cb, ok := s.notifications.pop(nid)
	if !ok || cb == nil {
		return
	}
	cb(event, args...)
}

func toUTF8(v string) string {
	if utf8.ValidString(v) {
		return v
	}
	return strings.ToValidUTF8(v, string(utf8.RuneError))
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}
