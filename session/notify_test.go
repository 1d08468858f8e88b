package session

import (
	"testing"

	"github.com/gitmirrors2/xpra/caps"
)

func notifySession(t *testing.T) (*Source, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s := New(tr, Config{Log: discardLogger()})
	t.Cleanup(s.Close)
	s.ParseHello(caps.Caps{"notifications": true, "notifications.actions": true})
	return s, tr
}

func TestNotifyRequiresCapability(t *testing.T) {
	t.Parallel()

	tr := newFakeTransport()
	s := New(tr, Config{Log: discardLogger()})
	defer s.Close()
	s.ParseHello(caps.Caps{}) // notifications not negotiated

	if s.MayNotify(1, "hello", "world", nil) {
		t.Error("Notify succeeded without the notifications capability")
	}
	if got := tr.drain(); len(got) != 0 {
		t.Errorf("packets emitted without capability: %v", got)
	}
}

func TestNotifySuspendedDrops(t *testing.T) {
	t.Parallel()

	s, tr := notifySession(t)
	s.SendHello(nil)
	tr.drain()

	s.Suspend(true)
	if s.MayNotify(1, "hello", "world", nil) {
		t.Error("Notify succeeded while suspended")
	}
	s.Suspend(false)
	if !s.MayNotify(1, "hello", "world", nil) {
		t.Error("Notify failed after resume")
	}
}

func TestNotifyBeforeHelloDropsButKeepsCallback(t *testing.T) {
	t.Parallel()

	s, tr := notifySession(t)

	var events []string
	ok := s.MayNotify(7, "pre-hello", "dropped", func(event string, _ ...any) {
		events = append(events, event)
	})
	if !ok {
		t.Fatal("Notify refused before hello; it should accept and drop the message")
	}
	if got := tr.drain(); len(got) != 0 {
		t.Errorf("notification emitted before hello: %v", got)
	}

	// the callback survives and still dispatches
	s.NotificationEvent(7, "closed")
	if len(events) != 1 || events[0] != "closed" {
		t.Errorf("callback events = %v, want [closed]", events)
	}
}

func TestNotifyAfterHelloEmits(t *testing.T) {
	t.Parallel()

	s, tr := notifySession(t)
	s.SendHello(nil)
	tr.drain()

	if !s.MayNotify(3, "summary", "body", nil) {
		t.Fatal("Notify failed with capability negotiated and hello sent")
	}
	got := tr.drain()
	if len(got) != 1 || got[0] != "notify_show" {
		t.Fatalf("emitted packets = %v, want [notify_show]", got)
	}
}

func TestNotifyCloseGating(t *testing.T) {
	t.Parallel()

	s, tr := notifySession(t)

	s.NotifyClose(3)
	if got := tr.drain(); len(got) != 0 {
		t.Errorf("notify_close emitted before hello: %v", got)
	}

	s.SendHello(nil)
	tr.drain()
	s.NotifyClose(3)
	got := tr.drain()
	if len(got) != 1 || got[0] != "notify_close" {
		t.Errorf("emitted packets = %v, want [notify_close]", got)
	}
}

func TestNotificationEventUnknownID(t *testing.T) {
	t.Parallel()

	s, _ := notifySession(t)
	s.NotificationEvent(99, "closed") // must not panic or emit
}

func TestNotifyInvalidUTF8Coerced(t *testing.T) {
	t.Parallel()

	s, tr := notifySession(t)
	s.SendHello(nil)
	tr.drain()

	if !s.MayNotify(5, "ok \xff\xfe", "body \xff", nil) {
		t.Fatal("Notify refused invalid UTF-8 input instead of coercing it")
	}
	if got := tr.drain(); len(got) != 1 {
		t.Fatalf("emitted packets = %v, want exactly one notify_show", got)
	}
}

func TestUserEventClosesIdleNotification(t *testing.T) {
	t.Parallel()

	s, tr := notifySession(t)
	s.SendHello(nil)
	tr.drain()

	s.MayNotify(IdleNotificationID, "session idle", "", func(string, ...any) {})
	tr.drain()

	s.UserEvent()
	got := tr.drain()
	if len(got) != 1 || got[0] != "notify_close" {
		t.Errorf("emitted packets = %v, want [notify_close]", got)
	}

	// second user event has nothing left to close
	s.UserEvent()
	if got := tr.drain(); len(got) != 0 {
		t.Errorf("second user event emitted %v", got)
	}
}
