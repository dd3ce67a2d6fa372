package notify

import (
	"errors"
	"testing"
	"time"

	"pingtunnel-vpn/internal/core"
)

type pushRecorder struct {
	ch chan [2]string
}

func newTestManager() (*Manager, *pushRecorder, *time.Time) {
	rec := &pushRecorder{ch: make(chan [2]string, 16)}
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	nm := New()
	nm.push = func(title, message string) error {
		rec.ch <- [2]string{title, message}
		return nil
	}
	nm.now = func() time.Time { return clock }
	return nm, rec, &clock
}

func (r *pushRecorder) next(t *testing.T) [2]string {
	t.Helper()
	select {
	case got := <-r.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("no notification arrived")
		return [2]string{}
	}
}

func (r *pushRecorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.ch:
		t.Fatalf("unexpected notification %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectedNotifies(t *testing.T) {
	nm, rec, _ := newTestManager()

	nm.observeTransition(core.StatePayload{
		OldState: core.StateConnecting, NewState: core.StateConnected,
	})

	got := rec.next(t)
	if got[0] != "Connected" {
		t.Fatalf("title = %q", got[0])
	}
}

func TestErrorCarriesCause(t *testing.T) {
	nm, rec, _ := newTestManager()

	nm.observeTransition(core.StatePayload{
		OldState: core.StateConnecting,
		NewState: core.StateError,
		Err:      errors.New("SOCKS port never opened"),
	})

	got := rec.next(t)
	if got[0] != "Connection error" || got[1] != "SOCKS port never opened" {
		t.Fatalf("got %v", got)
	}
}

func TestDisconnectedOnlyAfterDisconnecting(t *testing.T) {
	nm, rec, _ := newTestManager()

	// Startup transition, not a teardown: stays quiet.
	nm.observeTransition(core.StatePayload{
		OldState: core.StateError, NewState: core.StateDisconnected,
	})
	rec.quiet(t)

	nm.observeTransition(core.StatePayload{
		OldState: core.StateDisconnecting, NewState: core.StateDisconnected,
	})
	if got := rec.next(t); got[0] != "Disconnected" {
		t.Fatalf("title = %q", got[0])
	}
}

func TestThrottleSuppressesRepeats(t *testing.T) {
	nm, rec, clock := newTestManager()
	p := core.StatePayload{OldState: core.StateConnecting, NewState: core.StateConnected}

	nm.observeTransition(p)
	rec.next(t)

	*clock = clock.Add(10 * time.Second)
	nm.observeTransition(p)
	rec.quiet(t)

	*clock = clock.Add(25 * time.Second)
	nm.observeTransition(p)
	rec.next(t)
}

func TestThrottleIsPerKind(t *testing.T) {
	nm, rec, _ := newTestManager()

	nm.observeTransition(core.StatePayload{OldState: core.StateConnecting, NewState: core.StateConnected})
	rec.next(t)

	// A different kind right after is not throttled.
	nm.observeTransition(core.StatePayload{OldState: core.StateConnected, NewState: core.StateError, Err: errors.New("helper exited")})
	if got := rec.next(t); got[0] != "Connection error" {
		t.Fatalf("title = %q", got[0])
	}
}

func TestDisabledStaysQuiet(t *testing.T) {
	nm, rec, _ := newTestManager()
	nm.SetEnabled(false)

	nm.observeTransition(core.StatePayload{OldState: core.StateConnecting, NewState: core.StateConnected})
	rec.quiet(t)
}

func TestAttachRoutesBusEvents(t *testing.T) {
	nm, rec, _ := newTestManager()
	bus := core.NewEventBus()
	nm.Attach(bus)

	bus.Publish(core.Event{
		Type: core.EventStateChanged,
		Payload: core.StatePayload{
			OldState: core.StateConnecting, NewState: core.StateConnected,
		},
	})

	if got := rec.next(t); got[0] != "Connected" {
		t.Fatalf("title = %q", got[0])
	}
}
