package hub

import (
	"testing"
	"time"
)

func drainOne(t *testing.T, ob *Outbox, timeout time.Duration) []Event {
	t.Helper()
	select {
	case <-ob.Recv():
		return ob.Drain()
	case <-time.After(timeout):
		t.Fatal("timed out waiting for outbox event")
		return nil
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := New()
	defer h.Shutdown()

	ob := h.Subscribe("ROOM01", "sess1")
	h.Publish("ROOM01", Event{Name: "room-update", Payload: 1})
	h.Publish("ROOM01", Event{Name: "room-update", Payload: 2})

	events := drainOne(t, ob, time.Second)
	if len(events) != 2 || events[0].Payload != 1 || events[1].Payload != 2 {
		t.Fatalf("expected ordered delivery, got %+v", events)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := New()
	defer h.Shutdown()

	ob := h.Subscribe("ROOM01", "sess1")
	h.Unsubscribe("ROOM01", "sess1")
	h.Publish("ROOM01", Event{Name: "room-update"})

	select {
	case <-ob.Recv():
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOutboxDropsOldestNonCriticalOnOverflow(t *testing.T) {
	h := New()
	defer h.Shutdown()

	ob := h.Subscribe("ROOM01", "sess1")
	for i := 0; i < outboxCapacity+5; i++ {
		h.Publish("ROOM01", Event{Name: "room-update", Payload: i})
	}

	events := drainOne(t, ob, time.Second)
	if len(events) != outboxCapacity {
		t.Fatalf("expected queue capped at %d, got %d", outboxCapacity, len(events))
	}
	// the oldest entries should have been dropped, so the tail survives.
	last := events[len(events)-1].Payload.(int)
	if last != outboxCapacity+4 {
		t.Fatalf("expected newest event to survive, got payload %v", last)
	}
}

func TestCriticalEventsNeverDropped(t *testing.T) {
	h := New()
	defer h.Shutdown()

	ob := h.Subscribe("ROOM01", "sess1")
	for i := 0; i < outboxCapacity+10; i++ {
		h.Publish("ROOM01", Event{Name: "problem-solved", Payload: i})
	}

	events := drainOne(t, ob, time.Second)
	if len(events) != outboxCapacity+10 {
		t.Fatalf("expected all critical events retained, got %d", len(events))
	}
}

func TestSessionRegistryMultiTab(t *testing.T) {
	h := New()
	defer h.Shutdown()

	h.RegisterSession("user1", "sessA")
	h.RegisterSession("user1", "sessB")

	_, hasOther := h.UnregisterSession("sessA")
	if !hasOther {
		t.Fatal("expected user1 to still have sessB")
	}
	_, hasOther = h.UnregisterSession("sessB")
	if hasOther {
		t.Fatal("expected no sessions left for user1")
	}
}

func TestGraceTicketCancel(t *testing.T) {
	h := New()
	defer h.Shutdown()

	fired := make(chan struct{}, 1)
	h.OpenGrace("ROOM01", "user1", "alice", 20*time.Millisecond, func(room, user, handle string) {
		fired <- struct{}{}
	})

	if !h.CancelGrace("ROOM01", "user1") {
		t.Fatal("expected an existing grace ticket to cancel")
	}

	select {
	case <-fired:
		t.Fatal("expected cancelled grace ticket not to fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGraceTicketExpiry(t *testing.T) {
	h := New()
	defer h.Shutdown()

	fired := make(chan struct{}, 1)
	h.OpenGrace("ROOM01", "user1", "alice", 10*time.Millisecond, func(room, user, handle string) {
		fired <- struct{}{}
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected grace ticket to expire")
	}
}

func TestStartGameRuntimeReplacesIdempotently(t *testing.T) {
	h := New()
	defer h.Shutdown()

	fireCount := make(chan int, 2)
	calls := 0
	cb := func(code string) { calls++; fireCount <- calls }

	h.StartGameRuntime("ROOM01", time.Now(), 30*time.Millisecond, cb)
	h.StartGameRuntime("ROOM01", time.Now(), 10*time.Millisecond, cb)

	select {
	case n := <-fireCount:
		if n != 1 {
			t.Fatalf("expected exactly one callback to fire, got count %d", n)
		}
	case <-time.After(time.Second):
		t.Fatal("expected replaced runtime to fire once")
	}

	select {
	case <-fireCount:
		t.Fatal("expected the superseded timer not to also fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStaleEmptyTopicsTracksUnsubscribe(t *testing.T) {
	h := New()
	defer h.Shutdown()

	h.Subscribe("ROOM01", "sess1")
	h.Unsubscribe("ROOM01", "sess1")

	if stale := h.StaleEmptyTopics(0); len(stale) != 1 || stale[0] != "ROOM01" {
		t.Fatalf("expected ROOM01 to be stale with a zero max age, got %+v", stale)
	}
	if stale := h.StaleEmptyTopics(time.Hour); len(stale) != 0 {
		t.Fatalf("expected no stale topics under an hour-long max age, got %+v", stale)
	}
}

func TestSubscribeClearsStaleTracking(t *testing.T) {
	h := New()
	defer h.Shutdown()

	h.Subscribe("ROOM01", "sess1")
	h.Unsubscribe("ROOM01", "sess1")
	h.Subscribe("ROOM01", "sess2")

	if stale := h.StaleEmptyTopics(0); len(stale) != 0 {
		t.Fatalf("expected resubscribe to clear stale tracking, got %+v", stale)
	}
}

func TestForgetEmptyTopic(t *testing.T) {
	h := New()
	defer h.Shutdown()

	h.Subscribe("ROOM01", "sess1")
	h.Unsubscribe("ROOM01", "sess1")
	h.ForgetEmptyTopic("ROOM01")

	if stale := h.StaleEmptyTopics(0); len(stale) != 0 {
		t.Fatalf("expected forgotten topic to no longer be stale, got %+v", stale)
	}
}
