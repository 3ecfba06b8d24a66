package broadcast

import (
	"fmt"
	"testing"
	"time"
)

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	var out []Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
	return out
}

func TestHub_TwoSubscribersIdenticalOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub1 := hub.Subscribe("s1", 32)
	sub2 := hub.Subscribe("s1", 32)

	const n = 10
	for i := 0; i < n; i++ {
		hub.Publish(Event{SessionID: "s1", Type: KindTrades, Data: i})
	}
	hub.Publish(Event{SessionID: "s1", Type: KindMetrics, Data: "final"})

	got1 := collect(sub1, n+1, time.Second)
	got2 := collect(sub2, n+1, time.Second)

	if len(got1) != n+1 || len(got2) != n+1 {
		t.Fatalf("Expected %d events each, got %d and %d", n+1, len(got1), len(got2))
	}
	for i := range got1 {
		if got1[i].Data != got2[i].Data || got1[i].Type != got2[i].Type {
			t.Fatalf("Subscribers diverged at index %d: %v vs %v", i, got1[i], got2[i])
		}
	}
	if got1[n].Type != KindMetrics {
		t.Errorf("Expected final metrics event, got %s", got1[n].Type)
	}
}

func TestHub_FilterBySession(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	only1 := hub.Subscribe("s1", 8)
	all := hub.Subscribe("", 8)

	hub.Publish(Event{SessionID: "s1", Type: KindAlert, Data: "a"})
	hub.Publish(Event{SessionID: "s2", Type: KindAlert, Data: "b"})

	got := collect(only1, 1, time.Second)
	if len(got) != 1 || got[0].SessionID != "s1" {
		t.Errorf("Filtered subscriber received wrong events: %v", got)
	}
	select {
	case ev := <-only1.Events():
		t.Errorf("Unexpected extra event: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	gotAll := collect(all, 2, time.Second)
	if len(gotAll) != 2 {
		t.Errorf("All-sessions subscriber expected 2 events, got %d", len(gotAll))
	}
}

func TestHub_SlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("s1", 4)

	// Publish more than the queue can hold without consuming.
	for i := 0; i < 10; i++ {
		hub.Publish(Event{SessionID: "s1", Type: KindTrades, Data: i})
	}

	got := collect(sub, 4, time.Second)
	if len(got) != 4 {
		t.Fatalf("Expected 4 queued events, got %d", len(got))
	}
	// Oldest dropped: the survivors are the newest four, in order.
	for i, ev := range got {
		if ev.Data != 6+i {
			t.Errorf("Expected event %d at index %d, got %v", 6+i, i, ev.Data)
		}
	}
	if sub.Dropped() != 6 {
		t.Errorf("Expected 6 dropped, got %d", sub.Dropped())
	}
}

func TestHub_DisconnectDoesNotAffectOthers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub1 := hub.Subscribe("s1", 8)
	sub2 := hub.Subscribe("s1", 8)

	sub1.Close()
	sub1.Close() // double close is safe

	hub.Publish(Event{SessionID: "s1", Type: KindAlert, Data: "after close"})

	got := collect(sub2, 1, time.Second)
	if len(got) != 1 {
		t.Fatalf("Surviving subscriber missed the event")
	}

	if _, ok := <-sub1.Events(); ok {
		t.Error("Closed subscription channel still open")
	}
	if hub.SubscriberCount() != 1 {
		t.Errorf("Expected 1 subscriber, got %d", hub.SubscriberCount())
	}
}

func TestHub_ConcurrentPublishersFIFOPerSession(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	sub := hub.Subscribe("", 1024)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Publish(Event{SessionID: "a", Type: KindTrades, Data: fmt.Sprintf("a-%d", i)})
		}
	}()
	for i := 0; i < 100; i++ {
		hub.Publish(Event{SessionID: "b", Type: KindTrades, Data: fmt.Sprintf("b-%d", i)})
	}
	<-done

	got := collect(sub, 200, 2*time.Second)
	if len(got) != 200 {
		t.Fatalf("Expected 200 events, got %d", len(got))
	}

	// Per-session order preserved regardless of interleaving.
	nextA, nextB := 0, 0
	for _, ev := range got {
		switch ev.SessionID {
		case "a":
			if want := fmt.Sprintf("a-%d", nextA); ev.Data != want {
				t.Fatalf("Session a out of order: got %v, want %s", ev.Data, want)
			}
			nextA++
		case "b":
			if want := fmt.Sprintf("b-%d", nextB); ev.Data != want {
				t.Fatalf("Session b out of order: got %v, want %s", ev.Data, want)
			}
			nextB++
		}
	}
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	hub := NewHub()
	hub.Close()

	sub := hub.Subscribe("s1", 8)
	if _, ok := <-sub.Events(); ok {
		t.Error("Subscription on closed hub should be closed immediately")
	}
	hub.Publish(Event{SessionID: "s1", Type: KindAlert}) // must not panic
}
