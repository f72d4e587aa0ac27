package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe(TopicFeed)
	other := b.Subscribe(ZoneTopic("zone-1"))

	evt := Event{Type: "zone.critical", Data: map[string]any{"x": 1}}
	b.Publish(TopicFeed, evt)

	select {
	case got := <-ch:
		if got.Type != evt.Type {
			t.Fatalf("got type %s, want %s", got.Type, evt.Type)
		}
		if got.Data.(map[string]any)["x"].(int) != 1 {
			t.Fatalf("bad payload: %+v", got.Data)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
	select {
	case got := <-other:
		t.Fatalf("zone topic received feed event %+v", got)
	default:
	}

	b.Unsubscribe(TopicFeed, ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	// A second unsubscribe is a no-op, not a double close.
	b.Unsubscribe(TopicFeed, ch)
	if n := b.Subscribers(TopicFeed); n != 0 {
		t.Fatalf("subscribers = %d", n)
	}
}

func TestMemoryDropsWhenFull(t *testing.T) {
	b := NewMemory()
	ch := b.Subscribe(TopicFeed)
	for i := 0; i < 100; i++ {
		b.Publish(TopicFeed, Event{Type: "zones.ticked"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("buffered = %d, want %d", len(ch), cap(ch))
	}
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := NewRedis(context.Background(), "redis://"+mr.Addr(), nil)
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer b.Close()

	ch := b.Subscribe(ZoneTopic("zone-1"))
	b.Publish(ZoneTopic("zone-1"), Event{Type: "collection.confirmed", Data: map[string]any{"zoneId": "zone-1"}})

	select {
	case got := <-ch:
		if got.Type != "collection.confirmed" || got.Data.(map[string]any)["zoneId"] != "zone-1" {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis event")
	}

	b.Unsubscribe(ZoneTopic("zone-1"), ch)
	select {
	case _, ok := <-ch:
		if ok {
			// drain anything in flight, then expect close
			for range ch {
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestNewRedisBadURL(t *testing.T) {
	if _, err := NewRedis(context.Background(), "not-a-url", nil); err == nil {
		t.Fatal("expected error")
	}
}
