// internal/bus/bus_test.go
package bus

import (
	"testing"

	"github.com/user/attache/internal/types"
)

func TestPublishAssignsPerSessionSequence(t *testing.T) {
	b := New()
	a := types.NewSessionID()
	other := types.NewSessionID()

	first := b.Publish(a, types.EventTurnStarted, nil)
	second := b.Publish(a, types.EventTurnCompleted, nil)
	crossed := b.Publish(other, types.EventTurnStarted, nil)

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("expected seq 1,2 got %d,%d", first.Seq, second.Seq)
	}
	if crossed.Seq != 1 {
		t.Errorf("other session should start at 1, got %d", crossed.Seq)
	}
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	b := New()
	sessionID := types.NewSessionID()
	sub := b.Subscribe(sessionID, 8)
	defer b.Unsubscribe(sessionID, sub)

	b.Publish(sessionID, types.EventTurnStarted, map[string]string{"text": "hi"})
	b.Publish(sessionID, types.EventTokenDelta, nil)
	b.Publish(sessionID, types.EventTurnCompleted, nil)

	var last int64
	for i := 0; i < 3; i++ {
		event := <-sub.C
		if event.Seq <= last {
			t.Errorf("out of order: seq %d after %d", event.Seq, last)
		}
		last = event.Seq
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New()
	sessionID := types.NewSessionID()
	sub := b.Subscribe(sessionID, 2)
	defer b.Unsubscribe(sessionID, sub)

	// Nobody draining: the third publish must not block, and must shed
	// the oldest buffered event to make room for the newest.
	b.Publish(sessionID, types.EventTurnStarted, nil)
	b.Publish(sessionID, types.EventTokenDelta, nil)
	b.Publish(sessionID, types.EventTurnCompleted, nil)

	first := <-sub.C
	if first.Seq != 2 {
		t.Errorf("expected oldest event dropped, first seq = %d", first.Seq)
	}
	second := <-sub.C
	if second.Type != types.EventTurnCompleted {
		t.Errorf("expected newest event retained, got %s", second.Type)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sessionID := types.NewSessionID()
	sub := b.Subscribe(sessionID, 4)
	b.Unsubscribe(sessionID, sub)

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	b.Publish(sessionID, types.EventTurnStarted, nil)
}
