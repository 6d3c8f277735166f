package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus(t *testing.T) {
	t.Run("every subscriber sees every event in order", func(t *testing.T) {
		b := newEventBus()
		s1, s2 := b.subscribe(4), b.subscribe(4)
		defer s1.Close()
		defer s2.Close()

		b.publish(Event{Kind: EventRoomSubscribed, RoomID: "a"})
		b.publish(Event{Kind: EventRoomSubscribed, RoomID: "b"})
		for _, s := range []*Subscription{s1, s2} {
			assert.Equal(t, "a", (<-s.C).RoomID)
			assert.Equal(t, "b", (<-s.C).RoomID)
		}
	})

	t.Run("publish blocks on a full buffer", func(t *testing.T) {
		b := newEventBus()
		s := b.subscribe(1)
		defer s.Close()

		b.publish(Event{Kind: EventDegradedChanged})
		done := make(chan struct{})
		go func() {
			b.publish(Event{Kind: EventDegradedChanged, Degraded: true})
			close(done)
		}()

		select {
		case <-done:
			t.Fatal("publish did not wait for the consumer")
		case <-time.After(30 * time.Millisecond):
		}
		<-s.C
		<-done
		assert.True(t, (<-s.C).Degraded)
	})

	t.Run("closing unblocks a waiting publisher", func(t *testing.T) {
		b := newEventBus()
		s := b.subscribe(0)
		done := make(chan struct{})
		go func() {
			b.publish(Event{Kind: EventPresenceChanged})
			close(done)
		}()
		time.Sleep(10 * time.Millisecond)
		s.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("publisher stuck after close")
		}
		assert.NotPanics(t, s.Close)
	})
}

func TestWatchCoalesces(t *testing.T) {
	n := newNotifier()
	w := n.watch()
	for i := uint64(1); i <= 5; i++ {
		n.notify(i)
	}
	require.Equal(t, uint64(5), <-w.C)
	select {
	case <-w.C:
		t.Fatal("burst was not coalesced")
	default:
	}

	w.Close()
	n.notify(6)
	select {
	case <-w.C:
		t.Fatal("closed watch signalled")
	default:
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "messageReceived", EventMessageReceived.String())
	assert.Equal(t, "roomSubscribed", EventRoomSubscribed.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
