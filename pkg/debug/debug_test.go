package debug

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamFanOutToMultipleSubscribers(t *testing.T) {
	s := NewStream()
	ch1, unsub1 := s.Subscribe(4)
	defer unsub1()
	ch2, unsub2 := s.Subscribe(4)
	defer unsub2()

	s.Emit(Event{Kind: KindProbeRequested, ProbeId: "cpu.info"})

	select {
	case e := <-ch1:
		assert.Equal(t, KindProbeRequested, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 did not receive event")
	}
	select {
	case e := <-ch2:
		assert.Equal(t, KindProbeRequested, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 did not receive event")
	}
}

func TestStreamUnsubscribeClosesChannel(t *testing.T) {
	s := NewStream()
	ch, unsub := s.Subscribe(1)
	unsub()

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestStreamSlowSubscriberDoesNotBlock(t *testing.T) {
	s := NewStream()
	_, unsub := s.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			s.Emit(Event{Kind: KindProbeCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full subscriber buffer")
	}
}

func TestNoopEmitterDiscardsEvents(t *testing.T) {
	var e Emitter = NoopEmitter{}
	require.NotPanics(t, func() {
		e.Emit(Event{Kind: KindRefusalEmitted})
	})
}
