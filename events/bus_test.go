package events

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	s1 := b.Subscribe()
	s2 := b.Subscribe()

	b.Publish(Event{Kind: KindTaskStarted, Repository: "ns/img"})

	select {
	case ev := <-s1.Events():
		require.Equal(t, KindTaskStarted, ev.Kind)
		require.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("s1 did not receive event")
	}
	select {
	case ev := <-s2.Events():
		require.Equal(t, KindTaskStarted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("s2 did not receive event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	s := b.Subscribe()
	b.Unsubscribe(s)

	_, ok := <-s.Events()
	require.False(t, ok)
	require.Equal(t, 0, b.SubscriberCount())
}

func TestPublishNonBlockingOnFullBuffer(t *testing.T) {
	b := New(WithBufferSize(1))
	s := b.Subscribe()

	b.Publish(Event{Kind: KindTaskProgress})
	b.Publish(Event{Kind: KindTaskProgress}) // dropped, buffer full

	require.Equal(t, int64(1), b.DroppedCount(s))
}

// TestConcurrentPublishersDoNotRace drives many goroutines publishing
// against a single tiny-buffered subscriber at once, so every publisher
// hits the full-buffer drop path concurrently. Run with -race: a shared
// dropped map counted under Publish's RLock would trip the race
// detector here (and, without -race, could panic with "concurrent map
// writes").
func TestConcurrentPublishersDoNotRace(t *testing.T) {
	b := New(WithBufferSize(1))
	s := b.Subscribe()

	const publishers = 32
	const perPublisher = 200

	var wg sync.WaitGroup
	wg.Add(publishers)
	for i := 0; i < publishers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				b.Publish(Event{Kind: KindTaskProgress})
			}
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, b.DroppedCount(s), int64(0))
}

func TestTaskFailedCarriesError(t *testing.T) {
	b := New()
	s := b.Subscribe()
	wantErr := errors.New("boom")

	b.Publish(Event{Kind: KindTaskFailed, Err: wantErr})
	ev := <-s.Events()
	require.ErrorIs(t, ev.Err, wantErr)
}
