package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	b.Subscribe(TopicParsed, func(ev interface{}) {
		n := ev.(int)
		mu.Lock()
		got = append(got, n)
		if n == 9 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		b.Publish(TopicParsed, i)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	b := New()
	ok := make(chan struct{})

	b.Subscribe(TopicParsed, func(ev interface{}) {
		panic("boom")
	})
	b.Subscribe(TopicParsed, func(ev interface{}) {
		close(ok)
	})

	b.Publish(TopicParsed, 1)

	select {
	case <-ok:
	case <-time.After(time.Second):
		t.Fatal("second subscriber never ran after first panicked")
	}
}

func TestSupportsTwentySubscribers(t *testing.T) {
	b := New()
	for i := 0; i < 20; i++ {
		b.Subscribe(TopicEnriched, func(ev interface{}) {})
	}
	require.Equal(t, 20, b.SubscriberCount(TopicEnriched))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var count int
	var mu sync.Mutex
	cancel := b.Subscribe(TopicMessage, func(ev interface{}) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	b.Publish(TopicMessage, 1)
	time.Sleep(20 * time.Millisecond)
	cancel()
	b.Publish(TopicMessage, 2)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, count)
}
