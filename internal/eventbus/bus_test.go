package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/pkg/types"
)

func startBus(t *testing.T) (*Bus, context.CancelFunc, chan struct{}) {
	t.Helper()
	bus := New(64, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()
	return bus, cancel, done
}

func TestBus_FanOut(t *testing.T) {
	bus, cancel, done := startBus(t)
	defer func() { cancel(); <-done }()

	ui := bus.Subscribe(10)
	rep := bus.Subscribe(10)

	bus.Publish(types.Info("test", "hello"))

	for _, ch := range []<-chan types.Event{ui, rep} {
		select {
		case ev := <-ch:
			assert.Equal(t, types.EventInfo, ev.Kind)
			assert.Equal(t, "hello", ev.Message)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestBus_PerProducerOrder(t *testing.T) {
	bus, cancel, done := startBus(t)
	defer func() { cancel(); <-done }()

	sub := bus.Subscribe(1000)

	const producers, perProducer = 4, 100
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				bus.Publish(types.Info(fmt.Sprintf("p%d", p), "%d", i))
			}
		}(p)
	}
	wg.Wait()

	last := map[string]int{}
	for i := 0; i < producers*perProducer; i++ {
		select {
		case ev := <-sub:
			var n int
			_, err := fmt.Sscanf(ev.Message, "%d", &n)
			require.NoError(t, err)
			if prev, ok := last[ev.Source]; ok {
				assert.Greater(t, n, prev, "events from %s out of order", ev.Source)
			}
			last[ev.Source] = n
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %d events", i)
		}
	}
	assert.Len(t, last, producers)
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus, cancel, done := startBus(t)
	defer func() { cancel(); <-done }()

	slow := bus.Subscribe(1)
	fast := bus.Subscribe(100)

	for i := 0; i < 10; i++ {
		bus.Publish(types.Info("test", "%d", i))
	}

	received := 0
	timeout := time.After(time.Second)
	for received < 10 {
		select {
		case <-fast:
			received++
		case <-timeout:
			t.Fatalf("fast subscriber got %d events", received)
		}
	}

	_, dropped := bus.Stats()
	assert.GreaterOrEqual(t, dropped, uint64(1))
	assert.Len(t, slow, 1)
}

func TestBus_ShutdownClosesSubscribers(t *testing.T) {
	bus, cancel, done := startBus(t)
	sub := bus.Subscribe(10)

	bus.Publish(types.Error("test", "last words"))
	cancel()
	<-done

	var got []types.Event
	for ev := range sub {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "last words", got[0].Message)

	// Publishing after shutdown must not block.
	finished := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(types.Info("test", "late"))
		}
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked after shutdown")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus, cancel, done := startBus(t)
	defer func() { cancel(); <-done }()

	sub := bus.Subscribe(10)
	bus.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}
