package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"rlm/internal/logging"
	"rlm/pkg/types"
)

func TestPublishOrderPreserved(t *testing.T) {
	bus := NewBus(logging.Nop())

	var got []int
	bus.Subscribe(func(event types.Event) {
		ev := event.(types.StreamTokenEvent)
		got = append(got, ev.Iteration)
	})

	for i := 0; i < 100; i++ {
		bus.Publish(types.StreamTokenEvent{Token: "t", Iteration: i})
	}

	require.Len(t, got, 100)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestSubscribersSeeEventsInSubscriptionOrder(t *testing.T) {
	bus := NewBus(logging.Nop())

	var order []string
	bus.Subscribe(func(types.Event) { order = append(order, "first") })
	bus.Subscribe(func(types.Event) { order = append(order, "second") })

	bus.Publish(types.LogEvent{Message: "x"})
	require.Equal(t, []string{"first", "second"}, order)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(logging.Nop())

	count := 0
	sid := bus.Subscribe(func(types.Event) { count++ })
	bus.Publish(types.LogEvent{Message: "one"})
	bus.Unsubscribe(sid)
	bus.Publish(types.LogEvent{Message: "two"})

	require.Equal(t, 1, count)
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(logging.Nop())

	delivered := false
	bus.Subscribe(func(types.Event) { panic("observer bug") })
	bus.Subscribe(func(types.Event) { delivered = true })

	bus.Publish(types.LogEvent{Message: "x"})
	require.True(t, delivered)
}

func TestCloseDropsFurtherEvents(t *testing.T) {
	bus := NewBus(logging.Nop())

	count := 0
	bus.Subscribe(func(types.Event) { count++ })
	bus.Publish(types.LogEvent{Message: "one"})
	bus.Close()
	bus.Publish(types.LogEvent{Message: "two"})

	require.Equal(t, 1, count)
}

func TestConcurrentPublishSafe(t *testing.T) {
	bus := NewBus(logging.Nop())

	var mu sync.Mutex
	count := 0
	bus.Subscribe(func(types.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(types.LogEvent{Message: "m"})
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 400, count)
}
