package events

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wentf9/xops-remote/pkg/logger"
)

func TestBus_PerKeyOrder(t *testing.T) {
	bus := NewBus[int](logger.Discard())
	defer bus.Close()

	var mu sync.Mutex
	got := map[string][]int{}
	sub := bus.Subscribe(func(n int) {
		key := "odd"
		if n%2 == 0 {
			key = "even"
		}
		mu.Lock()
		got[key] = append(got[key], n)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	for i := 0; i < 200; i++ {
		key := "odd"
		if i%2 == 0 {
			key = "even"
		}
		bus.Publish(key, i)
	}
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got["even"], 100)
	require.Len(t, got["odd"], 100)
	for i := 1; i < 100; i++ {
		assert.Less(t, got["even"][i-1], got["even"][i])
		assert.Less(t, got["odd"][i-1], got["odd"][i])
	}
}

func TestBus_SubscribeKey(t *testing.T) {
	bus := NewBus[string](logger.Discard())

	var mu sync.Mutex
	var got []string
	sub := bus.SubscribeKey("conn-1", func(s string) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	defer sub.Unsubscribe()

	bus.Publish("conn-1", "a")
	bus.Publish("conn-2", "b")
	bus.Publish("conn-1", "c")
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "c"}, got)
}

func TestBus_ExactlyOncePerSubscriber(t *testing.T) {
	bus := NewBus[int](logger.Discard())

	counts := make([]int, 3)
	var mu sync.Mutex
	for i := range counts {
		i := i
		bus.Subscribe(func(int) {
			mu.Lock()
			counts[i]++
			mu.Unlock()
		})
	}
	for i := 0; i < 50; i++ {
		bus.Publish(fmt.Sprintf("k%d", i%5), i)
	}
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{50, 50, 50}, counts)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus[int](logger.Discard())

	var mu sync.Mutex
	n := 0
	sub := bus.Subscribe(func(int) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	bus.Publish("k", 1)
	bus.Flush()
	sub.Unsubscribe()
	sub.Unsubscribe() // 幂等
	bus.Publish("k", 2)
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestBus_PanicDoesNotStopDelivery(t *testing.T) {
	bus := NewBus[int](logger.Discard())

	var mu sync.Mutex
	var got []int
	bus.Subscribe(func(n int) {
		if n == 1 {
			panic("boom")
		}
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})
	bus.Publish("k", 1)
	bus.Publish("k", 2)
	bus.Flush()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{2}, got)
}

func TestBus_ClosedDropsNewEvents(t *testing.T) {
	bus := NewBus[int](logger.Discard())
	called := false
	bus.Subscribe(func(int) { called = true })
	bus.Close()
	bus.Publish("k", 1)
	bus.Flush()
	assert.False(t, called)
}
