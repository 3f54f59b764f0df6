package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type testEvent struct {
	Message string
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_Subscribe_And_Publish(t *testing.T) {
	bus := New[testEvent]()

	var received testEvent
	var gotTopic string
	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe("greeting", func(topic string, e testEvent) {
		received, gotTopic = e, topic
		wg.Done()
	})

	bus.Publish("greeting", testEvent{Message: "hello"})
	waitOrFail(t, &wg)

	assert.Equal(t, "hello", received.Message)
	assert.Equal(t, "greeting", gotTopic)
}

func TestBus_PublishSync(t *testing.T) {
	bus := New[testEvent]()

	var received testEvent
	bus.Subscribe("greeting", func(_ string, e testEvent) { received = e })

	bus.PublishSync("greeting", testEvent{Message: "sync"})

	assert.Equal(t, "sync", received.Message)
}

func TestBus_TopicIsolation(t *testing.T) {
	bus := New[testEvent]()

	var calls []string
	bus.Subscribe("a", func(topic string, _ testEvent) { calls = append(calls, topic) })
	bus.Subscribe("b", func(topic string, _ testEvent) { calls = append(calls, topic) })

	bus.PublishSync("a", testEvent{})
	bus.PublishSync("c", testEvent{})

	assert.Equal(t, []string{"a"}, calls)
}

func TestBus_Wildcard(t *testing.T) {
	bus := New[testEvent]()

	var mu sync.Mutex
	var topics []string
	var wg sync.WaitGroup
	wg.Add(3)

	bus.Subscribe(Wildcard, func(topic string, _ testEvent) {
		mu.Lock()
		topics = append(topics, topic)
		mu.Unlock()
		wg.Done()
	})
	bus.Subscribe("x", func(string, testEvent) { wg.Done() })

	bus.Publish("x", testEvent{})
	bus.Publish("y", testEvent{})
	waitOrFail(t, &wg)

	assert.ElementsMatch(t, []string{"x", "y"}, topics)
}

func TestBus_SubscriberCount(t *testing.T) {
	bus := New[testEvent]()

	assert.False(t, bus.HasSubscribers("a"))
	assert.Equal(t, 0, bus.SubscriberCount("a"))

	bus.Subscribe("a", func(string, testEvent) {})
	bus.Subscribe("a", func(string, testEvent) {})
	bus.Subscribe(Wildcard, func(string, testEvent) {})

	assert.True(t, bus.HasSubscribers("a"))
	assert.Equal(t, 3, bus.SubscriberCount("a"))
	assert.Equal(t, 1, bus.SubscriberCount("b"))
	assert.Equal(t, 1, bus.SubscriberCount(Wildcard))
}
