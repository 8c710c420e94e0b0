package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("pegboard.runner.abc", 4)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish("pegboard.runner.abc", []byte("hi")))

	select {
	case msg := <-sub.Messages:
		assert.Equal(t, "hi", string(msg.Data))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMessageTooLarge(t *testing.T) {
	bus := NewBus()
	data := make([]byte, MaxMessageSize+1)
	err := bus.Publish("x", data)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 1)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish("s", []byte("x")))

	_, ok := <-sub.Messages
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestSlowSubscriberDropsRatherThanBlocks(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("s", 1)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = bus.Publish("s", []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestRequestReply(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("pegboard.runner.check-queue.ns.r", 4)
	defer sub.Unsubscribe()

	go func() {
		msg := <-sub.Messages
		_ = bus.Publish(msg.ReplyTo, []byte("ack"))
	}()

	reply, err := bus.Request(context.Background(), "pegboard.runner.check-queue.ns.r", []byte("go"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(reply.Data))
}

func TestRequestTimeout(t *testing.T) {
	bus := NewBus()
	_, err := bus.Request(context.Background(), "nobody-listens", []byte("go"), 10*time.Millisecond)
	assert.Error(t, err)
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "pegboard.runner.r1", RunnerSubject("r1"))
	assert.Equal(t, "pegboard.gateway.g1", GatewaySubject("g1"))
	assert.Equal(t, "pegboard.runner.eviction-by-id.r1", RunnerEvictionByID("r1"))
	assert.Equal(t, "pegboard.runner.eviction-by-name.ns.name.key", RunnerEvictionByName("ns", "name", "key"))
}
