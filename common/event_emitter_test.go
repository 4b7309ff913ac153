package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvEvent(t *testing.T, ch chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBaseEventEmitterSpecificEvent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)
	ch := make(chan Event)
	emitter.on(ctx, []string{"a"}, ch)

	emitter.emit("a", "payload")
	ev := recvEvent(t, ch)
	assert.Equal(t, "a", ev.typ)
	assert.Equal(t, "payload", ev.data)

	// An event the handler did not subscribe to must not reach it.
	emitter.emit("b", nil)
	select {
	case ev := <-ch:
		t.Fatalf("received unsubscribed event %q", ev.typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBaseEventEmitterOrdering(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)
	ch := make(chan Event)
	emitter.on(ctx, []string{"tick"}, ch)

	const n = 25
	for i := 0; i < n; i++ {
		emitter.emit("tick", i)
	}
	for i := 0; i < n; i++ {
		ev := recvEvent(t, ch)
		require.Equal(t, i, ev.data, "events delivered out of emit order")
	}
}

func TestBaseEventEmitterAllEvents(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)
	ch := make(chan Event)
	emitter.onAll(ctx, ch)

	emitter.emit("a", 1)
	emitter.emit("b", 2)
	assert.Equal(t, "a", recvEvent(t, ch).typ)
	assert.Equal(t, "b", recvEvent(t, ch).typ)
}

func TestBaseEventEmitterCancelledHandler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	emitter := NewBaseEventEmitter(ctx)

	handlerCtx, handlerCancel := context.WithCancel(ctx)
	ch := make(chan Event)
	emitter.on(handlerCtx, []string{"a"}, ch)
	handlerCancel()

	// Emitting after the handler's context is gone must neither block
	// nor deliver.
	emitter.emit("a", nil)
	select {
	case <-ch:
		t.Fatal("received event on cancelled handler")
	case <-time.After(50 * time.Millisecond):
	}
}
