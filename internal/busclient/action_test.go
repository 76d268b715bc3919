package busclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

func TestKind_String(t *testing.T) {
	assert.Equal(t, "connect", Connect.String())
	assert.Equal(t, "publish", Publish.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestQueue_EnqueueAssignsTraceIDWhenEmpty(t *testing.T) {
	c := newTestClient(t)
	q := NewQueue(c, 4, testLogger())

	q.Enqueue(Action{Kind: Publish, Topic: "x", Payload: []byte("y")})
	a := <-q.ch
	assert.NotEmpty(t, a.TraceID)
}

func TestQueue_EnqueuePreservesExplicitTraceID(t *testing.T) {
	c := newTestClient(t)
	q := NewQueue(c, 4, testLogger())

	q.Enqueue(Action{Kind: Publish, TraceID: "fixed"})
	a := <-q.ch
	assert.Equal(t, "fixed", a.TraceID)
}

func TestQueue_PublishWhileDisconnectedIsNotReady(t *testing.T) {
	c := newTestClient(t)
	q := NewQueue(c, 4, testLogger())

	result := q.perform(context.Background(), Action{Kind: Publish, Topic: "x", Payload: []byte("y")}, 200*time.Millisecond)
	assert.Equal(t, NotReady, result)
}

func TestQueue_SubscribeWhileDisconnectedIsNotReady(t *testing.T) {
	c := newTestClient(t)
	q := NewQueue(c, 4, testLogger())

	filters := ctrlid.HostFilters(ctrlid.MustParse("0123456789abcdef"))
	result := q.perform(context.Background(), Action{Kind: Subscribe, Filters: filters}, 200*time.Millisecond)
	assert.Equal(t, NotReady, result)
}

func TestQueue_Run_StopsOnContextCancel(t *testing.T) {
	c := newTestClient(t)
	q := NewQueue(c, 4, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx, 200*time.Millisecond, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancellation")
	}
}
