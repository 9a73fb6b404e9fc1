package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/mbflow/engine/internal/domain"
)

func TestBus_PublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	_, ch := b.Subscribe(Filter{ExecutionID: "exec1"})

	b.Publish(domain.Event{Type: domain.EventNodeStarted, ExecutionID: "exec1", NodeID: "n1"})

	select {
	case evt := <-ch:
		assert.Equal(t, domain.EventNodeStarted, evt.Type)
		assert.Equal(t, "n1", evt.NodeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBus_FilterExcludesNonMatchingExecution(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	_, ch := b.Subscribe(Filter{ExecutionID: "exec1"})
	b.Publish(domain.Event{Type: domain.EventNodeStarted, ExecutionID: "exec2"})

	select {
	case <-ch:
		t.Fatal("subscriber should not have received an event for a different execution")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_WildcardFilterReceivesEverything(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	_, ch := b.Subscribe(Filter{})
	b.Publish(domain.Event{Type: domain.EventWorkflowStarted, ExecutionID: "e1", WorkflowID: "w1"})
	b.Publish(domain.Event{Type: domain.EventWorkflowStarted, ExecutionID: "e2", WorkflowID: "w2"})

	for i := 0; i < 2; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	handle, ch := b.Subscribe(Filter{})
	b.Unsubscribe(handle)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after Unsubscribe")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for channel to close")
	}
}

func TestBus_PublishDoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	b := New(zerolog.Nop())
	defer b.Close()

	_, ch := b.Subscribe(Filter{ExecutionID: "exec1"})
	_ = ch // intentionally never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(domain.Event{Type: domain.EventNodeStarted, ExecutionID: "exec1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
}
