// ABOUTME: Tests for the lifecycle event notifier
// ABOUTME: Verifies fan-out, firehose, slow-subscriber drops, and cleanup

package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(conversationID string) *Event {
	return &Event{
		Type:           EventMessageRouted,
		ConversationID: conversationID,
		TurnNumber:     1,
		Timestamp:      time.Now().UTC(),
	}
}

func TestNotifier_PublishReachesSubscriber(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := n.Subscribe(ctx, "conv-1")
	n.Publish(testEvent("conv-1"))

	select {
	case event := <-ch:
		assert.Equal(t, "conv-1", event.ConversationID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestNotifier_OtherConversationNotDelivered(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := n.Subscribe(ctx, "conv-1")
	n.Publish(testEvent("conv-2"))

	select {
	case event := <-ch:
		t.Fatalf("unexpected event for %s", event.ConversationID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_FirehoseSeesEverything(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := n.Subscribe(ctx, FirehoseKey)
	n.Publish(testEvent("conv-1"))
	n.Publish(testEvent("conv-2"))

	first := <-ch
	second := <-ch
	assert.Equal(t, "conv-1", first.ConversationID)
	assert.Equal(t, "conv-2", second.ConversationID)
}

func TestNotifier_MultipleSubscribers(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch1, _ := n.Subscribe(ctx, "conv-1")
	ch2, _ := n.Subscribe(ctx, "conv-1")
	n.Publish(testEvent("conv-1"))

	assert.NotNil(t, <-ch1)
	assert.NotNil(t, <-ch2)
}

func TestNotifier_Unsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ch, subID := n.Subscribe(context.Background(), "conv-1")
	n.Unsubscribe("conv-1", subID)

	// Channel is closed after unsubscribe.
	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic.
	n.Publish(testEvent("conv-1"))
}

func TestNotifier_UnsubscribeTwiceIsSafe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	_, subID := n.Subscribe(context.Background(), "conv-1")
	n.Unsubscribe("conv-1", subID)
	n.Unsubscribe("conv-1", subID)
}

func TestNotifier_ContextCancellationCleansUp(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := n.Subscribe(ctx, "conv-1")
	cancel()

	// The subscription goroutine closes the channel on cancellation.
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestNotifier_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, _ := n.Subscribe(ctx, "conv-1")

	// Fill the buffer and then some; Publish must never block.
	for i := 0; i < subscriberBufferSize+16; i++ {
		n.Publish(testEvent("conv-1"))
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, subscriberBufferSize, received)
			return
		}
	}
}

func TestNotifier_PublishDuringUnsubscribeDoesNotPanic(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	// Churn subscriptions while publishing; a send must never land on a
	// channel that Unsubscribe has already closed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, subID := n.Subscribe(context.Background(), "conv-1")
			n.Unsubscribe("conv-1", subID)
		}
	}()

	for i := 0; i < 500; i++ {
		n.Publish(testEvent("conv-1"))
	}
	<-done
}

func TestNotifier_CloseShutsDownAllSubscribers(t *testing.T) {
	n := NewNotifier(nil)

	ch1, _ := n.Subscribe(context.Background(), "conv-1")
	ch2, _ := n.Subscribe(context.Background(), FirehoseKey)
	n.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}
