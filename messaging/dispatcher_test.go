package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagemq/stagemq-go/contracts"
)

func eventBody(t *testing.T, event *contracts.Event) []byte {
	t.Helper()
	body, err := event.Serialize()
	require.NoError(t, err)
	return body
}

func TestDispatcherObservers(t *testing.T) {
	d := NewDispatcher()

	var typed, wildcard, other []string
	d.Subscribe("ActivityStarted", func(event *contracts.Event, contextID string) {
		typed = append(typed, event.ID())
	})
	d.Subscribe(WildcardType, func(event *contracts.Event, contextID string) {
		wildcard = append(wildcard, event.ID())
	})
	d.Subscribe("ActivityFinished", func(event *contracts.Event, contextID string) {
		other = append(other, event.ID())
	})

	event := contracts.NewEvent("ActivityStarted", "1.0.0")
	decision, err := d.Handle(context.Background(), eventBody(t, event))

	require.NoError(t, err)
	assert.Equal(t, Acknowledge, decision)
	assert.Equal(t, []string{event.ID()}, typed)
	assert.Equal(t, []string{event.ID()}, wildcard)
	assert.Empty(t, other)
}

func TestDispatcherDeciders(t *testing.T) {
	t.Run("any positive vote acknowledges", func(t *testing.T) {
		d := NewDispatcher()
		calls := 0
		d.SubscribeDecider("ActivityStarted", func(event *contracts.Event, contextID string) bool {
			calls++
			return false
		})
		d.SubscribeDecider("ActivityStarted", func(event *contracts.Event, contextID string) bool {
			calls++
			return true
		})
		// All deciders run even after a positive vote.
		d.SubscribeDecider("ActivityStarted", func(event *contracts.Event, contextID string) bool {
			calls++
			return false
		})

		decision, err := d.Handle(context.Background(), eventBody(t, contracts.NewEvent("ActivityStarted", "1.0.0")))
		require.NoError(t, err)
		assert.Equal(t, Acknowledge, decision)
		assert.Equal(t, 3, calls)
	})

	t.Run("unanimous rejection requeues", func(t *testing.T) {
		d := NewDispatcher()
		d.SubscribeDecider("ActivityStarted", func(event *contracts.Event, contextID string) bool {
			return false
		})

		decision, err := d.Handle(context.Background(), eventBody(t, contracts.NewEvent("ActivityStarted", "1.0.0")))
		require.NoError(t, err)
		assert.Equal(t, Requeue, decision)
	})

	t.Run("no deciders means acknowledge", func(t *testing.T) {
		d := NewDispatcher()
		decision, err := d.Handle(context.Background(), eventBody(t, contracts.NewEvent("ActivityStarted", "1.0.0")))
		require.NoError(t, err)
		assert.Equal(t, Acknowledge, decision)
	})

	t.Run("wildcard deciders vote too", func(t *testing.T) {
		d := NewDispatcher()
		d.SubscribeDecider(WildcardType, func(event *contracts.Event, contextID string) bool {
			return true
		})

		decision, err := d.Handle(context.Background(), eventBody(t, contracts.NewEvent("ActivityFinished", "1.0.0")))
		require.NoError(t, err)
		assert.Equal(t, Acknowledge, decision)
	})
}

func TestDispatcherFollow(t *testing.T) {
	d := NewDispatcher()

	var followed []string
	d.Follow("context-1", func(event *contracts.Event) {
		followed = append(followed, event.ID())
	})

	linked := contracts.NewEvent("ActivityStarted", "1.0.0")
	linked.AddLink(contracts.LinkTypeContext, "context-1")
	unlinked := contracts.NewEvent("ActivityStarted", "1.0.0")

	_, err := d.Handle(context.Background(), eventBody(t, linked))
	require.NoError(t, err)
	_, err = d.Handle(context.Background(), eventBody(t, unlinked))
	require.NoError(t, err)

	assert.Equal(t, []string{linked.ID()}, followed)
}

func TestDispatcherCancelRegistration(t *testing.T) {
	d := NewDispatcher()

	calls := 0
	cancel := d.Subscribe("ActivityStarted", func(event *contracts.Event, contextID string) {
		calls++
	})

	body := eventBody(t, contracts.NewEvent("ActivityStarted", "1.0.0"))
	_, err := d.Handle(context.Background(), body)
	require.NoError(t, err)

	cancel()
	_, err = d.Handle(context.Background(), body)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestDispatcherPanicRequeues(t *testing.T) {
	d := NewDispatcher()
	d.Subscribe("ActivityStarted", func(event *contracts.Event, contextID string) {
		panic("boom")
	})

	decision, err := d.Handle(context.Background(), eventBody(t, contracts.NewEvent("ActivityStarted", "1.0.0")))
	require.NoError(t, err)
	assert.Equal(t, Requeue, decision)
}

func TestDispatcherMalformedPayloadRejects(t *testing.T) {
	d := NewDispatcher()

	decision, err := d.Handle(context.Background(), []byte("not json"))
	assert.ErrorIs(t, err, contracts.ErrMalformedPayload)
	assert.Equal(t, Reject, decision)
}

func TestDispatcherIsAHandler(t *testing.T) {
	var _ Handler = NewDispatcher()
}
