package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_TriggerOrder(t *testing.T) {
	bus := NewBus()
	var calls []string

	bus.Listen(BeforeFork, func(ctx context.Context, e *Event) error {
		calls = append(calls, "first:"+e.Queue)
		return nil
	})
	bus.Listen(BeforeFork, func(ctx context.Context, e *Event) error {
		calls = append(calls, "second:"+e.Queue)
		return nil
	})
	bus.Listen(AfterFork, func(ctx context.Context, e *Event) error {
		calls = append(calls, "other")
		return nil
	})

	verdict, err := bus.Trigger(context.Background(), BeforeFork, &Event{Queue: "mail"})
	require.NoError(t, err)
	assert.Equal(t, Proceed, verdict)
	assert.Equal(t, []string{"first:mail", "second:mail"}, calls)
}

func TestBus_ListenerErrorPropagates(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	reached := false

	bus.Listen(OnFailure, func(ctx context.Context, e *Event) error { return boom })
	bus.Listen(OnFailure, func(ctx context.Context, e *Event) error {
		reached = true
		return nil
	})

	_, err := bus.Trigger(context.Background(), OnFailure, nil)
	assert.ErrorIs(t, err, boom)
	assert.False(t, reached)
}

func TestBus_Skip(t *testing.T) {
	bus := NewBus()
	later := false

	bus.Listen(BeforePerform, func(ctx context.Context, e *Event) error {
		if e.Class == "Blocked" {
			e.Skip()
		}
		return nil
	})
	bus.Listen(BeforePerform, func(ctx context.Context, e *Event) error {
		later = true
		return nil
	})

	verdict, err := bus.Trigger(context.Background(), BeforePerform, &Event{Class: "Blocked"})
	require.NoError(t, err)
	assert.Equal(t, Skip, verdict)
	assert.False(t, later)

	verdict, err = bus.Trigger(context.Background(), BeforePerform, &Event{Class: "Allowed"})
	require.NoError(t, err)
	assert.Equal(t, Proceed, verdict)
	assert.True(t, later)
}

func TestBus_StopListening(t *testing.T) {
	bus := NewBus()
	var calls []int

	first := bus.Listen(AfterEnqueue, func(ctx context.Context, e *Event) error {
		calls = append(calls, 1)
		return nil
	})
	bus.Listen(AfterEnqueue, func(ctx context.Context, e *Event) error {
		calls = append(calls, 2)
		return nil
	})

	assert.True(t, bus.StopListening(AfterEnqueue, first))
	assert.False(t, bus.StopListening(AfterEnqueue, first))
	assert.False(t, bus.StopListening(AfterPerform, first))

	_, err := bus.Trigger(context.Background(), AfterEnqueue, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, calls)
	assert.Equal(t, 1, bus.Count(AfterEnqueue))
}

func TestBus_ClearListeners(t *testing.T) {
	bus := NewBus()
	for _, name := range Names {
		bus.Listen(name, func(ctx context.Context, e *Event) error { return errors.New("should not run") })
	}

	bus.ClearListeners()

	for _, name := range Names {
		_, err := bus.Trigger(context.Background(), name, nil)
		assert.NoError(t, err)
		assert.Zero(t, bus.Count(name))
	}
}

func TestBus_TriggerSetsName(t *testing.T) {
	bus := NewBus()
	var got Name
	bus.Listen(AfterPerform, func(ctx context.Context, e *Event) error {
		got = e.Name
		return nil
	})

	_, err := bus.Trigger(context.Background(), AfterPerform, &Event{})
	require.NoError(t, err)
	assert.Equal(t, AfterPerform, got)
}
