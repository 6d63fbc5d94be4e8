// Package events is a synchronous, in-process hook bus. Listeners run in
// registration order on the goroutine that triggers the event, and the
// first listener error aborts the fan-out and is returned to the caller.
package events

import (
	"context"
	"sync"
)

// Name identifies a lifecycle event
type Name string

const (
	BeforeFirstFork Name = "beforeFirstFork"
	BeforeFork      Name = "beforeFork"
	AfterFork       Name = "afterFork"
	BeforePerform   Name = "beforePerform"
	AfterPerform    Name = "afterPerform"
	AfterEnqueue    Name = "afterEnqueue"
	OnFailure       Name = "onFailure"
)

// Names lists every event in lifecycle order
var Names = []Name{
	BeforeFirstFork, BeforeFork, AfterFork, BeforePerform, AfterPerform, AfterEnqueue, OnFailure,
}

// Verdict is the outcome of triggering an event
type Verdict int

const (
	// Proceed lets the lifecycle continue
	Proceed Verdict = iota
	// Skip asks the caller not to perform the job
	Skip
)

func (v Verdict) String() string {
	if v == Skip {
		return "skip"
	}
	return "proceed"
}

// Event carries the arguments of one trigger. Which fields are set depends
// on the event; Job and Worker are opaque so this package stays a leaf.
type Event struct {
	Name   Name
	Job    interface{}
	Worker interface{}
	Err    error

	Queue string
	Class string
	ID    string
	Args  map[string]interface{}

	skip bool
}

// Skip marks the job as not to be performed. Only meaningful during
// BeforePerform.
func (e *Event) Skip() {
	e.skip = true
}

// Skipped reports whether a listener called Skip
func (e *Event) Skipped() bool {
	return e.skip
}

// Listener handles an event
type Listener func(ctx context.Context, e *Event) error

// ListenerID identifies a registration for StopListening
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Bus is a registry of listeners keyed by event name
type Bus struct {
	mu        sync.RWMutex
	listeners map[Name][]registration
	nextID    ListenerID
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{listeners: make(map[Name][]registration)}
}

// Listen registers fn for name and returns a handle for removing it
func (b *Bus) Listen(name Name, fn Listener) ListenerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.listeners[name] = append(b.listeners[name], registration{id: b.nextID, fn: fn})
	return b.nextID
}

// StopListening removes one registration. It reports whether the
// registration existed.
func (b *Bus) StopListening(name Name, id ListenerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.listeners[name]
	for i, r := range regs {
		if r.id == id {
			b.listeners[name] = append(regs[:i:i], regs[i+1:]...)
			return true
		}
	}
	return false
}

// ClearListeners drops every registration
func (b *Bus) ClearListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.listeners = make(map[Name][]registration)
}

// Count returns the number of listeners for name
func (b *Bus) Count(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.listeners[name])
}

// Trigger calls every listener for name in order. A listener error stops
// the fan-out and is returned. Skip is reported once a listener has
// called e.Skip and no later listener failed.
func (b *Bus) Trigger(ctx context.Context, name Name, e *Event) (Verdict, error) {
	if e == nil {
		e = &Event{}
	}
	e.Name = name

	b.mu.RLock()
	regs := make([]registration, len(b.listeners[name]))
	copy(regs, b.listeners[name])
	b.mu.RUnlock()

	for _, r := range regs {
		if err := r.fn(ctx, e); err != nil {
			return Proceed, err
		}
		if e.skip {
			return Skip, nil
		}
	}
	return Proceed, nil
}
