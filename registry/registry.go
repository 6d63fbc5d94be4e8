// Package registry maps job class names to handler factories. The
// application fills it at startup; jobs look classes up when performed.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/BranchIntl/goresque/errors"
)

// Instance is what a factory receives when a job's handler is built
type Instance struct {
	ID    string
	Queue string
	Args  map[string]interface{}
	// Job is the *job.Job being performed
	Job interface{}
}

// Factory builds a handler for one job. The returned value must implement
// Performer to be runnable.
type Factory func(in Instance) interface{}

// Performer is the mandatory handler method
type Performer interface {
	Perform(ctx context.Context) error
}

// SetUpper is run before Perform when implemented
type SetUpper interface {
	SetUp(ctx context.Context) error
}

// TearDowner is run after a successful Perform when implemented
type TearDowner interface {
	TearDown(ctx context.Context) error
}

// Resulter exposes a value stored as the job's status result
type Resulter interface {
	Result() interface{}
}

// Func is a plain function handler
type Func func(ctx context.Context, in Instance) error

type funcHandler struct {
	fn Func
	in Instance
}

func (h funcHandler) Perform(ctx context.Context) error {
	return h.fn(ctx, h.in)
}

// Registry is a thread-safe class → factory map
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory for class, replacing any previous one
func (r *Registry) Register(class string, factory Factory) error {
	if class == "" {
		return errors.ErrEmptyClassName
	}
	if factory == nil {
		return errors.ErrNilFactory
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[class] = factory
	return nil
}

// RegisterFunc registers a function as the handler for class
func (r *Registry) RegisterFunc(class string, fn Func) error {
	if fn == nil {
		return errors.ErrNilFactory
	}
	return r.Register(class, func(in Instance) interface{} {
		return funcHandler{fn: fn, in: in}
	})
}

// Get retrieves the factory for class
func (r *Registry) Get(class string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[class]
	return factory, ok
}

// List returns all registered classes, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.factories))
	for class := range r.factories {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

// Remove unregisters class
func (r *Registry) Remove(class string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.factories, class)
}

// Clear removes all registrations
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories = make(map[string]Factory)
}
