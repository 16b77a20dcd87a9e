// Package phase defines the contract between the orchestrator and the code
// that actually provisions something.
//
// A Handler reports each side effect it performs together with the typed
// action that undoes it. Handlers that want their side effects durable
// immediately call Record with the context they were given; anything they
// return from Execute is recorded by the orchestrator afterwards.
package phase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lyndonlyu/hostprov/internal/action"
)

// RecordedAction is one performed side effect and its undo.
type RecordedAction struct {
	Description string
	Rollback    action.Action
}

// Handler provisions one phase.
type Handler interface {
	Name() string
	// Execute performs the phase. It returns the side effects it performed
	// and did not already pass to Record, including when it fails.
	Execute(ctx context.Context) ([]RecordedAction, error)
	// Validate checks the phase's postconditions after a successful Execute.
	Validate(ctx context.Context) error
}

// Previewer is implemented by handlers that can describe what Execute would
// do without doing it.
type Previewer interface {
	Preview(ctx context.Context) ([]string, error)
}

// Recorder persists a side effect as soon as it happens.
type Recorder interface {
	Record(ctx context.Context, ra RecordedAction) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, ra RecordedAction) error

func (f RecorderFunc) Record(ctx context.Context, ra RecordedAction) error { return f(ctx, ra) }

type recorderKey struct{}

// WithRecorder attaches rec to ctx.
func WithRecorder(ctx context.Context, rec Recorder) context.Context {
	return context.WithValue(ctx, recorderKey{}, rec)
}

// Record persists ra through the context's recorder. It reports false when
// ctx carries no recorder, in which case the caller must return ra from
// Execute instead.
func Record(ctx context.Context, ra RecordedAction) (bool, error) {
	rec, ok := ctx.Value(recorderKey{}).(Recorder)
	if !ok || rec == nil {
		return false, nil
	}
	return true, rec.Record(ctx, ra)
}

var ErrDuplicate = errors.New("phase: handler already registered")

// Registry maps phase names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under h.Name().
func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, h.Name())
	}
	r.handlers[h.Name()] = h
	return nil
}

func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
