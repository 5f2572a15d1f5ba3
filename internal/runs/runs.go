// Package runs tracks the pipeline run currently active for each session so
// that it can be cancelled from outside.
package runs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrRunInProgress is returned when a session already has an active run.
	ErrRunInProgress = errors.New("a run is already in progress for this session")
	// ErrNoActiveRun is returned when cancelling a session with nothing running.
	ErrNoActiveRun = errors.New("no active run for session")
)

// Handle identifies one registered run.
type Handle struct {
	SessionID string
	Token     uint64
	Pipeline  string

	cancel context.CancelFunc
}

// Registry maps session ids to their active run. Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	next   uint64
	active map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*Handle)}
}

// Start registers a run for sessionID and returns its handle together with a
// context that is cancelled by Cancel. The caller must call Finish.
func (r *Registry) Start(parent context.Context, sessionID, pipeline string) (*Handle, context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.active[sessionID]; ok {
		return nil, nil, fmt.Errorf("%w: %s (%s)", ErrRunInProgress, sessionID, h.Pipeline)
	}

	ctx, cancel := context.WithCancel(parent)
	r.next++
	h := &Handle{
		SessionID: sessionID,
		Token:     r.next,
		Pipeline:  pipeline,
		cancel:    cancel,
	}
	r.active[sessionID] = h
	return h, ctx, nil
}

// Finish releases the run's context and unregisters it. A handle whose token
// no longer matches the registered run leaves the newer run in place.
func (r *Registry) Finish(h *Handle) {
	if h == nil {
		return
	}
	h.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[h.SessionID]; ok && cur.Token == h.Token {
		delete(r.active, h.SessionID)
	}
}

// Cancel signals the session's active run to stop. The run stays registered
// until its owner calls Finish.
func (r *Registry) Cancel(sessionID string) error {
	r.mu.Lock()
	h, ok := r.active[sessionID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveRun, sessionID)
	}
	h.cancel()
	return nil
}

// Active returns the ids of sessions with a registered run, sorted.
func (r *Registry) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Running reports whether sessionID has a registered run.
func (r *Registry) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}
