// Package registry tracks active runs so they can be killed remotely.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sjq4/agent/internal/model"
)

var (
	ErrNotFound          = errors.New("run is not active")
	ErrAlreadyRegistered = errors.New("run is already active")
)

// Killer forcibly terminates a run. Kill must be safe to call before the
// run spawned its process, in which case the process must never start.
type Killer interface {
	Kill() error
}

// Registry maps run identifiers to their Killer. Every method is a single
// atomic operation, so a kill request can't race with a run deregistering.
type Registry struct {
	mx     sync.Mutex
	active map[model.RunID]Killer
}

func New() *Registry {
	return &Registry{
		active: make(map[model.RunID]Killer),
	}
}

// Register inserts the killer unless the id is already active.
func (r *Registry) Register(id model.RunID, k Killer) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}
	r.active[id] = k
	return nil
}

// Remove deletes the entry only if it still holds k. It returns false when
// the entry was already consumed by Kill or KillAll.
func (r *Registry) Remove(id model.RunID, k Killer) bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	if cur, ok := r.active[id]; !ok || cur != k {
		return false
	}
	delete(r.active, id)
	return true
}

// Kill removes the entry and kills the run.
func (r *Registry) Kill(id model.RunID) error {
	r.mx.Lock()
	k, ok := r.active[id]
	delete(r.active, id)
	r.mx.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := k.Kill(); err != nil {
		return fmt.Errorf("killing %s: %w", id, err)
	}
	return nil
}

// KillAll clears the registry and kills every run which was in it.
// It returns the number of killed runs.
func (r *Registry) KillAll() (int, error) {
	r.mx.Lock()
	snapshot := r.active
	r.active = make(map[model.RunID]Killer)
	r.mx.Unlock()

	var errs []error
	for id, k := range snapshot {
		if err := k.Kill(); err != nil {
			errs = append(errs, fmt.Errorf("killing %s: %w", id, err))
		}
	}
	return len(snapshot), errors.Join(errs...)
}

// Active returns the identifiers of all active runs.
func (r *Registry) Active() []model.RunID {
	r.mx.Lock()
	defer r.mx.Unlock()
	ids := make([]model.RunID, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Len() int {
	r.mx.Lock()
	defer r.mx.Unlock()
	return len(r.active)
}
