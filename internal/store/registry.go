package store

import (
	"fmt"
	"iter"
	"sync"

	"github.com/meetrec/meetrec-control-plane/internal/model"
)

// Registry is the in-memory set of session records. The map lock is only
// held to find or insert entries; each record carries its own lock so
// updates to one session never wait on another.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	issued  map[string]struct{}
}

type entry struct {
	mu  sync.Mutex
	rec model.Session
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		issued:  make(map[string]struct{}),
	}
}

// Insert fails with ErrConflict if the id was ever issued, including ids
// whose records have since been removed.
func (r *Registry) Insert(rec model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.issued[rec.ID]; seen {
		return fmt.Errorf("session id %s already issued: %w", rec.ID, model.ErrConflict)
	}
	r.issued[rec.ID] = struct{}{}
	r.entries[rec.ID] = &entry{rec: rec}
	r.order = append(r.order, rec.ID)
	return nil
}

func (r *Registry) Get(id string) (model.Session, error) {
	e := r.lookup(id)
	if e == nil {
		return model.Session{}, model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec, nil
}

// Update applies fn to the record under its entry lock and returns the
// resulting copy. A non-nil error from fn leaves the record unchanged.
func (r *Registry) Update(id string, fn func(*model.Session) error) (model.Session, error) {
	e := r.lookup(id)
	if e == nil {
		return model.Session{}, model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.rec
	if err := fn(&next); err != nil {
		return e.rec, err
	}
	e.rec = next
	return next, nil
}

// All yields records in insertion order. Each record is copied under its own
// lock, so the sequence is consistent per session but not across sessions.
func (r *Registry) All() iter.Seq[model.Session] {
	return func(yield func(model.Session) bool) {
		r.mu.RLock()
		ids := make([]string, len(r.order))
		copy(ids, r.order)
		r.mu.RUnlock()

		for _, id := range ids {
			rec, err := r.Get(id)
			if err != nil {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Remove deletes the record when guard accepts it. The guard runs with both
// the map lock and the entry lock held.
func (r *Registry) Remove(id string, guard func(model.Session) error) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	if e == nil {
		return model.Session{}, model.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if guard != nil {
		if err := guard(e.rec); err != nil {
			return e.rec, err
		}
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return e.rec, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}
