// Package diag exposes a read-only HTTP introspection surface over the
// MemPool and PStream instances an application registers with it. It makes
// no control-plane decisions and accepts no configuration of its own; it
// only reports what Stats() already tracks.
package diag

import (
	"sync"

	"bken/pulsed/mempool"
	"bken/pulsed/pstream"
)

// Registry tracks the live MemPool and PStream instances an application
// wants exposed on the diagnostics endpoint. Registration and
// deregistration are safe to call from any goroutine.
type Registry struct {
	mu      sync.RWMutex
	pools   map[string]*mempool.MemPool
	streams map[string]*pstream.PStream
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		pools:   make(map[string]*mempool.MemPool),
		streams: make(map[string]*pstream.PStream),
	}
}

// RegisterPool adds p to the registry, keyed by its own ID.
func (r *Registry) RegisterPool(p *mempool.MemPool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.ID.String()] = p
}

// UnregisterPool removes p, if present.
func (r *Registry) UnregisterPool(p *mempool.MemPool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pools, p.ID.String())
}

// RegisterStream adds s to the registry, keyed by its own ID.
func (r *Registry) RegisterStream(s *pstream.PStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[s.ID.String()] = s
}

// UnregisterStream removes s, if present; callers typically do this from
// the stream's own on_die callback.
func (r *Registry) UnregisterStream(s *pstream.PStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, s.ID.String())
}

func (r *Registry) pool(id string) (*mempool.MemPool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[id]
	return p, ok
}

func (r *Registry) stream(id string) (*pstream.PStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

func (r *Registry) poolSnapshot() []poolReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]poolReport, 0, len(r.pools))
	for id, p := range r.pools {
		out = append(out, reportPool(id, p))
	}
	return out
}

func (r *Registry) streamSnapshot() []streamReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]streamReport, 0, len(r.streams))
	for id, s := range r.streams {
		out = append(out, reportStream(id, s))
	}
	return out
}
