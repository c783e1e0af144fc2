//go:build !linux

package shmseg

import (
	"fmt"
	"sync"
)

// Non-Linux platforms have no /dev/shm convention; pulsed still needs a
// "shared" pool to exercise within a single process (e.g. tests), so this
// fallback keeps a process-local registry of heap-backed segments keyed by
// id. It satisfies the same contract as the Linux implementation for a
// single process but does not actually cross process boundaries.
var (
	registryMu sync.Mutex
	registry   = map[uint32][]byte{}
)

// CreateRW allocates a new named segment backed by a process-local heap
// buffer on platforms without a /dev/shm convention.
func CreateRW(id uint32, size int) (*Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmseg: invalid size %d", size)
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[id]; exists {
		return nil, fmt.Errorf("shmseg: id %d already in use", id)
	}
	data := make([]byte, size)
	registry[id] = data
	seg := &Segment{ID: id, Data: data, readOnly: false}
	seg.closer = func() error {
		registryMu.Lock()
		delete(registry, id)
		registryMu.Unlock()
		return nil
	}
	return seg, nil
}

// AttachRO returns a read-only view onto a segment previously registered
// by CreateRW in this process.
func AttachRO(id uint32, size int) (*Segment, error) {
	registryMu.Lock()
	data, ok := registry[id]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("shmseg: no segment with id %d", id)
	}
	return &Segment{ID: id, Data: data, readOnly: true}, nil
}

// Punch is a no-op fallback; there is no kernel page cache to advise on a
// plain heap buffer.
func (s *Segment) Punch(offset, length int) error {
	if offset < 0 || length <= 0 || offset+length > len(s.Data) {
		return fmt.Errorf("shmseg: punch out of range [%d,%d) of %d", offset, offset+length, len(s.Data))
	}
	return nil
}
