package vfs

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// tokens are process-unique and never reused
var lastToken atomic.Uint64

// handle is the record of one open file
type handle struct {
	file    File
	name    string // full path, empty for unnamed temp files
	flags   OpenFlag
	lockKey string
	level   LockLevel
	locker  Locker // nil when locks are tracked by the bridge
}

// registry maps tokens of open files to their records. Safe for concurrent use.
type registry struct {
	mu      sync.Mutex
	handles map[uint64]*handle
}

func newRegistry() *registry {
	return &registry{handles: make(map[uint64]*handle)}
}

// allocate stores h and returns a fresh token for it
func (r *registry) allocate(h *handle) uint64 {
	token := lastToken.Add(1)
	r.mu.Lock()
	r.handles[token] = h
	r.mu.Unlock()
	return token
}

// lookup returns the record for token, stale or foreign tokens are misuse
func (r *registry) lookup(token uint64) (*handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[token]
	if !ok {
		return nil, Errorf(KindMisuse, "bad handle %d", token)
	}
	return h, nil
}

// release closes the file and removes the record. The record is removed even if close fails or panics.
func (r *registry) release(token uint64) error {
	h, err := r.lookup(token)
	if err != nil {
		return err
	}
	defer func() {
		r.mu.Lock()
		delete(r.handles, token)
		r.mu.Unlock()
	}()
	if err := h.file.Close(); err != nil {
		return fmt.Errorf("can't close %q: %w", h.name, err)
	}
	return nil
}

// tokens returns tokens of all live records, sorted
func (r *registry) tokens() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]uint64, 0, len(r.handles))
	for t := range r.handles {
		res = append(res, t)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
