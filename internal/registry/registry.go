// Package registry is the process-wide allocator registry: every
// process keeps at most one live hma.Handle per shmem_id, remapping it
// lazily the first time a descriptor names an allocator this process
// hasn't seen yet, and evicting it once nothing references it anymore.
//
// Grounded on original_source/src/hazcat_message_queue.c's
// lookup_allocator (attach on first miss) and the now-unused
// hand-rolled hashtable in original_source/include/rmw_hazcat/hashtable.h,
// whose role a plain Go map fills here.
package registry

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/nightduck/hazcat/internal/hma"
)

// Registry deduplicates concurrent remaps of the same allocator within
// a process and reference-counts live handles so the last subscriber
// to drop interest in an allocator unmaps it.
type Registry struct {
	mu      sync.Mutex
	entries map[int32]*entry

	group singleflight.Group
}

type entry struct {
	handle *hma.Handle
	refs   int
}

// New returns an empty registry. One Registry is shared by every
// publisher and subscriber endpoint within a process.
func New() *Registry {
	return &Registry{entries: make(map[int32]*entry)}
}

// Own originates an allocator this process just created: it is
// inserted with a reference count of one, the same as a successful
// Acquire, so the creating endpoint can Release it through the same
// path as every other holder.
func (r *Registry) Own(h *hma.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[h.ShmemID()] = &entry{handle: h, refs: 1}
}

// Acquire returns the live handle for shmemID, remapping it into this
// process on first sight. Concurrent Acquire calls for the same
// shmemID collapse onto a single remap via singleflight, mirroring how
// lookup_allocator is only ever resolved once per process regardless
// of how many topic rows reference it concurrently.
func (r *Registry) Acquire(shmemID int32, declaredSharedSize int) (*hma.Handle, error) {
	r.mu.Lock()
	if e, ok := r.entries[shmemID]; ok {
		e.refs++
		r.mu.Unlock()
		return e.handle, nil
	}
	r.mu.Unlock()

	key := fmt.Sprintf("%d", shmemID)
	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if e, ok := r.entries[shmemID]; ok {
			r.mu.Unlock()
			return e.handle, nil
		}
		r.mu.Unlock()

		h, err := hma.Remap(shmemID, declaredSharedSize)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.entries[shmemID] = &entry{handle: h, refs: 0}
		r.mu.Unlock()
		return h, nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: acquire allocator %d: %w", shmemID, err)
	}

	r.mu.Lock()
	r.entries[shmemID].refs++
	r.mu.Unlock()
	return v.(*hma.Handle), nil
}

// Release drops one reference to shmemID's handle, unmapping it from
// this process once the count reaches zero.
func (r *Registry) Release(shmemID int32) error {
	r.mu.Lock()
	e, ok := r.entries[shmemID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	e.refs--
	if e.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, shmemID)
	r.mu.Unlock()

	return hma.Unmap(e.handle)
}

// Lookup returns the handle for shmemID if this process already holds
// a reference to it, without remapping or counting a new reference.
func (r *Registry) Lookup(shmemID int32) (*hma.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[shmemID]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// Close releases every handle the registry still holds, regardless of
// reference count, for process shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[int32]*entry)
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := hma.Unmap(e.handle); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
