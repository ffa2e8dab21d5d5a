package hma

import (
	"unsafe"

	"github.com/nightduck/hazcat/internal/wire"
)

// Strategy is the polymorphic capability set every allocation strategy
// implements, dispatched by (strategy, device type) loaded from the
// shared header, per spec.md §4.1's "Function-table dispatch" design
// note (a Go interface stands in for the original's private
// function-pointer table).
type Strategy interface {
	// Allocate reserves one slot and returns its byte offset from the
	// allocator handle, or -1 if the strategy is exhausted.
	Allocate(h *Handle, size int) int64

	// Share increments the reference count of the slot at offset.
	Share(h *Handle, offset int64)

	// Deallocate decrements the reference count of the slot at offset;
	// at zero it returns the slot to the pool. A no-op on an
	// already-freed or out-of-range offset.
	Deallocate(h *Handle, offset int64)

	// CopyTo moves n bytes from host memory into this allocator's
	// domain at dstOffset.
	CopyTo(h *Handle, dstOffset int64, host []byte)

	// CopyFrom moves n bytes from this allocator's domain at srcOffset
	// into host memory.
	CopyFrom(h *Handle, srcOffset int64, host []byte)

	// Copy moves n bytes from src (at srcOffset) into dst (at
	// dstOffset); src and dst may be the same or different domains.
	Copy(dst *Handle, dstOffset int64, src *Handle, srcOffset int64, n int)

	// Remap reconstructs strategy-specific state (e.g. importing a
	// device IPC handle) after a fresh process has attached the shared
	// segment at h. Called once, immediately after the segment is
	// attached and before the handle is returned to the caller.
	Remap(h *Handle) error

	// Unmap releases any strategy-owned resources (e.g. an imported
	// device mapping) before the generic framework detaches the shared
	// segment and frees the virtual reservation.
	Unmap(h *Handle) error

	// InitialState writes the strategy's initial state into the
	// segment for the originating process. poolSize/devGranularity are
	// as requested by the caller that created the allocator.
	InitialState(h *Handle, itemSize int64, capacity int, poolSize int64, devGranularity int) error
}

// dispatchKey identifies a (strategy, deviceType) pair.
type dispatchKey struct {
	strategy   uint16
	deviceType uint16
}

var registeredStrategies = map[dispatchKey]func() Strategy{}

// RegisterStrategy installs the constructor for a (strategy,
// deviceType) pair. Strategy packages call this from an init() so the
// dispatch table is populated before any allocator is created or
// remapped, mirroring the original source's
// `allocate_fps`/`deallocate_fps`/... arrays indexed by
// `strategy * NUM_DEV_TYPES + device_type`.
func RegisterStrategy(strategy, deviceType uint16, ctor func() Strategy) {
	registeredStrategies[dispatchKey{strategy, deviceType}] = ctor
}

// LookupStrategy resolves the Strategy implementation for a
// (strategy, deviceType) pair, as loaded from a shared header.
func LookupStrategy(strategy, deviceType uint16) (Strategy, bool) {
	ctor, ok := registeredStrategies[dispatchKey{strategy, deviceType}]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// Resolve turns a byte offset from h's handle into a pointer usable by
// this process, per spec.md §9's canonical {base, resolve(offset)}
// addressing model. Host-domain strategies hand out offsets relative
// to the shared region; device-domain strategies hand out offsets
// relative to the pool arena (ring.go's device Allocate, for
// instance), so the base has to follow the handle's domain.
func (h *Handle) Resolve(offset int64) unsafe.Pointer {
	if h.domain.DeviceType != wire.DeviceHost && len(h.pool) > 0 {
		return wire.OffsetToPtr(unsafe.Pointer(&h.pool[0]), offset)
	}
	return wire.OffsetToPtr(unsafe.Pointer(&h.shared[0]), offset)
}

// Bytes returns a byte slice view of n bytes at offset in h's shared
// region, for strategies that need to read/write payload contents
// directly (host domain copies).
func (h *Handle) Bytes(offset int64, n int) []byte {
	return h.shared[offset : offset+int64(n)]
}
