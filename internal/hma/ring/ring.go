// Package ring implements the Ring-Buffer Allocator strategy: a fixed
// number of fixed-size slots, each with its own reference count,
// allocated round-robin from a rear cursor that only advances through
// slots whose reference count has dropped back to zero.
//
// Two strategies are registered here: Host (device type CPU, items
// stored directly in the allocator's shared segment) and Device
// (device type CUDA, items stored in the allocator's pool segment — a
// second shared-memory segment standing in for device memory, since
// no CUDA binding is available; see SPEC_FULL.md §4). Both domains
// keep their per-slot reference counts in the shared segment, since
// refcounts are metadata every process must see identically,
// regardless of where the payload itself lives.
package ring

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/nightduck/hazcat/internal/hma"
	"github.com/nightduck/hazcat/internal/wire"
)

// State is the strategy-specific shared state that follows the
// wire.AllocatorHeader in a ring allocator's shared segment.
type State struct {
	ItemSize   uint64
	ItemStride uint64 // item slot size, rounded up for its domain's alignment
	Capacity   uint64
	Rear       atomic.Uint64 // index of the oldest still-occupied slot
	Count      atomic.Uint64 // number of occupied slots
}

// StateSize is sizeof(State).
const StateSize = int(unsafe.Sizeof(State{}))

// refcountStride is the byte distance between consecutive per-slot
// reference counts, rounded up to 8 bytes so each one starts naturally
// aligned for atomic access.
const refcountStride = 8

func castState(mem []byte) *State {
	return (*State)(unsafe.Pointer(&mem[0]))
}

// refcountsBase is where the per-slot reference-count array starts
// within the shared state region (i.e. relative to h.SharedState()).
func refcountsBase() int {
	return StateSize
}

// itemsBase is where host item storage starts within the shared state
// region, immediately after the reference-count array.
func itemsBase(capacity uint64) int {
	return refcountsBase() + int(capacity)*refcountStride
}

func slotRefcount(stateMem []byte, slot uint64) *atomic.Uint32 {
	off := refcountsBase() + int(slot)*refcountStride
	return (*atomic.Uint32)(unsafe.Pointer(&stateMem[off]))
}

// host is the CPU-domain ring strategy, grounded on
// original_source/src/allocators/cpu_ringbuf_allocator.c.
type host struct{}

// device is the CUDA-domain ring strategy. Reference counts live in
// the shared segment exactly like host; item bytes live in the pool
// segment. Cross-domain copies stage through a pooled host buffer,
// grounded on cuda_ringbuf_allocator.c's host-staged cudaMemcpy path.
type device struct{}

func init() {
	hma.RegisterStrategy(wire.StrategyRing, wire.DeviceHost, func() hma.Strategy { return &host{} })
	hma.RegisterStrategy(wire.StrategyRing, wire.DeviceCUDA, func() hma.Strategy { return &device{} })
}

func (host) InitialState(h *hma.Handle, itemSize int64, capacity int, poolSize int64, devGranularity int) error {
	s := castState(h.SharedState())
	s.ItemSize = uint64(itemSize)
	s.ItemStride = uint64(wire.RoundUp(int(itemSize), 8))
	s.Capacity = uint64(capacity)
	s.Rear.Store(0)
	s.Count.Store(0)
	return nil
}

func (device) InitialState(h *hma.Handle, itemSize int64, capacity int, poolSize int64, devGranularity int) error {
	if h.Pool() == nil {
		return fmt.Errorf("ring: device strategy requires a pool region")
	}
	s := castState(h.SharedState())
	s.ItemSize = uint64(itemSize)
	align := devGranularity
	if align <= 0 {
		align = 8
	}
	s.ItemStride = uint64(wire.RoundUp(int(itemSize), align))
	s.Capacity = uint64(capacity)
	s.Rear.Store(0)
	s.Count.Store(0)
	return nil
}

// allocateSlot implements the round-robin forward-cursor allocate of
// cpu_ringbuf_allocate: forward_it = (rear + count) % capacity. It
// returns the slot index and marks its reference count live; the
// caller translates the slot index into a domain-appropriate offset.
func allocateSlot(s *State, stateMem []byte) (uint64, bool) {
	capacity := s.Capacity
	count := s.Count.Load()
	if count >= capacity {
		return 0, false
	}
	rear := s.Rear.Load()
	forward := (rear + count) % capacity
	slotRefcount(stateMem, forward).Store(1)
	s.Count.Add(1)
	return forward, true
}

// deallocateSlot implements cpu_ringbuf_deallocate, with the reclaim
// rule corrected per SPEC_FULL.md §7.1: the rear cursor only advances
// through a run of *consecutive*, now-zero-refcount slots starting at
// the current rear, rather than unconditionally jumping to the
// deallocated slot's position. A slot freed out of order simply stays
// marked free until the rear catches up to it, so a live slot ahead of
// it in ring order is never skipped over and reused early.
func deallocateSlot(s *State, stateMem []byte, slot uint64) {
	if slot >= s.Capacity {
		return
	}
	ref := slotRefcount(stateMem, slot)
	for {
		cur := ref.Load()
		if cur == 0 {
			return // already freed: no-op
		}
		if ref.CompareAndSwap(cur, cur-1) {
			if cur > 1 {
				return
			}
			break
		}
	}

	capacity := s.Capacity
	for {
		count := s.Count.Load()
		if count == 0 {
			return
		}
		rear := s.Rear.Load()
		if slotRefcount(stateMem, rear).Load() != 0 {
			return
		}
		s.Rear.Store((rear + 1) % capacity)
		s.Count.Add(^uint64(0)) // decrement by 1
	}
}

func (host) Allocate(h *hma.Handle, size int) int64 {
	s := castState(h.SharedState())
	slot, ok := allocateSlot(s, h.SharedState())
	if !ok {
		return -1
	}
	return hostSlotOffset(s, slot)
}

func (device) Allocate(h *hma.Handle, size int) int64 {
	s := castState(h.SharedState())
	slot, ok := allocateSlot(s, h.SharedState())
	if !ok {
		return -1
	}
	return int64(slot) * int64(s.ItemStride)
}

// hostSlotOffset converts a slot index into a Handle-relative byte
// offset (i.e. relative to h.shared, including the allocator header),
// the convention Handle.Resolve/Bytes and stored descriptors use.
func hostSlotOffset(s *State, slot uint64) int64 {
	return int64(wire.AllocatorHeaderSize) + int64(itemsBase(s.Capacity)) + int64(slot)*int64(s.ItemStride)
}

// hostSlotFromOffset is hostSlotOffset's inverse.
func hostSlotFromOffset(s *State, offset int64) (uint64, bool) {
	rel := offset - int64(wire.AllocatorHeaderSize) - int64(itemsBase(s.Capacity))
	if rel < 0 || s.ItemStride == 0 || uint64(rel)%s.ItemStride != 0 {
		return 0, false
	}
	slot := uint64(rel) / s.ItemStride
	if slot >= s.Capacity {
		return 0, false
	}
	return slot, true
}

// deviceSlotFromOffset recovers a slot index from a pool-relative
// offset (the convention device Allocate/CopyTo/CopyFrom use, since
// device payloads live in h.Pool(), not h.shared).
func deviceSlotFromOffset(s *State, offset int64) (uint64, bool) {
	if offset < 0 || s.ItemStride == 0 || uint64(offset)%s.ItemStride != 0 {
		return 0, false
	}
	slot := uint64(offset) / s.ItemStride
	if slot >= s.Capacity {
		return 0, false
	}
	return slot, true
}

func (host) Share(h *hma.Handle, offset int64) {
	s := castState(h.SharedState())
	if slot, ok := hostSlotFromOffset(s, offset); ok {
		slotRefcount(h.SharedState(), slot).Add(1)
	}
}

func (device) Share(h *hma.Handle, offset int64) {
	s := castState(h.SharedState())
	if slot, ok := deviceSlotFromOffset(s, offset); ok {
		slotRefcount(h.SharedState(), slot).Add(1)
	}
}

func (host) Deallocate(h *hma.Handle, offset int64) {
	s := castState(h.SharedState())
	if slot, ok := hostSlotFromOffset(s, offset); ok {
		deallocateSlot(s, h.SharedState(), slot)
	}
}

func (device) Deallocate(h *hma.Handle, offset int64) {
	s := castState(h.SharedState())
	if slot, ok := deviceSlotFromOffset(s, offset); ok {
		deallocateSlot(s, h.SharedState(), slot)
	}
}

func (host) CopyTo(h *hma.Handle, dstOffset int64, src []byte) {
	copy(h.Bytes(dstOffset, len(src)), src)
}

func (host) CopyFrom(h *hma.Handle, srcOffset int64, dst []byte) {
	copy(dst, h.Bytes(srcOffset, len(dst)))
}

func (host) Copy(dst *hma.Handle, dstOffset int64, src *hma.Handle, srcOffset int64, n int) {
	crossCopy(dst, dstOffset, src, srcOffset, n)
}

func (host) Remap(h *hma.Handle) error { return nil }
func (host) Unmap(h *hma.Handle) error { return nil }

var stagingPool = sync.Pool{New: func() any { return make([]byte, 0, 64*1024) }}

func stage(n int) []byte {
	buf := stagingPool.Get().([]byte)
	if cap(buf) < n {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
	}
	return buf
}

func unstage(buf []byte) { stagingPool.Put(buf[:0]) }

func (device) CopyTo(h *hma.Handle, dstOffset int64, src []byte) {
	copy(h.Pool()[dstOffset:dstOffset+int64(len(src))], src)
}

func (device) CopyFrom(h *hma.Handle, srcOffset int64, dst []byte) {
	copy(dst, h.Pool()[srcOffset:srcOffset+int64(len(dst))])
}

func (device) Copy(dst *hma.Handle, dstOffset int64, src *hma.Handle, srcOffset int64, n int) {
	crossCopy(dst, dstOffset, src, srcOffset, n)
}

func (device) Remap(h *hma.Handle) error { return nil }
func (device) Unmap(h *hma.Handle) error { return nil }

// crossCopy stages a payload through a pooled host buffer when src and
// dst are different domains, and copies directly when they share a
// domain — the same split cuda_ringbuf_allocator.c makes between an
// intra-device cudaMemcpy and a host-mediated cross-device one.
func crossCopy(dst *hma.Handle, dstOffset int64, src *hma.Handle, srcOffset int64, n int) {
	if src.Domain() == dst.Domain() {
		if dst.Domain().DeviceType == wire.DeviceHost {
			copy(dst.Bytes(dstOffset, n), src.Bytes(srcOffset, n))
		} else {
			copy(dst.Pool()[dstOffset:dstOffset+int64(n)], src.Pool()[srcOffset:srcOffset+int64(n)])
		}
		return
	}

	buf := stage(n)
	defer unstage(buf)
	src.CopyFrom(srcOffset, buf)
	dst.CopyTo(dstOffset, buf)
}

// SharedSize computes the total shared-segment size a ring allocator
// of the given item size and capacity needs: the allocator header,
// the strategy State, the per-slot reference-count array, and — for
// host allocators only — the item storage itself (device allocators
// put items in the pool segment instead, sized by PoolSize).
func SharedSize(itemSize int64, capacity int, hostResident bool) int64 {
	size := int64(wire.AllocatorHeaderSize) + int64(StateSize) + int64(capacity)*refcountStride
	if hostResident {
		size += int64(capacity) * int64(wire.RoundUp(int(itemSize), 8))
	}
	return size
}

// PoolSize computes the pool-segment size a device ring allocator
// needs for capacity items of itemSize bytes, aligned to devGranularity.
func PoolSize(itemSize int64, capacity int, devGranularity int) int64 {
	align := devGranularity
	if align <= 0 {
		align = 8
	}
	return int64(capacity) * int64(wire.RoundUp(int(itemSize), align))
}
