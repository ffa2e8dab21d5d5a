// Package hma implements the Allocator Framework of spec.md §4.1: it
// reserves position-independent virtual ranges, creates and remaps
// heterogeneous-memory allocators, and dispatches Allocate/Share/
// Deallocate/Copy* calls through the Strategy installed for an
// allocator's (strategy, device type) pair.
//
// An allocator handle straddles a private local region (process-local
// bookkeeping) and a shared region (the segment every process that has
// remapped the allocator sees identically). All payload references are
// byte offsets from the handle's shared-region base (from the pool
// region's base for non-host domains), so the same offset resolves to
// the same payload in every process, per spec.md §3.
package hma

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/nightduck/hazcat/internal/wire"
)

// ShmDir is where shared allocator segments are created: /dev/shm, the
// usual tmpfs mount used for IPC-visible mmap'd files on Linux.
const ShmDir = "/dev/shm"

// Handle is a process-local allocator handle: a reserved virtual range
// split into a private local region, a shared region, and (for
// non-host domains) a pool region.
type Handle struct {
	local  []byte // anonymous private page, process-local bookkeeping only
	shared []byte // mmap'd/attached shared segment (header + strategy state)
	pool   []byte // optional device-domain payload arena

	strategy Strategy

	shmemID    int32
	shmPath    string
	poolPath   string
	domain     wire.Domain
	strategyID uint16

	originator bool
}

// ShmemID identifies this allocator's shared segment; descriptors in a
// topic queue name the allocator that owns a payload by this id.
func (h *Handle) ShmemID() int32 { return h.shmemID }

// Domain reports the memory domain (device type + number) this
// allocator manages.
func (h *Handle) Domain() wire.Domain { return h.domain }

// Header returns the typed view of this allocator's shared header.
func (h *Handle) Header() *wire.AllocatorHeader {
	return wire.CastAllocatorHeader(h.shared)
}

// SharedState returns the strategy-specific shared state that follows
// the AllocatorHeader in the shared region.
func (h *Handle) SharedState() []byte {
	return h.shared[wire.AllocatorHeaderSize:]
}

// Pool returns the device pool region, or nil for host allocators.
func (h *Handle) Pool() []byte { return h.pool }

// Allocate reserves a slot of size bytes and returns its offset, or -1
// if the strategy is exhausted (spec.md §4.1's ALLOCATE contract).
func (h *Handle) Allocate(size int) int64 { return h.strategy.Allocate(h, size) }

// Share raises the reference count of the slot at offset.
func (h *Handle) Share(offset int64) { h.strategy.Share(h, offset) }

// Deallocate lowers the reference count of the slot at offset,
// reclaiming it at zero.
func (h *Handle) Deallocate(offset int64) { h.strategy.Deallocate(h, offset) }

// CopyTo moves host bytes into this allocator's domain at dstOffset.
func (h *Handle) CopyTo(dstOffset int64, host []byte) { h.strategy.CopyTo(h, dstOffset, host) }

// CopyFrom moves bytes from this allocator's domain at srcOffset into
// host memory.
func (h *Handle) CopyFrom(srcOffset int64, host []byte) { h.strategy.CopyFrom(h, srcOffset, host) }

// Copy moves n bytes from src (at srcOffset) into h (at dstOffset),
// dispatching same-domain or cross-domain as the strategies require.
func (h *Handle) Copy(dstOffset int64, src *Handle, srcOffset int64, n int) {
	src.strategy.Copy(h, dstOffset, src, srcOffset, n)
}

// reserve implements spec.md §4.1's Reservation algorithm: reserve an
// unreadable contiguous virtual range, then compute the unique start
// address S such that (S + PAGE + sharedSize) % lcm(ShmAlign,
// devGranularity) == 0, releasing the excess on either side.
func reserve(sharedSize, poolSize, devGranularity int) ([]byte, error) {
	align := wire.Lcm(wire.ShmAlign, maxInt(devGranularity, 1))
	if align == 0 {
		align = wire.ShmAlign
	}
	reservationSize := wire.PageSize + sharedSize + poolSize + align

	raw, err := unix.Mmap(-1, 0, reservationSize, unix.PROT_NONE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hma: reserve virtual range: %w", err)
	}

	base := ptrOf(raw)
	boundary := int(base) + wire.PageSize + sharedSize
	pad := (align - boundary%align) % align

	if pad > 0 {
		if err := unix.Munmap(raw[:pad]); err != nil {
			return nil, fmt.Errorf("hma: trim leading reservation pad: %w", err)
		}
	}
	usable := raw[pad : pad+wire.PageSize+sharedSize+poolSize]
	tailStart := pad + wire.PageSize + sharedSize + poolSize
	if tailStart < reservationSize {
		if err := unix.Munmap(raw[tailStart:]); err != nil {
			return nil, fmt.Errorf("hma: trim trailing reservation pad: %w", err)
		}
	}
	return usable, nil
}

// CreateOptions parameterizes allocator creation.
type CreateOptions struct {
	StrategyID     uint16
	Domain         wire.Domain
	ItemSize       int64
	Capacity       int
	SharedSize     int64 // total size of the shared region (header + strategy state)
	PoolSize       int64 // device pool arena size; 0 for host allocators
	DevGranularity int   // device allocation granularity; 0 for host allocators
}

// Create originates a new allocator: reserves the virtual range, maps
// the private local page, creates the shared segment (and, for
// non-host domains, the pool segment), and installs the strategy's
// initial state. Per spec.md §4.1, the originating process is the only
// one that creates the segment; all others attach via Remap.
func Create(opts CreateOptions) (*Handle, error) {
	strategy, ok := LookupStrategy(opts.StrategyID, opts.Domain.DeviceType)
	if !ok {
		return nil, fmt.Errorf("hma: no strategy registered for (strategy=%d, device=%d)", opts.StrategyID, opts.Domain.DeviceType)
	}

	sharedSize := int(opts.SharedSize)
	poolSize := int(opts.PoolSize)
	mem, err := reserve(sharedSize, poolSize, opts.DevGranularity)
	if err != nil {
		return nil, err
	}

	local := mem[:wire.PageSize]
	if err := mapAnonFixed(local); err != nil {
		return nil, fmt.Errorf("hma: map local region: %w", err)
	}

	shmemID, shmPath, err := createShmSegment(sharedSize)
	if err != nil {
		return nil, err
	}
	shared := mem[wire.PageSize : wire.PageSize+sharedSize]
	if err := mapShmFixed(shared, shmPath); err != nil {
		return nil, fmt.Errorf("hma: map shared region: %w", err)
	}

	h := &Handle{
		local:      local,
		shared:     shared,
		strategy:   strategy,
		shmemID:    shmemID,
		shmPath:    shmPath,
		domain:     opts.Domain,
		strategyID: opts.StrategyID,
		originator: true,
	}

	if poolSize > 0 {
		poolShmemID, poolPath, err := createShmSegment(poolSize)
		if err != nil {
			return nil, err
		}
		pool := mem[wire.PageSize+sharedSize : wire.PageSize+sharedSize+poolSize]
		if err := mapShmFixed(pool, poolPath); err != nil {
			return nil, fmt.Errorf("hma: map pool region: %w", err)
		}
		h.pool = pool
		h.poolPath = poolPath
		header := h.Header()
		header.PoolShmemID = poolShmemID
	}

	header := h.Header()
	header.ShmemID = shmemID
	header.Domain = opts.Domain
	header.Strategy = opts.StrategyID

	if err := strategy.InitialState(h, opts.ItemSize, opts.Capacity, opts.PoolSize, opts.DevGranularity); err != nil {
		return nil, fmt.Errorf("hma: initialize strategy state: %w", err)
	}

	return h, nil
}

// Remap attaches an existing allocator's shared segment into this
// process at a fresh, independently-computed address, per spec.md
// §4.1's Remap algorithm: attach at a scratch address to read
// (domain, strategy), detach, then perform the strategy-specific
// remap (fresh reservation, fresh local page, re-attach, import any
// device IPC handle).
func Remap(shmemID int32, declaredSharedSize int) (*Handle, error) {
	shmPath := shmPathFor(shmemID)
	header, err := peekHeader(shmPath)
	if err != nil {
		return nil, err
	}

	strategy, ok := LookupStrategy(header.Strategy, header.Domain.DeviceType)
	if !ok {
		return nil, fmt.Errorf("hma: no strategy registered for (strategy=%d, device=%d)", header.Strategy, header.Domain.DeviceType)
	}

	sharedSize, err := shmSize(shmPath)
	if err != nil {
		return nil, err
	}
	if declaredSharedSize > 0 && declaredSharedSize != sharedSize {
		sharedSize = declaredSharedSize
	}

	poolSize := 0
	poolPath := ""
	if header.PoolShmemID != 0 {
		poolPath = shmPathFor(header.PoolShmemID)
		if n, err := shmSize(poolPath); err == nil {
			poolSize = n
		}
	}

	mem, err := reserve(sharedSize, poolSize, wire.PageSize)
	if err != nil {
		return nil, err
	}

	local := mem[:wire.PageSize]
	if err := mapAnonFixed(local); err != nil {
		return nil, fmt.Errorf("hma: map local region: %w", err)
	}

	shared := mem[wire.PageSize : wire.PageSize+sharedSize]
	if err := mapShmFixed(shared, shmPath); err != nil {
		return nil, fmt.Errorf("hma: map shared region: %w", err)
	}

	h := &Handle{
		local:      local,
		shared:     shared,
		strategy:   strategy,
		shmemID:    shmemID,
		shmPath:    shmPath,
		domain:     header.Domain,
		strategyID: header.Strategy,
		originator: false,
	}

	if poolSize > 0 {
		pool := mem[wire.PageSize+sharedSize : wire.PageSize+sharedSize+poolSize]
		if err := mapShmFixed(pool, poolPath); err != nil {
			return nil, fmt.Errorf("hma: map pool region: %w", err)
		}
		h.pool = pool
		h.poolPath = poolPath
	}

	if err := strategy.Remap(h); err != nil {
		return nil, fmt.Errorf("hma: strategy remap: %w", err)
	}

	return h, nil
}

// Unmap releases h's resources: strategy-specific teardown, then
// detaching the shared (and pool) segments and freeing the local page
// and virtual reservation. If this process originated the segment, it
// is marked for destruction (unlinked) once unmapped, per spec.md
// §4.1's Unmap contract.
func Unmap(h *Handle) error {
	if err := h.strategy.Unmap(h); err != nil {
		return fmt.Errorf("hma: strategy unmap: %w", err)
	}

	if h.pool != nil {
		if err := unix.Munmap(h.pool); err != nil {
			return fmt.Errorf("hma: munmap pool: %w", err)
		}
		if h.originator {
			_ = os.Remove(h.poolPath)
		}
	}

	if err := unix.Munmap(h.shared); err != nil {
		return fmt.Errorf("hma: munmap shared: %w", err)
	}
	if h.originator {
		_ = os.Remove(h.shmPath)
	}

	if err := unix.Munmap(h.local); err != nil {
		return fmt.Errorf("hma: munmap local: %w", err)
	}

	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func ptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func shmPathFor(shmemID int32) string {
	return fmt.Sprintf("%s/hazcat.alloc.%d", ShmDir, uint32(shmemID))
}

// createShmSegment creates a new POSIX shared-memory-backed file of
// size bytes and returns a freshly generated segment id and its path.
func createShmSegment(size int) (int32, string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		id, err := randomShmemID()
		if err != nil {
			return 0, "", err
		}
		path := shmPathFor(id)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
		if err != nil {
			if os.IsExist(err) {
				continue
			}
			return 0, "", fmt.Errorf("hma: create shm segment %s: %w", path, err)
		}
		defer f.Close()
		if err := f.Truncate(int64(size)); err != nil {
			return 0, "", fmt.Errorf("hma: truncate shm segment %s: %w", path, err)
		}
		return id, path, nil
	}
	return 0, "", fmt.Errorf("hma: could not allocate a free shmem id after several attempts")
}

func randomShmemID() (int32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("hma: generate shmem id: %w", err)
	}
	v := binary.LittleEndian.Uint32(buf[:]) & math.MaxInt32
	if v == 0 {
		v = 1
	}
	return int32(v), nil
}

func shmSize(path string) (int, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("hma: stat shm segment %s: %w", path, err)
	}
	return int(st.Size()), nil
}

// peekHeader attaches the segment at a scratch address long enough to
// read (domain, strategy), then detaches, per spec.md §4.1's Remap
// algorithm step 1.
func peekHeader(path string) (wire.AllocatorHeader, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return wire.AllocatorHeader{}, fmt.Errorf("hma: open shm segment %s: %w", path, err)
	}
	defer f.Close()

	scratch, err := unix.Mmap(int(f.Fd()), 0, wire.AllocatorHeaderSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return wire.AllocatorHeader{}, fmt.Errorf("hma: scratch-map shm segment %s: %w", path, err)
	}
	defer unix.Munmap(scratch)

	return *wire.CastAllocatorHeader(scratch), nil
}

// mmapFixed issues a raw mmap(2) at a caller-chosen address within an
// already-reserved range, overwriting the PROT_NONE placeholder
// mapping there. golang.org/x/sys/unix's Mmap wrapper always lets the
// kernel pick the address, so MAP_FIXED sub-mapping (the core move of
// spec.md §4.1's reservation scheme) has to go through the syscall
// directly, the same way the original's reserve_memory_for_allocator
// drops to raw mmap() for its fixed remaps.
func mmapFixed(addr uintptr, length int, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}

func mapAnonFixed(dst []byte) error {
	if len(dst) == 0 {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&dst[0]))
	return mmapFixed(addr, len(dst), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_ANONYMOUS|unix.MAP_PRIVATE, -1, 0)
}

func mapShmFixed(dst []byte, path string) error {
	if len(dst) == 0 {
		return nil
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("hma: open shm segment %s: %w", path, err)
	}
	defer f.Close()

	addr := uintptr(unsafe.Pointer(&dst[0]))
	return mmapFixed(addr, len(dst), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_FIXED|unix.MAP_SHARED, int(f.Fd()), 0)
}
