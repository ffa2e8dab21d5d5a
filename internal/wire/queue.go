package wire

import (
	"sync/atomic"
	"unsafe"
)

// DomainsPerTopic bounds how many distinct memory domains one topic's
// queue can fan out descriptors across. spec.md §3 suggests 4.
const DomainsPerTopic = 4

// QueueHeader is the fixed-size header at the start of a topic's
// shared queue file.
type QueueHeader struct {
	Index      atomic.Uint32 // next write slot, modulo Len
	Len        uint64        // N, number of rows
	NumDomains uint64
	Domains    [DomainsPerTopic]uint32 // Domain packed as DeviceType<<16|DeviceNumber
	PubCount   atomic.Uint32           // widened from uint16 for atomic ops; see queue's endpointCountLimit
	SubCount   atomic.Uint32
}

// QueueHeaderSize is sizeof(QueueHeader).
const QueueHeaderSize = int(unsafe.Sizeof(QueueHeader{}))

// PackDomain/UnpackDomain convert between the Domain struct and the
// uint32 representation stored in QueueHeader.Domains, so the header
// stays a flat array of plain integers (no nested struct padding
// surprises across the wire).
func PackDomain(d Domain) uint32 {
	return uint32(d.DeviceType)<<16 | uint32(d.DeviceNumber)
}

func UnpackDomain(v uint32) Domain {
	return Domain{DeviceType: uint16(v >> 16), DeviceNumber: uint16(v)}
}

// RowLockFree / RowLockHeld are the two states of RowRefs.Lock.
const (
	RowLockFree uint64 = 0
	RowLockHeld uint64 = 1
)

// RowRefs is the per-row reference-tracking state: how many
// subscribers still haven't taken the row's message, which domain
// columns hold a valid descriptor, and the row's spin lock.
type RowRefs struct {
	InterestCount atomic.Uint32
	Availability  atomic.Uint32
	Lock          atomic.Uint64
}

// RowRefsSize is sizeof(RowRefs).
const RowRefsSize = int(unsafe.Sizeof(RowRefs{}))

// Descriptor names one copy of a payload: which allocator holds it,
// at what offset from that allocator's handle, and how long it is.
type Descriptor struct {
	AllocShmemID int32
	Offset       int64
	Len          uint64
}

// DescriptorSize is sizeof(Descriptor).
const DescriptorSize = int(unsafe.Sizeof(Descriptor{}))

// QueueLayout computes byte offsets into a queue's shared file, given
// the row count and domain count currently configured. Rows are dense
// across num_domains columns, row-major by domain then slot
// (spec.md §3: "entry[num_domains][N]").
type QueueLayout struct {
	Len        int
	NumDomains int
}

func (l QueueLayout) RowRefsOffset() int { return QueueHeaderSize }

func (l QueueLayout) DescriptorsOffset() int {
	return QueueHeaderSize + l.Len*RowRefsSize
}

func (l QueueLayout) DescriptorOffset(domain, row int) int {
	return l.DescriptorsOffset() + (domain*l.Len+row)*DescriptorSize
}

// TotalSize returns the number of bytes the queue file must be
// truncated to for this layout.
func (l QueueLayout) TotalSize() int {
	return l.DescriptorsOffset() + l.NumDomains*l.Len*DescriptorSize
}

// CastQueueHeader views the start of a mmap'd queue file as a
// *QueueHeader without copying.
func CastQueueHeader(mem []byte) *QueueHeader {
	return (*QueueHeader)(unsafe.Pointer(&mem[0]))
}

// CastRowRefs views row i's reference-tracking state.
func CastRowRefs(mem []byte, layout QueueLayout, i int) *RowRefs {
	off := layout.RowRefsOffset() + i*RowRefsSize
	return (*RowRefs)(unsafe.Pointer(&mem[off]))
}

// CastDescriptor views the descriptor at (domain, row).
func CastDescriptor(mem []byte, layout QueueLayout, domain, row int) *Descriptor {
	off := layout.DescriptorOffset(domain, row)
	return (*Descriptor)(unsafe.Pointer(&mem[off]))
}
