package wire

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestLcmGcd(t *testing.T) {
	require.Equal(t, 12, Lcm(4, 6))
	require.Equal(t, 2, Gcd(4, 6))
	require.Equal(t, 0, Lcm(0, 6))
	require.Equal(t, 6, Gcd(0, 6))
}

func TestRoundUp(t *testing.T) {
	require.Equal(t, 8, RoundUp(1, 8))
	require.Equal(t, 8, RoundUp(8, 8))
	require.Equal(t, 16, RoundUp(9, 8))
	require.Equal(t, 5, RoundUp(5, 0))
}

func TestPtrOffsetRoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	base := unsafe.Pointer(&buf[0])
	p := unsafe.Pointer(&buf[40])

	off := PtrToOffset(base, p)
	require.EqualValues(t, 40, off)
	require.Equal(t, p, OffsetToPtr(base, off))
}

func TestPackUnpackDomain(t *testing.T) {
	d := Domain{DeviceType: DeviceCUDA, DeviceNumber: 3}
	require.Equal(t, d, UnpackDomain(PackDomain(d)))
}

func TestAllocatorHeaderCast(t *testing.T) {
	buf := make([]byte, AllocatorHeaderSize+16)
	h := CastAllocatorHeader(buf)
	h.ShmemID = 42
	h.Domain = Domain{DeviceType: DeviceHost}
	h.Strategy = StrategyRing

	h2 := CastAllocatorHeader(buf)
	require.EqualValues(t, 42, h2.ShmemID)
	require.Equal(t, StrategyRing, h2.Strategy)
}

func TestQueueLayoutOffsets(t *testing.T) {
	l := QueueLayout{Len: 4, NumDomains: 2}

	require.Equal(t, QueueHeaderSize, l.RowRefsOffset())
	require.Equal(t, QueueHeaderSize+4*RowRefsSize, l.DescriptorsOffset())

	// Row-major by domain then slot: domain 1's descriptors start right
	// after domain 0's full run of Len descriptors.
	d0r0 := l.DescriptorOffset(0, 0)
	d1r0 := l.DescriptorOffset(1, 0)
	require.Equal(t, d0r0+4*DescriptorSize, d1r0)

	require.Equal(t, l.DescriptorsOffset()+2*4*DescriptorSize, l.TotalSize())
}

func TestQueueHeaderRoundTrip(t *testing.T) {
	layout := QueueLayout{Len: 3, NumDomains: 1}
	mem := make([]byte, layout.TotalSize())

	h := CastQueueHeader(mem)
	h.Len = 3
	h.NumDomains = 1
	h.Domains[0] = PackDomain(Domain{DeviceType: DeviceHost})

	rr := CastRowRefs(mem, layout, 1)
	rr.InterestCount.Store(2)
	rr.Availability.Store(1)

	desc := CastDescriptor(mem, layout, 0, 1)
	desc.AllocShmemID = 7
	desc.Offset = 128
	desc.Len = 64

	// Re-view the same bytes fresh and confirm nothing aliased across rows.
	rr0 := CastRowRefs(mem, layout, 0)
	require.Zero(t, rr0.InterestCount.Load())

	rr1 := CastRowRefs(mem, layout, 1)
	require.EqualValues(t, 2, rr1.InterestCount.Load())

	desc1 := CastDescriptor(mem, layout, 0, 1)
	require.EqualValues(t, 7, desc1.AllocShmemID)
	require.EqualValues(t, 128, desc1.Offset)
	require.EqualValues(t, 64, desc1.Len)
}
