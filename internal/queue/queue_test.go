package queue_test

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightduck/hazcat/internal/hma"
	"github.com/nightduck/hazcat/internal/hma/ring"
	"github.com/nightduck/hazcat/internal/queue"
	"github.com/nightduck/hazcat/internal/registry"
	"github.com/nightduck/hazcat/internal/wire"
)

func uniqueTopic(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("/queuetest.%s", t.Name())
}

// shmPath and fifoPath mirror queue.go's unexported path helpers, for
// tests that need to assert on a topic's backing files directly.
func shmPath(topic string) string {
	return "/dev/shm/hazcat.topic" + strings.ReplaceAll(topic, "/", ".")
}

func fifoPath(topic string) string {
	return "/tmp/hazcat.topic" + strings.ReplaceAll(topic, "/", ".") + ".fifo"
}

func createHostRing(t *testing.T, itemSize int64, capacity int) *hma.Handle {
	t.Helper()
	h, err := hma.Create(hma.CreateOptions{
		StrategyID: wire.StrategyRing,
		Domain:     wire.Domain{DeviceType: wire.DeviceHost},
		ItemSize:   itemSize,
		Capacity:   capacity,
		SharedSize: ring.SharedSize(itemSize, capacity, true),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, hma.Unmap(h)) })
	return h
}

func createDeviceRing(t *testing.T, itemSize int64, capacity int, deviceNumber uint16) *hma.Handle {
	t.Helper()
	h, err := hma.Create(hma.CreateOptions{
		StrategyID:     wire.StrategyRing,
		Domain:         wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: deviceNumber},
		ItemSize:       itemSize,
		Capacity:       capacity,
		SharedSize:     ring.SharedSize(itemSize, capacity, false),
		PoolSize:       ring.PoolSize(itemSize, capacity, 0),
		DevGranularity: 8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, hma.Unmap(h)) })
	return h
}

func TestRegisterPublisherThenSubscriberResolveSameDomainColumn(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}

	pubReg, err := queue.RegisterPublisher(dir, topic, 4, hostDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 2, hostDomain)
	require.NoError(t, err)

	require.Equal(t, pubReg.DomainCol, subReg.DomainCol)
	require.Equal(t, 4, pubReg.Topic.Len(), "topic length is the larger of the two requested depths")

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestTooManyDomainsRejected(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)

	// A freshly created topic always pre-reserves column 0 for the host
	// domain, so three more distinct CUDA device numbers exactly fill
	// wire.DomainsPerTopic.
	r0, err := queue.RegisterSubscriber(dir, topic, 2, wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: 0})
	require.NoError(t, err)
	r1, err := queue.RegisterSubscriber(dir, topic, 2, wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: 1})
	require.NoError(t, err)
	r2, err := queue.RegisterSubscriber(dir, topic, 2, wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: 2})
	require.NoError(t, err)

	_, err = queue.RegisterSubscriber(dir, topic, 2, wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: 3})
	require.ErrorIs(t, err, queue.ErrTooManyDomains)

	require.NoError(t, queue.UnregisterSubscriber(dir, r0))
	require.NoError(t, queue.UnregisterSubscriber(dir, r1))
	require.NoError(t, queue.UnregisterSubscriber(dir, r2))
}

func TestResizeAfterPublishIsRejected(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}
	reg := registry.New()

	pubReg, err := queue.RegisterPublisher(dir, topic, 2, hostDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 2, hostDomain)
	require.NoError(t, err)

	alloc := createHostRing(t, 8, 4)
	off := alloc.Allocate(8)
	require.NoError(t, queue.Publish(pubReg, reg, alloc, off, 8))

	_, err = queue.RegisterSubscriber(dir, topic, 5, hostDomain)
	require.ErrorIs(t, err, queue.ErrResizeAfterPublish)

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestTakeReportsNoMessageWhenCaughtUp(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}
	reg := registry.New()

	subReg, err := queue.RegisterSubscriber(dir, topic, 2, hostDomain)
	require.NoError(t, err)

	alloc := createHostRing(t, 8, 2)
	_, _, _, err = queue.Take(subReg, reg, alloc)
	require.True(t, errors.Is(err, queue.ErrNoMessage))

	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestPublishTakeRoundTripSameDomainIsZeroCopy(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}
	reg := registry.New()

	pubAlloc := createHostRing(t, 16, 4)
	subAlloc := createHostRing(t, 16, 4)

	pubReg, err := queue.RegisterPublisher(dir, topic, 4, hostDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 4, hostDomain)
	require.NoError(t, err)

	off := pubAlloc.Allocate(16)
	require.GreaterOrEqual(t, off, int64(0))
	pubAlloc.CopyTo(off, []byte("same-domain-msg!"))

	require.NoError(t, queue.Publish(pubReg, reg, pubAlloc, off, 16))

	srcAlloc, gotOffset, gotLen, err := queue.Take(subReg, reg, subAlloc)
	require.NoError(t, err)
	require.EqualValues(t, 16, gotLen)
	require.Equal(t, pubAlloc.ShmemID(), srcAlloc.ShmemID(), "same-domain take must resolve the publisher's own allocator, not copy into the subscriber's")
	require.Equal(t, off, gotOffset)

	got := make([]byte, 16)
	srcAlloc.CopyFrom(gotOffset, got)
	require.Equal(t, "same-domain-msg!", string(got))

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestPublishTakeCrossDomainMaterializesACopy(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	cudaDomain := wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: 0}
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}
	reg := registry.New()

	pubAlloc := createDeviceRing(t, 32, 4, 0)
	subAlloc := createHostRing(t, 32, 4)

	pubReg, err := queue.RegisterPublisher(dir, topic, 4, cudaDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 4, hostDomain)
	require.NoError(t, err)
	require.NotEqual(t, pubReg.DomainCol, subReg.DomainCol)

	payload := []byte("cross-domain-message-bytes!!!!!!")[:32]
	off := pubAlloc.Allocate(32)
	require.GreaterOrEqual(t, off, int64(0))
	pubAlloc.CopyTo(off, payload)

	require.NoError(t, queue.Publish(pubReg, reg, pubAlloc, off, 32))

	srcAlloc, gotOffset, gotLen, err := queue.Take(subReg, reg, subAlloc)
	require.NoError(t, err)
	require.EqualValues(t, 32, gotLen)
	require.Equal(t, subAlloc.ShmemID(), srcAlloc.ShmemID(), "cross-domain take must materialize into the subscriber's own allocator")

	got := make([]byte, 32)
	srcAlloc.CopyFrom(gotOffset, got)
	require.Equal(t, payload, got)

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestTakeReleasesForeignAllocatorAfterCrossDomainCopy(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	cudaDomain := wire.Domain{DeviceType: wire.DeviceCUDA, DeviceNumber: 0}
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}
	reg := registry.New()

	pubAlloc := createDeviceRing(t, 16, 4, 0)
	subAlloc := createHostRing(t, 16, 4)

	pubReg, err := queue.RegisterPublisher(dir, topic, 4, cudaDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 4, hostDomain)
	require.NoError(t, err)

	off := pubAlloc.Allocate(16)
	require.GreaterOrEqual(t, off, int64(0))
	require.NoError(t, queue.Publish(pubReg, reg, pubAlloc, off, 16))

	_, ok := reg.Lookup(pubAlloc.ShmemID())
	require.False(t, ok, "a publish onto a row with no interested subscriber resolves no descriptor through the registry")

	_, _, _, err = queue.Take(subReg, reg, subAlloc)
	require.NoError(t, err)

	// The materializing copy's Acquire of the publisher's allocator is
	// released right after the copy, so it does not linger in the
	// registry once Take returns.
	_, ok = reg.Lookup(pubAlloc.ShmemID())
	require.False(t, ok, "the registry must not hold a reference to the source allocator once the cross-domain copy is done")

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestPublishReleasesStaleRowOccupantLeftUntakenByASlowSubscriber(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}
	reg := registry.New()

	pubAlloc := createHostRing(t, 16, 4)

	pubReg, err := queue.RegisterPublisher(dir, topic, 1, hostDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 1, hostDomain)
	require.NoError(t, err)
	require.Equal(t, 1, pubReg.Topic.Len(), "depth 1 on both sides keeps every publish on the same row")

	off1 := pubAlloc.Allocate(16)
	require.GreaterOrEqual(t, off1, int64(0))
	require.NoError(t, queue.Publish(pubReg, reg, pubAlloc, off1, 16))

	off2 := pubAlloc.Allocate(16)
	require.GreaterOrEqual(t, off2, int64(0))
	// The subscriber never took the first message, so it is still
	// counted interested: this second publish to the same row must
	// deallocate and release the first message's descriptor before
	// installing its own.
	require.NoError(t, queue.Publish(pubReg, reg, pubAlloc, off2, 16))

	_, ok := reg.Lookup(pubAlloc.ShmemID())
	require.False(t, ok, "the stale occupant's registry reference must not outlive the overwrite that reclaimed it")

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
}

func TestUnregisterDestroysTopicOnceEmpty(t *testing.T) {
	dir := queue.NewDirectory()
	topic := uniqueTopic(t)
	hostDomain := wire.Domain{DeviceType: wire.DeviceHost}

	pubReg, err := queue.RegisterPublisher(dir, topic, 3, hostDomain)
	require.NoError(t, err)
	subReg, err := queue.RegisterSubscriber(dir, topic, 3, hostDomain)
	require.NoError(t, err)

	require.NoError(t, queue.UnregisterPublisher(dir, pubReg))
	require.NoError(t, queue.UnregisterSubscriber(dir, subReg))
	t.Cleanup(func() { _ = os.Remove(fifoPath(topic)) })

	// The shm file is unlinked on the last unregister, but the signal
	// fifo survives: it is never unlinked, so a publisher that starts
	// before any subscriber re-registers still finds it waiting.
	_, err = os.Stat(shmPath(topic))
	require.True(t, os.IsNotExist(err), "shm file must be unlinked once the topic is destroyed")
	_, err = os.Stat(fifoPath(topic))
	require.NoError(t, err, "signal fifo must survive topic destruction")

	// Re-registering with a different depth starts a brand new topic
	// rather than reusing the old layout, since the shm file is gone.
	fresh, err := queue.RegisterPublisher(dir, topic, 6, hostDomain)
	require.NoError(t, err)
	require.Equal(t, 6, fresh.Topic.Len())
	require.NoError(t, queue.UnregisterPublisher(dir, fresh))
}
