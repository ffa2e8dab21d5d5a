package registry_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightduck/hazcat/internal/hma"
	"github.com/nightduck/hazcat/internal/hma/ring"
	"github.com/nightduck/hazcat/internal/registry"
	"github.com/nightduck/hazcat/internal/wire"
)

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
	return h
}

func TestAcquireRemapsOnFirstSightAndRefcounts(t *testing.T) {
	owner := createHostRing(t, 8, 2)
	defer hma.Unmap(owner) // originator: removes the backing shm file on cleanup

	r := registry.New()

	got1, err := r.Acquire(owner.ShmemID(), 0)
	require.NoError(t, err)
	require.NotNil(t, got1)

	found, ok := r.Lookup(owner.ShmemID())
	require.True(t, ok)
	require.Same(t, got1, found)

	got2, err := r.Acquire(owner.ShmemID(), 0)
	require.NoError(t, err)
	require.Same(t, got1, got2, "a second Acquire in the same process reuses the remapped handle")

	require.NoError(t, r.Release(owner.ShmemID()))
	_, ok = r.Lookup(owner.ShmemID())
	require.True(t, ok, "one reference remains after a single release of two")

	require.NoError(t, r.Release(owner.ShmemID()))
	_, ok = r.Lookup(owner.ShmemID())
	require.False(t, ok, "the last release evicts and unmaps the handle")
}

func TestOwnInsertsWithRefcountOne(t *testing.T) {
	h := createHostRing(t, 8, 2)
	r := registry.New()

	r.Own(h)
	found, ok := r.Lookup(h.ShmemID())
	require.True(t, ok)
	require.Same(t, h, found)

	require.NoError(t, r.Release(h.ShmemID()), "single release on an owned allocator must evict and unmap it")
	_, ok = r.Lookup(h.ShmemID())
	require.False(t, ok)
}

func TestCloseUnmapsEveryHandleRegardlessOfRefcount(t *testing.T) {
	h1 := createHostRing(t, 8, 2)
	h2 := createHostRing(t, 16, 2)
	r := registry.New()

	r.Own(h1)
	r.Own(h2)
	_, err := r.Acquire(h1.ShmemID(), 0) // bump h1's refcount to 2
	require.NoError(t, err)

	require.NoError(t, r.Close())

	_, ok := r.Lookup(h1.ShmemID())
	require.False(t, ok)
	_, ok = r.Lookup(h2.ShmemID())
	require.False(t, ok)
}

func TestLookupMissReportsFalseWithoutRemapping(t *testing.T) {
	r := registry.New()
	_, ok := r.Lookup(99999)
	require.False(t, ok)
}
