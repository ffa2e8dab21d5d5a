package queue

import (
	"errors"
	"fmt"

	"code.hybscloud.com/spin"

	"github.com/nightduck/hazcat/internal/hma"
	"github.com/nightduck/hazcat/internal/registry"
	"github.com/nightduck/hazcat/internal/wire"
)

// Sentinel errors surfaced to the root package, which wraps them into
// its own typed error kinds (spec.md §7).
var (
	ErrNoMessage          = errors.New("queue: no message available")
	ErrAllocatorFull      = errors.New("queue: destination allocator has no free slots")
	ErrTooManyDomains     = errors.New("queue: topic already spans the maximum number of memory domains")
	ErrTooManyPublishers  = errors.New("queue: publisher count limit reached for this topic")
	ErrTooManySubscribers = errors.New("queue: subscriber count limit reached for this topic")
	ErrResizeAfterPublish = errors.New("queue: topic requires a structural resize after at least one message has been published")
)

// endpointCountLimit bounds Header.PubCount/SubCount, matching the
// original's UINT16_MAX check (its fields were uint16; ours are
// atomic.Uint32 for the sake of lock-free increment/decrement, but the
// topic-level policy limit stays the same).
const endpointCountLimit = 1<<16 - 1

// Registration is a publisher's or subscriber's attachment to a topic:
// which domain column it reads/writes, and (for subscribers) how far
// it has already read.
type Registration struct {
	Topic     *Topic
	DomainCol int
	Depth     int
	NextIndex uint32
}

// Register attaches to topicName, creating the topic on first use,
// resolving or adding domain's column, and growing the topic if depth
// exceeds its current length — the common logic behind
// RegisterPublisher and RegisterSubscriber, grounded on
// hazcat_register_pub_or_sub.
func Register(dir *Directory, topicName string, depth int, domain wire.Domain) (*Registration, error) {
	t, err := dir.attach(topicName, depth, domain)
	if err != nil {
		return nil, err
	}
	defer unlockExclusive(t.file)

	header := t.Header()
	domainCol, needsResize, err := resolveDomainColumn(t, header, domain)
	if err != nil {
		return nil, err
	}

	newLen := t.layout.Len
	if depth > newLen {
		newLen = depth
		needsResize = true
	}

	if needsResize {
		// spec.md §9: the dense descriptor matrix's column stride depends
		// on len, so a resize after any publish would need to rewrite
		// every existing descriptor rather than just grow the file.
		// Forbidding resize once anything has been published avoids that
		// rewrite. The write cursor wraps back to 0 every len publishes,
		// so a row holding a descriptor also counts as a publish.
		published := header.Index.Load() > 0
		for row := 0; row < t.layout.Len && !published; row++ {
			published = t.RowRefs(row).Availability.Load() != 0
		}
		if published {
			return nil, ErrResizeAfterPublish
		}
		newLayout := wire.QueueLayout{Len: newLen, NumDomains: int(header.NumDomains)}
		if err := dir.resize(t, newLayout); err != nil {
			return nil, err
		}
		header = t.Header()
		header.Len = uint64(newLayout.Len)
	}

	return &Registration{Topic: t, DomainCol: domainCol, Depth: depth}, nil
}

// resolveDomainColumn finds domain's existing column in t, or claims a
// new one if t hasn't seen this domain yet and has room for it.
func resolveDomainColumn(t *Topic, header *wire.QueueHeader, domain wire.Domain) (col int, added bool, err error) {
	packed := wire.PackDomain(domain)
	n := int(header.NumDomains)
	for i := 0; i < n; i++ {
		if header.Domains[i] == packed {
			return i, false, nil
		}
	}
	if n >= wire.DomainsPerTopic {
		return 0, false, ErrTooManyDomains
	}
	header.Domains[n] = packed
	header.NumDomains = uint64(n + 1)
	return n, true, nil
}

// RegisterPublisher registers a publisher writing into domain's column
// of topicName, creating or attaching to the topic as needed.
func RegisterPublisher(dir *Directory, topicName string, depth int, domain wire.Domain) (*Registration, error) {
	r, err := Register(dir, topicName, depth, domain)
	if err != nil {
		return nil, err
	}
	t := r.Topic
	if err := lockExclusive(t.file); err != nil {
		return nil, err
	}
	defer unlockExclusive(t.file)

	header := t.Header()
	if header.PubCount.Load() >= endpointCountLimit {
		return nil, ErrTooManyPublishers
	}
	header.PubCount.Add(1)

	return r, nil
}

// RegisterSubscriber registers a subscriber reading domain's preferred
// column of topicName, starting from the topic's current write
// position (matching the volatile/no-replay durability the original
// hard-codes: a new subscriber never sees messages published before it
// registered).
func RegisterSubscriber(dir *Directory, topicName string, depth int, domain wire.Domain) (*Registration, error) {
	r, err := Register(dir, topicName, depth, domain)
	if err != nil {
		return nil, err
	}
	t := r.Topic
	if err := lockExclusive(t.file); err != nil {
		return nil, err
	}
	defer unlockExclusive(t.file)

	header := t.Header()
	if header.SubCount.Load() >= endpointCountLimit {
		return nil, ErrTooManySubscribers
	}
	header.SubCount.Add(1)
	r.NextIndex = header.Index.Load()

	return r, nil
}

func lockRow(rr *wire.RowRefs) {
	sw := spin.Wait{}
	for !rr.Lock.CompareAndSwap(wire.RowLockFree, wire.RowLockHeld) {
		sw.Once()
	}
}

func unlockRow(rr *wire.RowRefs) {
	rr.Lock.Store(wire.RowLockFree)
}

// nextRow returns the row this publish should write into, and leaves
// the topic's shared write cursor reduced back into [0, length) for
// the next publisher, mirroring hazcat_publish's fetch_add-then-CAS
// bookkeeping.
func nextRow(header *wire.QueueHeader, length int) int {
	i := header.Index.Add(1) - 1

	for {
		cur := header.Index.Load()
		if cur < uint32(length) {
			break
		}
		if header.Index.CompareAndSwap(cur, cur%uint32(length)) {
			break
		}
	}

	return int(i) % length
}

// Publish writes one descriptor naming (alloc, offset, length) into r's
// domain column at the next row, releasing any previous occupants of
// that row across every domain first. Grounded on hazcat_publish.
func Publish(r *Registration, reg *registry.Registry, alloc *hma.Handle, offset int64, length uint64) error {
	t := r.Topic
	if err := lockShared(t.file); err != nil {
		return err
	}
	defer unlockShared(t.file)

	header := t.Header()
	row := nextRow(header, t.layout.Len)
	rowRefs := t.RowRefs(row)

	lockRow(rowRefs)
	defer unlockRow(rowRefs)

	if rowRefs.InterestCount.Load() > 0 {
		avail := rowRefs.Availability.Load()
		numDomains := int(header.NumDomains)
		for d := 0; d < numDomains; d++ {
			if avail&(1<<uint(d)) == 0 {
				continue
			}
			desc := t.Descriptor(d, row)
			srcAlloc, err := reg.Acquire(desc.AllocShmemID, 0)
			if err != nil {
				return fmt.Errorf("queue: publish: release stale row %d domain %d: %w", row, d, err)
			}
			srcAlloc.Deallocate(desc.Offset)
			if err := reg.Release(desc.AllocShmemID); err != nil {
				return fmt.Errorf("queue: publish: evict stale row %d domain %d: %w", row, d, err)
			}
		}
	}

	desc := t.Descriptor(r.DomainCol, row)
	desc.AllocShmemID = alloc.ShmemID()
	desc.Offset = offset
	desc.Len = length

	rowRefs.Availability.Store(uint32(1) << uint(r.DomainCol))
	rowRefs.InterestCount.Store(header.SubCount.Load())

	return t.Signal()
}

// Take fetches the next relevant message for r, zero-copy if a
// descriptor already exists in r's domain column, or via an
// allocate-and-copy into r's domain otherwise. Returns ErrNoMessage if
// r is already caught up to the write cursor. Grounded on hazcat_take.
func Take(r *Registration, reg *registry.Registry, alloc *hma.Handle) (srcAlloc *hma.Handle, offset int64, length uint64, err error) {
	t := r.Topic
	if err := lockShared(t.file); err != nil {
		return nil, 0, 0, err
	}
	defer unlockShared(t.file)

	header := t.Header()
	length_ := uint32(t.layout.Len)

	i := r.NextIndex
	curIndex := header.Index.Load()
	lag := (curIndex + length_ - i) % length_
	if int(lag) > r.Depth {
		i = (curIndex + length_ - uint32(r.Depth)) % length_
	}
	if i == curIndex {
		return nil, 0, 0, ErrNoMessage
	}

	row := int(i)
	rowRefs := t.RowRefs(row)

	lockRow(rowRefs)
	defer unlockRow(rowRefs)

	avail := rowRefs.Availability.Load()

	if avail&(uint32(1)<<uint(r.DomainCol)) != 0 {
		// This reference is deliberately left unreleased. The returned
		// handle aliases payload memory the caller still reads after
		// this call returns, and nothing tells the registry when that
		// read is finished, so releasing it here would risk a
		// concurrent unmap racing the caller's read. Unlike the stale
		// and cross-domain-copy acquires below, there is no safe later
		// point to pair it with a Release either; the entry stays
		// mapped for the process's lifetime once any zero-copy take has
		// touched it.
		desc := t.Descriptor(r.DomainCol, row)
		src, err := reg.Acquire(desc.AllocShmemID, 0)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("queue: take: resolve source allocator: %w", err)
		}
		src.Share(desc.Offset)
		srcAlloc, offset, length = src, desc.Offset, desc.Len
	} else {
		d := 0
		for d < wire.DomainsPerTopic && avail&(uint32(1)<<uint(d)) == 0 {
			d++
		}
		desc := t.Descriptor(d, row)
		src, err := reg.Acquire(desc.AllocShmemID, 0)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("queue: take: resolve source allocator: %w", err)
		}

		newOffset := alloc.Allocate(int(desc.Len))
		if newOffset < 0 {
			_ = reg.Release(desc.AllocShmemID)
			return nil, 0, 0, ErrAllocatorFull
		}
		alloc.Copy(newOffset, src, desc.Offset, int(desc.Len))
		if err := reg.Release(desc.AllocShmemID); err != nil {
			return nil, 0, 0, fmt.Errorf("queue: take: release source allocator after copy: %w", err)
		}

		mine := t.Descriptor(r.DomainCol, row)
		mine.AllocShmemID = alloc.ShmemID()
		mine.Offset = newOffset
		mine.Len = desc.Len
		rowRefs.Availability.Store(avail | (uint32(1) << uint(r.DomainCol)))

		srcAlloc, offset, length = alloc, newOffset, desc.Len
	}

	if rowRefs.InterestCount.Add(^uint32(0)) == 0 {
		avail = rowRefs.Availability.Load()
		numDomains := int(header.NumDomains)
		for d := 0; d < numDomains; d++ {
			if avail&(uint32(1)<<uint(d)) == 0 {
				continue
			}
			desc := t.Descriptor(d, row)
			a, err := reg.Acquire(desc.AllocShmemID, 0)
			if err == nil {
				a.Deallocate(desc.Offset)
				_ = reg.Release(desc.AllocShmemID)
			}
		}
	}

	r.NextIndex = (i + 1) % length_

	return srcAlloc, offset, length, nil
}

// UnregisterPublisher decrements the topic's publisher count and, if
// no publishers or subscribers remain, destroys it. Grounded on
// hazcat_unregister_publisher.
func UnregisterPublisher(dir *Directory, reg *Registration) error {
	return unregister(dir, reg, true)
}

// UnregisterSubscriber decrements the topic's subscriber count and, if
// no publishers or subscribers remain, destroys it. Grounded on
// hazcat_unregister_subscription.
func UnregisterSubscriber(dir *Directory, reg *Registration) error {
	return unregister(dir, reg, false)
}

func unregister(dir *Directory, reg *Registration, isPublisher bool) error {
	t := reg.Topic
	if err := lockExclusive(t.file); err != nil {
		return err
	}

	header := t.Header()
	if isPublisher {
		if header.PubCount.Load() == 0 {
			unlockExclusive(t.file)
			return fmt.Errorf("queue: unregister publisher: publisher count already zero on %q", t.Name)
		}
		header.PubCount.Add(^uint32(0))
	} else {
		if header.SubCount.Load() == 0 {
			unlockExclusive(t.file)
			return fmt.Errorf("queue: unregister subscriber: subscriber count already zero on %q", t.Name)
		}
		header.SubCount.Add(^uint32(0))
	}

	destroy := header.PubCount.Load() == 0 && header.SubCount.Load() == 0
	unlockExclusive(t.file)

	if destroy {
		return dir.detach(t, true)
	}
	return nil
}
