package queue

import "github.com/nightduck/hazcat/internal/wire"

// DescriptorSnapshot is a point-in-time copy of one (domain, row)
// descriptor, safe to hold after the topic's lock has been released.
type DescriptorSnapshot struct {
	AllocShmemID int32
	Offset       int64
	Len          uint64
}

// RowSnapshot is a point-in-time copy of one row's reference state and
// every domain's descriptor for it.
type RowSnapshot struct {
	InterestCount uint32
	Availability  uint32
	Descriptors   []DescriptorSnapshot // indexed by domain column
}

// Snapshot is a read-only, detached copy of a topic's entire queue
// state, for introspection and tests. Grounded on
// hazcat_message_queue.c's dump_message_queue, reworked from a printf
// dump into data a caller can inspect or format itself.
type Snapshot struct {
	Index      uint32
	Len        uint64
	NumDomains uint64
	Domains    []wire.Domain
	PubCount   uint32
	SubCount   uint32
	Rows       []RowSnapshot
}

// Snapshot copies t's current header, domain list, and every row's
// reference state and descriptors. It takes the topic's shared
// (read) lock, which keeps register/resize/unregister out but not
// Publish/Take, and copies each row while holding that row's lock, so
// no row is observed half-written and a publisher is blocked for at
// most one row copy.
func (t *Topic) Snapshot() (Snapshot, error) {
	if err := lockShared(t.file); err != nil {
		return Snapshot{}, err
	}
	defer unlockShared(t.file)

	header := t.Header()
	numDomains := int(header.NumDomains)

	s := Snapshot{
		Index:      header.Index.Load(),
		Len:        header.Len,
		NumDomains: header.NumDomains,
		PubCount:   header.PubCount.Load(),
		SubCount:   header.SubCount.Load(),
		Domains:    make([]wire.Domain, numDomains),
		Rows:       make([]RowSnapshot, t.layout.Len),
	}
	for d := 0; d < numDomains; d++ {
		s.Domains[d] = wire.UnpackDomain(header.Domains[d])
	}

	for i := 0; i < t.layout.Len; i++ {
		rr := t.RowRefs(i)
		lockRow(rr)
		row := RowSnapshot{
			InterestCount: rr.InterestCount.Load(),
			Availability:  rr.Availability.Load(),
			Descriptors:   make([]DescriptorSnapshot, numDomains),
		}
		for d := 0; d < numDomains; d++ {
			desc := t.Descriptor(d, i)
			row.Descriptors[d] = DescriptorSnapshot{
				AllocShmemID: desc.AllocShmemID,
				Offset:       desc.Offset,
				Len:          desc.Len,
			}
		}
		unlockRow(rr)
		s.Rows[i] = row
	}

	return s, nil
}
