// Package queue implements the per-topic message queue: a fixed-size,
// file-backed circular array of row references and payload
// descriptors that publishers and subscribers attach to by name.
//
// Grounded in full on original_source/src/hazcat_message_queue.c:
// hazcat_register_pub_or_sub (open/create, domain-column resolution,
// resize), hazcat_publish, hazcat_take, hazcat_unregister_publisher/
// subscription, lock_domain, get_ref_bits/get_entry offset math.
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/nightduck/hazcat/internal/wire"
)

// ShmDir and FifoDir mirror the original's shmem_file ("/ros2_hazcat")
// and fifo_file ("/tmp/ros2_hazcat") prefixes, relocated under Go's
// usual /dev/shm and /tmp conventions.
const (
	ShmDir  = "/dev/shm"
	FifoDir = "/tmp"
)

func sanitizeTopic(name string) string {
	return strings.ReplaceAll(name, "/", ".")
}

func shmPathForTopic(name string) string {
	return fmt.Sprintf("%s/hazcat.topic%s", ShmDir, sanitizeTopic(name))
}

func fifoPathForTopic(name string) string {
	return fmt.Sprintf("%s/hazcat.topic%s.fifo", FifoDir, sanitizeTopic(name))
}

// Topic is one process's attachment to a shared topic queue: the
// mmap'd file, the fifo used to wake blocked subscribers, and the
// current layout used to compute offsets into the mapping.
type Topic struct {
	Name string

	mu     sync.Mutex // serializes this process's resize/close against its own goroutines
	file   *os.File
	fifoFd int
	mem    []byte
	layout wire.QueueLayout
}

func (t *Topic) Header() *wire.QueueHeader { return wire.CastQueueHeader(t.mem) }

func (t *Topic) RowRefs(row int) *wire.RowRefs {
	return wire.CastRowRefs(t.mem, t.layout, row)
}

func (t *Topic) Descriptor(domain, row int) *wire.Descriptor {
	return wire.CastDescriptor(t.mem, t.layout, domain, row)
}

func (t *Topic) Len() int { return t.layout.Len }

// Signal wakes any subscriber blocked in Wait. The fifo is opened
// non-blocking, so a full pipe (no reader draining it) never stalls a
// publisher — the next reader's wakeup is already pending regardless.
func (t *Topic) Signal() error {
	_, err := unix.Write(t.fifoFd, []byte{'e'})
	if err != nil && errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return err
}

// Wait blocks until Signal is called at least once (or the fifo
// already has a pending byte), consuming one wakeup. ctx cancellation
// unblocks it early.
func (t *Topic) Wait(ctx context.Context) error {
	fds := []unix.PollFd{{Fd: int32(t.fifoFd), Events: unix.POLLIN}}
	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		n, err := unix.Poll(fds, 200)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}
		var buf [1]byte
		_, err = unix.Read(t.fifoFd, buf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				continue
			}
			return err
		}
		return nil
	}
}

// Directory is a process-local table of attached topic queues, keyed
// by name, mirroring the original's mq_list linked list (one entry
// per topic this process has opened, shared by every publisher and
// subscriber endpoint in-process).
type Directory struct {
	mu     sync.Mutex
	topics map[string]*Topic
}

// NewDirectory returns an empty topic directory. One Directory is
// shared by every endpoint within a process.
func NewDirectory() *Directory {
	return &Directory{topics: make(map[string]*Topic)}
}

// attach returns this process's Topic for name, opening and mapping
// the shared file on first use. The returned topic is locked
// (exclusive, via the OS file lock) on return; callers must call
// unlockExclusive when done mutating it.
func (d *Directory) attach(name string, initialDepth int, domain wire.Domain) (*Topic, error) {
	d.mu.Lock()
	t, ok := d.topics[name]
	d.mu.Unlock()
	if ok {
		if err := lockExclusive(t.file); err != nil {
			return nil, err
		}
		return t, nil
	}

	path := shmPathForTopic(name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("queue: open topic %q: %w", name, err)
	}

	fifoPath := fifoPathForTopic(name)
	if err := unix.Mkfifo(fifoPath, 0o666); err != nil && !os.IsExist(err) {
		file.Close()
		return nil, fmt.Errorf("queue: create signaling fifo for %q: %w", name, err)
	}
	fifoFd, err := unix.Open(fifoPath, unix.O_RDWR|unix.O_NONBLOCK, 0o666)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("queue: open signaling fifo for %q: %w", name, err)
	}

	if err := lockExclusive(file); err != nil {
		file.Close()
		unix.Close(fifoFd)
		return nil, err
	}

	st, err := file.Stat()
	if err != nil {
		unlockExclusive(file)
		file.Close()
		unix.Close(fifoFd)
		return nil, fmt.Errorf("queue: stat topic %q: %w", name, err)
	}

	t = &Topic{Name: name, file: file, fifoFd: fifoFd}

	if st.Size() == 0 {
		layout := wire.QueueLayout{Len: initialDepth, NumDomains: 1}
		if err := file.Truncate(int64(layout.TotalSize())); err != nil {
			unlockExclusive(file)
			file.Close()
			unix.Close(fifoFd)
			return nil, fmt.Errorf("queue: size new topic %q: %w", name, err)
		}
		mem, err := unix.Mmap(int(file.Fd()), 0, layout.TotalSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unlockExclusive(file)
			file.Close()
			unix.Close(fifoFd)
			return nil, fmt.Errorf("queue: map new topic %q: %w", name, err)
		}
		t.mem = mem
		t.layout = layout

		header := t.Header()
		header.Len = uint64(layout.Len)
		header.NumDomains = 1
		header.Domains[0] = wire.PackDomain(wire.Domain{DeviceType: wire.DeviceHost})
	} else {
		layout, err := readLayout(t)
		if err != nil {
			unlockExclusive(file)
			file.Close()
			unix.Close(fifoFd)
			return nil, err
		}
		mem, err := unix.Mmap(int(file.Fd()), 0, layout.TotalSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			unlockExclusive(file)
			file.Close()
			unix.Close(fifoFd)
			return nil, fmt.Errorf("queue: map existing topic %q: %w", name, err)
		}
		t.mem = mem
		t.layout = layout
	}

	d.mu.Lock()
	d.topics[name] = t
	d.mu.Unlock()

	return t, nil
}

// readLayout peeks at an existing topic file's header to recover the
// layout needed to map the rest of it, mirroring how the original
// mmaps the whole file (already knowing its size from fstat) before
// trusting any field inside it.
func readLayout(t *Topic) (wire.QueueLayout, error) {
	scratch, err := unix.Mmap(int(t.file.Fd()), 0, wire.QueueHeaderSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return wire.QueueLayout{}, fmt.Errorf("queue: peek topic header: %w", err)
	}
	defer unix.Munmap(scratch)
	header := wire.CastQueueHeader(scratch)
	return wire.QueueLayout{Len: int(header.Len), NumDomains: int(header.NumDomains)}, nil
}

// resize grows t to newLayout in place: unmap, truncate, remap. Only
// ever grows — shrinking a live topic is not supported, matching the
// original's resize path.
func (d *Directory) resize(t *Topic, newLayout wire.QueueLayout) error {
	if err := unix.Munmap(t.mem); err != nil {
		return fmt.Errorf("queue: unmap topic %q for resize: %w", t.Name, err)
	}
	if err := t.file.Truncate(int64(newLayout.TotalSize())); err != nil {
		return fmt.Errorf("queue: resize topic %q: %w", t.Name, err)
	}
	mem, err := unix.Mmap(int(t.file.Fd()), 0, newLayout.TotalSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("queue: remap topic %q after resize: %w", t.Name, err)
	}
	t.mem = mem
	t.layout = newLayout
	return nil
}

// detach unmaps and closes a topic this process no longer needs, and
// unlinks its shm file if destroy is true (the last publisher and
// subscriber both unregistered). The signal fifo is never unlinked: it
// persists across topic lifecycles intentionally, so a publisher that
// starts before any subscriber has registered (or restarts after every
// endpoint has unregistered) still has a fifo waiting for it.
func (d *Directory) detach(t *Topic, destroy bool) error {
	d.mu.Lock()
	delete(d.topics, t.Name)
	d.mu.Unlock()

	var firstErr error
	if err := unix.Munmap(t.mem); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("queue: unmap topic %q: %w", t.Name, err)
	}
	if destroy {
		if err := os.Remove(shmPathForTopic(t.Name)); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if err := t.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(t.fifoFd); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func lockExclusive(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return fmt.Errorf("queue: acquire exclusive lock: %w", err)
	}
	return nil
}

func lockShared(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_RDLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk); err != nil {
		return fmt.Errorf("queue: acquire shared lock: %w", err)
	}
	return nil
}

func unlockExclusive(f *os.File) error { return unlock(f) }
func unlockShared(f *os.File) error    { return unlock(f) }

func unlock(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk); err != nil {
		return fmt.Errorf("queue: release lock: %w", err)
	}
	return nil
}
