package hazcat

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/nightduck/hazcat/internal/hma"
	"github.com/nightduck/hazcat/internal/hma/ring"
	"github.com/nightduck/hazcat/internal/queue"
	"github.com/nightduck/hazcat/internal/registry"
	"github.com/nightduck/hazcat/internal/wire"
)

// Context is the process-wide transport state: the allocator registry
// and the topic directory every endpoint in this process shares. It
// replaces spec.md §6's bare init()/fini() pair with an explicit
// handle, since a Go process may legitimately want more than one
// (tests run several in parallel; the original assumed one per
// process).
type Context struct {
	registry  *registry.Registry
	directory *queue.Directory
}

// Init brings up a fresh transport context: an empty allocator
// registry and an empty topic directory. Mirrors spec.md §6's init().
func Init() *Context {
	return &Context{registry: registry.New(), directory: queue.NewDirectory()}
}

// Fini tears down c, unmapping every allocator it still holds a
// reference to. Endpoints should be unregistered before calling Fini;
// it does not unregister them itself. Mirrors spec.md §6's fini().
func (c *Context) Fini() error {
	if err := c.registry.Close(); err != nil {
		return newError("Fini", KindFatal, err)
	}
	return nil
}

// AllocatorOptions parameterizes NewAllocator. Capacity and ItemSize
// must be positive for every domain. DevGranularity sets the item
// alignment for non-host domains (8 bytes when it is zero); host
// allocators ignore it.
type AllocatorOptions struct {
	Domain         wire.Domain
	ItemSize       int64
	Capacity       int
	DevGranularity int
}

// NewAllocator originates a ring-buffer allocator in opts.Domain and
// registers it as owned by this context, so Fini unmaps it. Device
// API / mapping failures are Fatal per spec.md §4.1's failure
// semantics: a process that cannot trust its own allocator's state
// cannot safely continue.
func (c *Context) NewAllocator(opts AllocatorOptions) (*hma.Handle, error) {
	if opts.Capacity <= 0 || opts.ItemSize <= 0 {
		return nil, newError("NewAllocator", KindInvalidArgument,
			fmt.Errorf("capacity and item size must be positive"))
	}

	hostResident := opts.Domain.DeviceType == wire.DeviceHost
	sharedSize := ring.SharedSize(opts.ItemSize, opts.Capacity, hostResident)

	var poolSize int64
	if !hostResident {
		poolSize = ring.PoolSize(opts.ItemSize, opts.Capacity, opts.DevGranularity)
	}

	h, err := hma.Create(hma.CreateOptions{
		StrategyID:     wire.StrategyRing,
		Domain:         opts.Domain,
		ItemSize:       opts.ItemSize,
		Capacity:       opts.Capacity,
		SharedSize:     sharedSize,
		PoolSize:       poolSize,
		DevGranularity: opts.DevGranularity,
	})
	if err != nil {
		return nil, newError("NewAllocator", KindFatal, err)
	}

	c.registry.Own(h)
	return h, nil
}

// Publisher is a registered writer into one topic's queue, bound to
// the allocator it draws payload offsets from.
type Publisher struct {
	ctx   *Context
	alloc *hma.Handle
	reg   *queue.Registration
}

// Subscriber is a registered reader of one topic's queue, bound to the
// allocator it materializes cross-domain copies into.
type Subscriber struct {
	ctx   *Context
	alloc *hma.Handle
	reg   *queue.Registration
}

// RegisterPublisher attaches a publisher to topic, creating the topic
// queue on first use. depth is this endpoint's requested history
// depth; the topic grows to the largest depth any endpoint requests.
// Mirrors spec.md §6's register_publisher.
func (c *Context) RegisterPublisher(topic string, alloc *hma.Handle, depth int) (*Publisher, error) {
	if alloc == nil {
		return nil, newError("RegisterPublisher", KindInvalidArgument, fmt.Errorf("nil allocator"))
	}
	if depth <= 0 {
		return nil, newError("RegisterPublisher", KindInvalidArgument, fmt.Errorf("depth must be positive"))
	}

	reg, err := queue.RegisterPublisher(c.directory, topic, depth, alloc.Domain())
	if err != nil {
		return nil, classifyQueueErr("RegisterPublisher", err)
	}
	return &Publisher{ctx: c, alloc: alloc, reg: reg}, nil
}

// RegisterSubscriber attaches a subscriber to topic. A new subscriber
// starts at the topic's current write position: volatile-durability
// semantics per spec.md §3 — it never sees messages published before
// it registered. Mirrors spec.md §6's register_subscriber.
func (c *Context) RegisterSubscriber(topic string, alloc *hma.Handle, depth int) (*Subscriber, error) {
	if alloc == nil {
		return nil, newError("RegisterSubscriber", KindInvalidArgument, fmt.Errorf("nil allocator"))
	}
	if depth <= 0 {
		return nil, newError("RegisterSubscriber", KindInvalidArgument, fmt.Errorf("depth must be positive"))
	}

	reg, err := queue.RegisterSubscriber(c.directory, topic, depth, alloc.Domain())
	if err != nil {
		return nil, classifyQueueErr("RegisterSubscriber", err)
	}
	return &Subscriber{ctx: c, alloc: alloc, reg: reg}, nil
}

// Publish writes a descriptor for the payload at offset (already
// written into p's allocator) into the topic's next row, overwriting
// whatever row it lands on (spec.md §1: no backpressure, publishers
// overwrite the oldest slot). Mirrors spec.md §6's publish.
func (p *Publisher) Publish(offset int64, length uint64) error {
	if err := queue.Publish(p.reg, p.ctx.registry, p.alloc, offset, length); err != nil {
		return classifyQueueErr("Publish", err)
	}
	return nil
}

// Wait blocks until the topic has signaled a new publish, or ctx is
// canceled. It is the façade-level building block spec.md §1 describes
// for cross-process wakeups: the core signals a FIFO, it does not
// interpret or schedule waiting itself.
func (p *Publisher) Wait(ctx context.Context) error { return p.reg.Topic.Wait(ctx) }

// Take fetches the next message newer than what s has already seen.
// ok is false with a nil error when the queue has nothing new for s —
// spec.md §7 is explicit this is not itself an error. Mirrors spec.md
// §6's take.
func (s *Subscriber) Take() (alloc *hma.Handle, ptr unsafe.Pointer, length uint64, ok bool, err error) {
	src, offset, length, err := queue.Take(s.reg, s.ctx.registry, s.alloc)
	if err != nil {
		if IsNoMessage(err) {
			return nil, nil, 0, false, nil
		}
		return nil, nil, 0, false, classifyQueueErr("Take", err)
	}
	return src, src.Resolve(offset), length, true, nil
}

// Wait blocks until the topic has signaled a new publish, or ctx is
// canceled.
func (s *Subscriber) Wait(ctx context.Context) error { return s.reg.Topic.Wait(ctx) }

// ResolveAllocator finds which allocator produced a pointer s
// previously took, searching backward over s's own domain column for
// up to depth-1 rows. It is the Go counterpart of
// hazcat_message_queue.c's get_matching_alloc, used by a façade that
// returned a loaned message and needs to map it back to its owning
// allocator (e.g. to release a manually-held reference). ok is false
// if ptr does not match anything still within s's history window.
func (s *Subscriber) ResolveAllocator(ptr unsafe.Pointer) (alloc *hma.Handle, ok bool) {
	t := s.reg.Topic
	length := t.Len()
	if length == 0 {
		return nil, false
	}

	recent := int(s.reg.NextIndex)
	if recent < s.reg.Depth {
		recent += length
	}

	for i := 1; i < s.reg.Depth; i++ {
		index := (((recent - i) % length) + length) % length
		desc := t.Descriptor(s.reg.DomainCol, index)
		if desc.AllocShmemID == 0 {
			continue
		}
		candidate, found := s.ctx.registry.Lookup(desc.AllocShmemID)
		if !found {
			continue
		}
		if candidate.Resolve(desc.Offset) == ptr {
			return candidate, true
		}
	}
	return nil, false
}

// Unregister detaches p from its topic, decrementing the publisher
// count and destroying the topic if no publishers or subscribers
// remain. Mirrors spec.md §6's unregister_publisher.
func (p *Publisher) Unregister() error {
	if err := queue.UnregisterPublisher(p.ctx.directory, p.reg); err != nil {
		return classifyQueueErr("UnregisterPublisher", err)
	}
	return nil
}

// Unregister detaches s from its topic, decrementing the subscriber
// count and destroying the topic if no publishers or subscribers
// remain. Mirrors spec.md §6's unregister_subscription.
func (s *Subscriber) Unregister() error {
	if err := queue.UnregisterSubscriber(s.ctx.directory, s.reg); err != nil {
		return classifyQueueErr("UnregisterSubscriber", err)
	}
	return nil
}
