// Command hazcatdemo wires a handful of synthetic producer/consumer
// goroutines into the hazcat transport, exercising allocator creation,
// publish, take, and teardown end to end — the minimal façade spec.md
// §1 describes as "out of core" but leaves room for.
package main

import (
	"context"
	"encoding/binary"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/nightduck/hazcat"
	"github.com/nightduck/hazcat/config"
	"github.com/nightduck/hazcat/internal/hma"
	"github.com/nightduck/hazcat/internal/wire"
)

func main() {
	log.Println("hazcatdemo starting...")

	cfgPath := "config.toml"
	if p := os.Getenv("HAZCAT_DEMO_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", cfgPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hz := hazcat.Init()
	defer func() {
		if err := hz.Fini(); err != nil {
			log.Printf("hazcat: fini: %v", err)
		}
	}()

	var wg sync.WaitGroup

	for name, tc := range cfg.Topics {
		if !tc.Enabled {
			continue
		}
		name, tc := name, tc

		domain := wire.Domain{DeviceType: wire.DeviceHost}
		if tc.Domain == "cuda" {
			domain = wire.Domain{DeviceType: wire.DeviceCUDA}
		}

		pubAlloc, err := hz.NewAllocator(hazcat.AllocatorOptions{
			Domain:         domain,
			ItemSize:       tc.ItemSize,
			Capacity:       tc.Capacity,
			DevGranularity: tc.DevGranularity,
		})
		if err != nil {
			log.Fatalf("%s: publisher allocator: %v", name, err)
		}
		pub, err := hz.RegisterPublisher(name, pubAlloc, tc.HistoryDepth)
		if err != nil {
			log.Fatalf("%s: register publisher: %v", name, err)
		}

		subAlloc, err := hz.NewAllocator(hazcat.AllocatorOptions{
			Domain:         domain,
			ItemSize:       tc.ItemSize,
			Capacity:       tc.Capacity,
			DevGranularity: tc.DevGranularity,
		})
		if err != nil {
			log.Fatalf("%s: subscriber allocator: %v", name, err)
		}
		sub, err := hz.RegisterSubscriber(name, subAlloc, tc.HistoryDepth)
		if err != nil {
			log.Fatalf("%s: register subscriber: %v", name, err)
		}

		log.Printf("%s: registered (domain=%s, item_size=%d, capacity=%d)", name, tc.Domain, tc.ItemSize, tc.Capacity)

		wg.Add(1)
		go func() {
			defer wg.Done()
			runProducer(ctx, name, pub, pubAlloc, tc.ItemSize)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runConsumer(ctx, name, sub)
		}()
	}

	wg.Wait()
	log.Println("hazcatdemo stopped.")
}

// runProducer allocates and publishes one synthetic message per tick.
func runProducer(ctx context.Context, name string, pub *hazcat.Publisher, alloc *hma.Handle, itemSize int64) {
	log.Printf("%s: producer starting", name)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var seq uint64
	payload := make([]byte, itemSize)

	for {
		select {
		case <-ctx.Done():
			if err := pub.Unregister(); err != nil {
				log.Printf("%s: unregister publisher: %v", name, err)
			}
			return
		case <-ticker.C:
			offset := alloc.Allocate(int(itemSize))
			if offset < 0 {
				log.Printf("%s: producer: allocator exhausted, dropping message", name)
				continue
			}

			seq++
			binary.LittleEndian.PutUint64(payload, seq)
			alloc.CopyTo(offset, payload)

			if err := pub.Publish(offset, uint64(itemSize)); err != nil {
				log.Printf("%s: publish: %v", name, err)
			}
		}
	}
}

// runConsumer takes every message as it becomes available, blocking on
// the topic's wakeup signal between publishes.
func runConsumer(ctx context.Context, name string, sub *hazcat.Subscriber) {
	log.Printf("%s: consumer starting", name)

	for {
		if ctx.Err() != nil {
			if err := sub.Unregister(); err != nil {
				log.Printf("%s: unregister subscriber: %v", name, err)
			}
			return
		}

		_, ptr, length, ok, err := sub.Take()
		if err != nil {
			log.Printf("%s: take: %v", name, err)
			continue
		}
		if !ok {
			if err := sub.Wait(ctx); err != nil && ctx.Err() == nil {
				log.Printf("%s: wait: %v", name, err)
			}
			continue
		}

		buf := unsafe.Slice((*byte)(ptr), length)
		seq := binary.LittleEndian.Uint64(buf)
		log.Printf("%s: consumer received seq=%d (%d bytes)", name, seq, length)
	}
}
