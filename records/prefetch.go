package records

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// DefaultPrefetchDepth is the lookahead of the record read stage.
const DefaultPrefetchDepth = 100

type Item struct {
	Path  string
	Index int
	Data  []byte
}

// Prefetcher reads records from a list of TFRecord files, in order, ahead of
// the consumer into a bounded queue. Consumers take one record at a time.
type Prefetcher struct {
	paths   []string
	depth   int
	items   chan Item
	errs    chan error
	metrics *prefetchMetrics

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type prefetchMetrics struct {
	mu        sync.RWMutex
	read      int64
	delivered int64
	maxQueued int
}

type PrefetchStats struct {
	Read      int64
	Delivered int64
	MaxQueued int
	Depth     int
}

func NewPrefetcher(paths []string, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultPrefetchDepth
	}

	return &Prefetcher{
		paths:   paths,
		depth:   depth,
		items:   make(chan Item, depth),
		errs:    make(chan error, 1),
		metrics: &prefetchMetrics{},
		done:    make(chan struct{}),
	}
}

// Start launches the read goroutine. It is a no-op when already started.
func (p *Prefetcher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

func (p *Prefetcher) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.items)

	for _, path := range p.paths {
		if err := p.readFile(ctx, path); err != nil {
			if ctx.Err() == nil {
				p.errs <- err
			}
			return
		}
	}
}

func (p *Prefetcher) readFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open records: %w", err)
	}
	defer f.Close()

	reader := NewReader(f)
	for index := 0; ; index++ {
		data, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s record %d: %w", path, index, err)
		}

		select {
		case p.items <- Item{Path: path, Index: index, Data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
		p.recordRead()
	}
}

// Next blocks until the next record is available. It returns io.EOF once all
// files are exhausted, or the read error that stopped the prefetch.
func (p *Prefetcher) Next(ctx context.Context) (Item, error) {
	select {
	case item, ok := <-p.items:
		if !ok {
			select {
			case err := <-p.errs:
				return Item{}, err
			default:
				return Item{}, io.EOF
			}
		}
		p.metrics.mu.Lock()
		p.metrics.delivered++
		p.metrics.mu.Unlock()
		return item, nil
	case <-ctx.Done():
		return Item{}, ctx.Err()
	}
}

func (p *Prefetcher) recordRead() {
	queued := len(p.items)

	p.metrics.mu.Lock()
	defer p.metrics.mu.Unlock()

	p.metrics.read++
	if queued > p.metrics.maxQueued {
		p.metrics.maxQueued = queued
	}
}

// Close stops the read goroutine and waits for it to exit.
func (p *Prefetcher) Close() {
	p.mu.Lock()
	started, cancel := p.started, p.cancel
	p.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-p.done
}

func (p *Prefetcher) Stats() PrefetchStats {
	p.metrics.mu.RLock()
	defer p.metrics.mu.RUnlock()

	return PrefetchStats{
		Read:      p.metrics.read,
		Delivered: p.metrics.delivered,
		MaxQueued: p.metrics.maxQueued,
		Depth:     p.depth,
	}
}
