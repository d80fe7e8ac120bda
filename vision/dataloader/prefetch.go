package dataloader

import (
	"io"
	"sync"
)

// DefaultPrefetchDepth is the number of batches loaded ahead when no depth
// is given.
const DefaultPrefetchDepth = 2

// Source is a sequential batch producer such as a DataLoader.
type Source interface {
	Next() (*Batch, error)
	Reset()
	Len() int
}

type prefetched struct {
	batch *Batch
	err   error
}

// Prefetcher loads batches from a Source on a background goroutine so the
// next batch is decoded while the current one is trained on. Batches come
// out in the source's order. A Prefetcher is used from one goroutine.
type Prefetcher struct {
	src   Source
	depth int

	batches chan prefetched
	stop    chan struct{}
	wg      sync.WaitGroup
	running bool
	loaded  uint64
}

// NewPrefetcher wraps src, keeping up to depth batches ready.
func NewPrefetcher(src Source, depth int) *Prefetcher {
	if depth <= 0 {
		depth = DefaultPrefetchDepth
	}
	return &Prefetcher{src: src, depth: depth}
}

func (p *Prefetcher) start() {
	p.batches = make(chan prefetched, p.depth)
	p.stop = make(chan struct{})
	p.running = true
	p.wg.Add(1)
	go p.worker(p.batches, p.stop)
}

// worker stops after the first error, io.EOF included, and closes out.
func (p *Prefetcher) worker(out chan<- prefetched, stop <-chan struct{}) {
	defer p.wg.Done()
	defer close(out)
	for {
		batch, err := p.src.Next()
		select {
		case out <- prefetched{batch: batch, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the next batch, starting the background worker on first
// use. It returns io.EOF at the end of the epoch.
func (p *Prefetcher) Next() (*Batch, error) {
	if !p.running {
		p.start()
	}
	r, ok := <-p.batches
	if !ok {
		return nil, io.EOF
	}
	if r.err == nil {
		p.loaded++
	}
	return r.batch, r.err
}

// Reset discards prefetched batches, resets the source and begins loading
// the next epoch.
func (p *Prefetcher) Reset() {
	p.Stop()
	p.src.Reset()
	p.start()
}

// Len returns the source's batches per epoch.
func (p *Prefetcher) Len() int {
	return p.src.Len()
}

// Stop halts the worker and drops any batches it had ready. It is safe to
// call more than once.
func (p *Prefetcher) Stop() {
	if !p.running {
		return
	}
	close(p.stop)
	for range p.batches {
	}
	p.wg.Wait()
	p.running = false
}

// Loaded returns the number of batches handed out so far.
func (p *Prefetcher) Loaded() uint64 {
	return p.loaded
}
