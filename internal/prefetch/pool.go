package prefetch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type workerMeta struct {
	id        int
	ch        chan Job
	quit      chan struct{}
	lastUsed  time.Time
	enqueued  bool // in the idle queue
	discarded bool // retiring
}

// workerPool grows between min and max workers and retires workers that
// stayed idle longer than expiry.
type workerPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	idle     []*workerMeta
	metadata map[chan Job]*workerMeta
	min      int
	max      int
	running  int
	nextID   int
	expiry   time.Duration
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	warmer Warmer
	log    *zap.Logger
	onDone func(Outcome)
}

const defaultWorkerIdle = 30 * time.Second

func newWorkerPool(ctx context.Context, minWorkers, maxWorkers int, idle time.Duration, warmer Warmer, log *zap.Logger, onDone func(Outcome)) *workerPool {
	if idle <= 0 {
		idle = defaultWorkerIdle
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if minWorkers < 0 {
		minWorkers = 0
	}
	if maxWorkers < minWorkers {
		maxWorkers = minWorkers
	}
	p := &workerPool{
		metadata: make(map[chan Job]*workerMeta),
		min:      minWorkers,
		max:      maxWorkers,
		expiry:   idle,
		ctx:      ctx,
		warmer:   warmer,
		log:      log,
		onDone:   onDone,
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(1)
	go p.purgeStaleWorkers()
	return p
}

// spawnIdle starts a worker and parks it in the idle queue.
func (p *workerPool) spawnIdle() {
	p.mu.Lock()
	if p.closed || p.running >= p.max {
		p.mu.Unlock()
		return
	}
	meta := p.spawnLocked()
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
}

func (p *workerPool) spawnLocked() *workerMeta {
	p.nextID++
	w := newWorker(p.nextID, p)
	meta := &workerMeta{id: w.id, ch: w.jobs, quit: w.quit}
	p.metadata[w.jobs] = meta
	p.running++
	w.start(p.ctx)
	return meta
}

// acquire returns an idle worker, spawns one, or waits for a release. It
// returns ok=false once the pool is closed.
func (p *workerPool) acquire() (*workerMeta, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, false
		}
		if meta := p.popIdleLocked(); meta != nil {
			return meta, true
		}
		if p.running < p.max {
			return p.spawnLocked(), true
		}
		p.cond.Wait()
	}
}

// release puts a worker back in the idle queue.
func (p *workerPool) release(ch chan Job) {
	p.mu.Lock()
	meta, ok := p.metadata[ch]
	if !ok || p.closed || meta.discarded || meta.enqueued {
		p.mu.Unlock()
		return
	}
	meta.enqueued = true
	meta.lastUsed = time.Now()
	p.idle = append(p.idle, meta)
	p.mu.Unlock()
	p.cond.Signal()
}

// retire forgets a worker that has exited.
func (p *workerPool) retire(ch chan Job) {
	p.mu.Lock()
	if meta, ok := p.metadata[ch]; ok {
		delete(p.metadata, ch)
		meta.discarded = true
		if p.running > 0 {
			p.running--
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) popIdleLocked() *workerMeta {
	for len(p.idle) > 0 {
		meta := p.idle[0]
		p.idle = p.idle[1:]
		if meta.discarded {
			continue
		}
		meta.enqueued = false
		return meta
	}
	return nil
}

func (p *workerPool) purgeStaleWorkers() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.expiry)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.shutdownExpired(time.Now())
		}
	}
}

// shutdownExpired retires idle workers past their expiry, keeping min alive.
func (p *workerPool) shutdownExpired(now time.Time) int {
	var stale []*workerMeta

	p.mu.Lock()
	if len(p.idle) == 0 || p.running <= p.min {
		p.mu.Unlock()
		return 0
	}
	remaining := p.idle[:0]
	for _, meta := range p.idle {
		if meta.discarded {
			continue
		}
		if now.Sub(meta.lastUsed) >= p.expiry && p.running-len(stale) > p.min {
			meta.discarded = true
			meta.enqueued = false
			stale = append(stale, meta)
			continue
		}
		remaining = append(remaining, meta)
	}
	p.idle = remaining
	p.mu.Unlock()

	for _, meta := range stale {
		close(meta.quit)
	}
	return len(stale)
}

// size reports running and idle worker counts.
func (p *workerPool) size() (running, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running, len(p.idle)
}

// close stops every worker after its current job and waits for them.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var quits []chan struct{}
	for _, meta := range p.metadata {
		if !meta.discarded {
			meta.discarded = true
			quits = append(quits, meta.quit)
		}
	}
	p.idle = nil
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, q := range quits {
		close(q)
	}
	p.wg.Wait()
}
