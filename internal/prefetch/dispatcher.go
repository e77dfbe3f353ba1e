package prefetch

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrDispatcherBusy is returned by Submit when the intake queue is full.
	ErrDispatcherBusy = errors.New("prefetch queue full")
	// ErrDispatcherStopped is returned by Submit after Stop.
	ErrDispatcherStopped = errors.New("prefetch dispatcher stopped")
)

type Options struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
	// OnDone, when set, is called from the worker after each job.
	OnDone func(Outcome)
}

type viewerQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher hands prefetch jobs to a bounded worker pool, taking one job
// per viewer in turn so a viewer with a long list cannot starve the rest.
type Dispatcher struct {
	pool     *workerPool
	wake     chan struct{} // signals the run loop that a job was queued
	log      *zap.Logger
	cancel   context.CancelFunc
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	pending   int
	limit     int
	queues    map[int64]*viewerQueue
	ready     *list.List // viewer ids waiting for a turn
	positions map[int64]*list.Element
}

func NewDispatcher(warmer Warmer, opts Options, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		pool:      newWorkerPool(ctx, opts.MinWorkers, opts.MaxWorkers, opts.IdleTimeout, warmer, log, opts.OnDone),
		wake:      make(chan struct{}, 1),
		log:       log,
		cancel:    cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		limit:     opts.QueueSize,
		queues:    make(map[int64]*viewerQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
	}
	for i := 0; i < opts.MinWorkers; i++ {
		d.pool.spawnIdle()
	}
	go d.run()
	return d
}

// Submit queues a job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case <-d.stop:
		return ErrDispatcherStopped
	default:
	}
	d.mu.Lock()
	if d.pending >= d.limit {
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.enqueueLocked(job)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports jobs accepted but not yet handed to a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Workers reports running and idle worker counts.
func (d *Dispatcher) Workers() (running, idle int) {
	return d.pool.size()
}

// CancelViewer drops the viewer's queued jobs. Jobs already running finish.
func (d *Dispatcher) CancelViewer(viewerID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	if q, ok := d.queues[viewerID]; ok {
		dropped = len(q.jobs)
		d.pending -= dropped
		delete(d.queues, viewerID)
	}
	if elem, ok := d.positions[viewerID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, viewerID)
	}
	return dropped
}

// Stop cancels running jobs, drops queued ones and waits for the workers.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
		d.cancel()
		d.pool.close()
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for {
		if d.dispatchOne() {
			select {
			case <-d.stop:
				return
			default:
			}
			continue
		}
		select {
		case <-d.wake:
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) enqueueLocked(job Job) {
	d.pending++
	q := d.queues[job.ViewerID]
	if q == nil {
		q = &viewerQueue{}
		d.queues[job.ViewerID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	d.positions[job.ViewerID] = d.ready.PushBack(job.ViewerID)
}

// dispatchOne hands the next job of the viewer at the front of the ready
// list to a worker. It reports false when nothing was queued.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	viewerID := elem.Value.(int64)
	q := d.queues[viewerID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, viewerID)
		delete(d.queues, viewerID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.pending--
	d.mu.Unlock()

	meta, ok := d.pool.acquire()
	if !ok {
		return false
	}
	d.log.Debug("dispatch prefetch",
		zap.Int64("viewer_id", viewerID),
		zap.String("source_id", job.Request.SourceID),
		zap.Int("worker", meta.id),
	)
	select {
	case meta.ch <- job:
	case <-d.stop:
		return false
	}
	return true
}
