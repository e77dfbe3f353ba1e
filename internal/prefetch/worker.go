package prefetch

import (
	"context"

	"go.uber.org/zap"
)

type worker struct {
	id   int
	pool *workerPool
	jobs chan Job
	quit chan struct{}
}

func newWorker(id int, pool *workerPool) *worker {
	return &worker{
		id:   id,
		pool: pool,
		jobs: make(chan Job),
		quit: make(chan struct{}),
	}
}

func (w *worker) start(ctx context.Context) {
	w.pool.wg.Add(1)
	go func() {
		defer w.pool.wg.Done()
		defer w.pool.retire(w.jobs)
		for {
			select {
			case job := <-w.jobs:
				w.handle(ctx, job)
				w.pool.release(w.jobs)
			case <-w.quit:
				return
			}
		}
	}()
}

func (w *worker) handle(ctx context.Context, job Job) {
	err := w.pool.warmer.Warm(ctx, job.Request)
	if err != nil {
		w.pool.log.Debug("prefetch failed",
			zap.Int("worker", w.id),
			zap.Int64("viewer_id", job.ViewerID),
			zap.String("source_id", job.Request.SourceID),
			zap.Error(err),
		)
	}
	if w.pool.onDone != nil {
		w.pool.onDone(Outcome{Job: job, WorkerID: w.id, Err: err})
	}
}
