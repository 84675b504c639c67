package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dfeingest/internal/metrics"
	"dfeingest/internal/model"
)

var ErrQueueClosed = errors.New("processing queue is closed")

// Processor runs the pipeline for one access key.
type Processor interface {
	Process(ctx context.Context, accessKey string) (*model.Document, error)
}

// Queue feeds newly created documents to a fixed pool of workers. Enqueue
// blocks while the buffer is full so the fetcher slows down with the
// pipeline instead of dropping work.
type Queue struct {
	processor  Processor
	jobs       chan string
	log        *zap.Logger
	metrics    *metrics.Metrics
	jobTimeout time.Duration

	wg sync.WaitGroup
	// done is closed first on shutdown to wake senders blocked on a full
	// buffer; mu then guards closing jobs.
	done     chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	closed   bool
}

func NewQueue(p Processor, size, workers int, jobTimeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Queue {
	if size < 1 {
		size = 1
	}
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		processor:  p,
		jobs:       make(chan string, size),
		done:       make(chan struct{}),
		log:        log.With(zap.String("component", "pipeline_queue")),
		metrics:    m,
		jobTimeout: jobTimeout,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.log.Info("pipeline_queue_started", zap.Int("workers", workers), zap.Int("size", size))
	return q
}

// Enqueue schedules accessKey for processing.
func (q *Queue) Enqueue(ctx context.Context, accessKey string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- accessKey:
		q.metrics.SetQueueDepth(len(q.jobs))
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for key := range q.jobs {
		q.metrics.SetQueueDepth(len(q.jobs))
		q.run(id, key)
	}
}

func (q *Queue) run(worker int, key string) {
	ctx := context.Background()
	if q.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.jobTimeout)
		defer cancel()
	}
	doc, err := q.processor.Process(ctx, key)
	if err != nil {
		q.log.Warn("pipeline_job_failed",
			zap.Int("worker", worker),
			zap.String("access_key", key),
			zap.Error(err),
		)
		return
	}
	q.log.Debug("pipeline_job_done",
		zap.Int("worker", worker),
		zap.String("access_key", key),
		zap.String("status", string(doc.Status)),
	)
}

// Shutdown stops accepting work and waits for queued jobs to drain or for
// ctx to expire.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.done) })
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.log.Info("pipeline_queue_stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
