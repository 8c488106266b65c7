package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// WorkerJob is one unit of collection work run by the pool.
type WorkerJob struct {
	Name string
	Run  func(ctx context.Context) error
}

// WorkerPoolStats provides worker pool performance metrics
type WorkerPoolStats struct {
	Workers        int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// WorkerPool runs jobs on a fixed number of goroutines. One job failing never
// affects the others.
type WorkerPool struct {
	workerCount int
	limiter     *rate.Limiter
	logger      *slog.Logger

	jobs chan *jobWrapper
	quit chan struct{}
	wg   sync.WaitGroup

	started       int32
	queued        int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

type jobWrapper struct {
	job      *WorkerJob
	callback func(error)
	ctx      context.Context
}

// NewWorkerPool creates a pool. A nil limiter means jobs start as soon as a
// worker is free.
func NewWorkerPool(workerCount int, limiter *rate.Limiter, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		limiter:     limiter,
		logger:      logger,
		jobs:        make(chan *jobWrapper, workerCount*2),
		quit:        make(chan struct{}),
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() error {
	if !atomic.CompareAndSwapInt32(&wp.started, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i + 1)
	}
	wp.logger.Debug("worker pool started", "worker_count", wp.workerCount)
	return nil
}

// Stop signals the workers to exit once the queue is drained and waits for
// them, or until ctx is done.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.started, 1, 0) {
		return fmt.Errorf("worker pool is not started")
	}
	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues job. The callback receives the job's error, or ctx's error
// when the job could not be queued.
func (wp *WorkerPool) Submit(ctx context.Context, job *WorkerJob, callback func(error)) {
	atomic.AddInt32(&wp.queued, 1)
	select {
	case wp.jobs <- &jobWrapper{job: job, callback: callback, ctx: ctx}:
	case <-ctx.Done():
		atomic.AddInt32(&wp.queued, -1)
		if callback != nil {
			callback(ctx.Err())
		}
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	completed := atomic.LoadInt64(&wp.completedJobs)
	failed := atomic.LoadInt64(&wp.failedJobs)

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.totalJobTime) / n)
	}
	return WorkerPoolStats{
		Workers:        wp.workerCount,
		QueuedJobs:     int(atomic.LoadInt32(&wp.queued)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case jw := <-wp.jobs:
			atomic.AddInt32(&wp.queued, -1)
			wp.process(id, jw)
		case <-wp.quit:
			// drain what was queued before Stop
			for {
				select {
				case jw := <-wp.jobs:
					atomic.AddInt32(&wp.queued, -1)
					wp.process(id, jw)
				default:
					return
				}
			}
		}
	}
}

func (wp *WorkerPool) process(id int, jw *jobWrapper) {
	start := time.Now()

	err := wp.limiter.Wait(jw.ctx)
	if err != nil {
		err = fmt.Errorf("rate limiting failed: %w", err)
	} else {
		err = jw.job.Run(jw.ctx)
	}

	duration := time.Since(start)
	atomic.AddInt64(&wp.totalJobTime, duration.Nanoseconds())
	if err != nil {
		atomic.AddInt64(&wp.failedJobs, 1)
		wp.logger.Debug("job failed", "worker_id", id, "job", jw.job.Name, "error", err, "duration", duration)
	} else {
		atomic.AddInt64(&wp.completedJobs, 1)
	}

	if jw.callback != nil {
		jw.callback(err)
	}
}
