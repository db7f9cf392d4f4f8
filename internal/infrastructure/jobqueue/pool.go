package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/kirillkom/document-analysis-engine/internal/core/domain"
)

var errWorkerPanic = errors.New("worker panic")

// Handler executes claimed jobs. A handler may release the claim itself
// through Queue.Complete once the outcome is stored; the pool then skips
// its own release.
type Handler interface {
	Handle(ctx context.Context, job domain.AnalysisJob) error
	// LeaseExpired runs before a requeued job is resubmitted, and once
	// for a job dropped after its last retry.
	LeaseExpired(ctx context.Context, job domain.AnalysisJob, requeued bool)
}

type Observer interface {
	JobStarted()
	JobFinished(duration time.Duration, err error)
	ObserveQueueLag(lag time.Duration)
	LeaseExpired(requeued bool)
	SetQueueDepth(depth int)
}

type noopObserver struct{}

func (noopObserver) JobStarted()                      {}
func (noopObserver) JobFinished(time.Duration, error) {}
func (noopObserver) ObserveQueueLag(time.Duration)    {}
func (noopObserver) LeaseExpired(bool)                {}
func (noopObserver) SetQueueDepth(int)                {}

type PoolConfig struct {
	Workers           int
	SweepInterval     time.Duration
	HeartbeatInterval time.Duration
	// WorkerPrefix distinguishes worker ids across processes.
	WorkerPrefix string
}

type Pool struct {
	queue    *Queue
	handler  Handler
	observer Observer
	logger   *slog.Logger
	cfg      PoolConfig
}

func NewPool(queue *Queue, handler Handler, observer Observer, logger *slog.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = queue.leaseTimeout / 3
	}
	if cfg.WorkerPrefix == "" {
		cfg.WorkerPrefix = "worker"
	}
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: queue, handler: handler, observer: observer, logger: logger, cfg: cfg}
}

// Run starts the workers and the lease reaper and blocks until ctx ends.
// Jobs already claimed when ctx ends run to completion before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker_pool_started", "workers", p.cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := p.cfg.WorkerPrefix + "-" + strconv.Itoa(i+1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, workerID)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reap(ctx)
	}()

	wg.Wait()
	p.logger.Info("worker_pool_stopped")
	return nil
}

func (p *Pool) work(ctx context.Context, workerID string) {
	for {
		job, err := p.queue.Claim(ctx, workerID)
		if err != nil {
			return
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job domain.AnalysisJob) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	if job.ClaimedAt != nil {
		p.observer.ObserveQueueLag(job.ClaimedAt.Sub(job.EnqueuedAt))
	}
	p.observer.JobStarted()
	start := time.Now()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(jobCtx, job)
	}()

	err := p.safeHandle(jobCtx, job)
	cancel()
	<-heartbeatDone
	p.observer.JobFinished(time.Since(start), err)

	if errors.Is(err, errWorkerPanic) {
		// Claim stays in place so the reaper can requeue it.
		p.logger.Error("worker_panic", "worker_id", workerID, "job_id", job.ID, "document_id", job.DocumentID, "error", err)
		return
	}
	if err != nil {
		p.logger.Warn("job_handler_error", "worker_id", workerID, "job_id", job.ID, "document_id", job.DocumentID, "error", err)
	}
	if releaseErr := p.queue.Complete(job.ID, job.ClaimToken); releaseErr != nil && !errors.Is(releaseErr, ErrReleased) {
		p.logger.Warn("job_release_failed", "worker_id", workerID, "job_id", job.ID, "error", releaseErr)
	}
}

func (p *Pool) safeHandle(ctx context.Context, job domain.AnalysisJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v\n%s", errWorkerPanic, rec, debug.Stack())
		}
	}()
	return p.handler.Handle(ctx, job)
}

func (p *Pool) heartbeat(ctx context.Context, job domain.AnalysisJob) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Renew(job.ID, job.ClaimToken); err != nil {
				if !errors.Is(err, ErrReleased) {
					p.logger.Warn("job_lease_lost", "job_id", job.ID, "error", err)
				}
				return
			}
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx, time.Now())
		}
	}
}

// Sweep handles every lease that expired at now.
func (p *Pool) Sweep(ctx context.Context, now time.Time) {
	for _, expired := range p.queue.Reap(now) {
		job := expired.Job
		p.observer.LeaseExpired(expired.Requeued)
		p.logger.Warn("job_lease_expired",
			"job_id", job.ID,
			"document_id", job.DocumentID,
			"requeued", expired.Requeued,
			"lease_retries", job.LeaseRetries,
		)
		p.handler.LeaseExpired(ctx, job, expired.Requeued)
		if expired.Requeued {
			if err := p.queue.Submit(job.ID); err != nil {
				p.logger.Error("job_requeue_failed", "job_id", job.ID, "error", err)
			}
		}
	}
	p.observer.SetQueueDepth(p.queue.Depth())
}
