// Package worker runs the claim loop: pop queued runs under per-tenant
// concurrency caps, drive the pipeline to a terminal state, release the
// lease. A crashed worker's lease expires and the job is reclaimed; the
// pipeline restarts from persisted state.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Creativityliberty/Os-frame/pkg/contracts"
	"github.com/Creativityliberty/Os-frame/pkg/pipeline"
	"github.com/Creativityliberty/Os-frame/pkg/store"
)

// Config bounds the pool.
type Config struct {
	Workers              int
	Lease                time.Duration
	PollInterval         time.Duration
	TenantMaxConcurrency int
}

// Pool is a set of workers sharing one store-backed queue.
type Pool struct {
	store    store.Store
	pipeline *pipeline.Pipeline
	cfg      Config
	logger   *slog.Logger
}

// New builds a pool; Start runs it.
func New(st store.Store, p *pipeline.Pipeline, cfg Config, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.TenantMaxConcurrency < 1 {
		cfg.TenantMaxConcurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: st, pipeline: p, cfg: cfg, logger: logger}
}

// Start launches the workers and blocks until ctx is done and all workers
// have drained.
func (p *Pool) Start(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	log := p.logger.With("worker_id", workerID)
	for {
		job, err := p.store.ClaimJob(ctx, workerID, p.cfg.Lease, p.cfg.TenantMaxConcurrency)
		if err != nil {
			log.Error("claim failed", "error", err)
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		log.Info("job claimed", "job_id", job.JobID, "run_id", job.RunID, "tenant_id", job.TenantID, "attempt", job.Attempts)
		state := contracts.JobDone
		if err := p.runOne(ctx, job); err != nil {
			log.Error("run errored", "job_id", job.JobID, "run_id", job.RunID, "error", err)
			state = contracts.JobFailed
		}
		if err := p.store.CompleteJob(ctx, job.JobID, state); err != nil {
			log.Error("release failed", "job_id", job.JobID, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// runOne executes the pipeline, converting panics into job failures so a
// poisoned run cannot take the worker down with it.
func (p *Pool) runOne(ctx context.Context, job *contracts.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()
	return p.pipeline.Run(ctx, job.RunID)
}
