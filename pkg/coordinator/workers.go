package coordinator

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/legalflow/legalflow/pkg/dispatch"
	"github.com/legalflow/legalflow/pkg/extract"
	"github.com/legalflow/legalflow/pkg/objstore"
	"github.com/legalflow/legalflow/pkg/pipeline"
	"github.com/legalflow/legalflow/pkg/store"
)

// Pool claims jobs and drives them through the pipeline executor. Worker
// sessions recycle after maxJobsPerWorker jobs, which bounds the damage any
// slow memory growth in a provider SDK can do.
type Pool struct {
	queue       dispatch.Queue
	store       store.Store
	objects     objstore.Store
	executor    *pipeline.Executor
	coordinator *Coordinator
	logger      *slog.Logger

	workers          int
	maxJobsPerWorker int
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers          int
	MaxJobsPerWorker int
}

// NewPool wires a worker pool.
func NewPool(q dispatch.Queue, st store.Store, objects objstore.Store, ex *pipeline.Executor, coord *Coordinator, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxJobsPerWorker <= 0 {
		cfg.MaxJobsPerWorker = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:            q,
		store:            st,
		objects:          objects,
		executor:         ex,
		coordinator:      coord,
		logger:           logger,
		workers:          cfg.Workers,
		maxJobsPerWorker: cfg.MaxJobsPerWorker,
	}
}

// Run blocks until the context ends, keeping the configured number of
// workers claiming jobs.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			for {
				if err := p.session(ctx, id); err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, dispatch.ErrClosed) {
						return nil
					}
					return err
				}
				// Session hit its job budget; start a fresh one.
			}
		})
	}
	return g.Wait()
}

// session claims and processes up to maxJobsPerWorker jobs.
func (p *Pool) session(ctx context.Context, workerID int) error {
	log := p.logger.With("worker", workerID)
	log.Debug("worker session started")

	for handled := 0; handled < p.maxJobsPerWorker; handled++ {
		job, err := p.queue.Claim(ctx)
		if err != nil {
			return err
		}
		p.handle(ctx, job, log)
	}

	log.Debug("worker session recycling", "jobs", p.maxJobsPerWorker)
	return nil
}

// handle processes one claimed job and settles the claim. Every outcome
// except a shutdown mid-flight acks: failed documents are persisted as
// failed, not redelivered.
func (p *Pool) handle(ctx context.Context, job dispatch.Job, log *slog.Logger) {
	started, err := p.coordinator.OnDocumentStarted(ctx, job)
	if err != nil {
		log.Error("failed to start document", "job", job.ID, "error", err)
		p.queue.Nack(ctx, job.ID)
		return
	}
	if !started {
		// Stale delivery. Settle it and move on.
		log.Debug("skipping stale job", "job", job.ID)
		p.queue.Ack(ctx, job.ID)
		return
	}

	doc, err := p.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		log.Error("failed to load document", "job", job.ID, "error", err)
		p.queue.Nack(ctx, job.ID)
		return
	}

	run, err := p.store.GetRun(ctx, job.RunID)
	if err != nil {
		log.Error("failed to load run", "job", job.ID, "error", err)
		p.queue.Nack(ctx, job.ID)
		return
	}
	cfg, err := p.coordinator.runConfig(run)
	if err != nil {
		// The snapshot went bad after the run started. Fail the document
		// with an explicit configuration failure instead of processing it
		// under a zero-value config.
		res := pipeline.Result{Failure: extract.NewConfigurationFailure(err.Error())}
		if err := p.coordinator.OnResult(ctx, job, res); err != nil {
			log.Error("failed to record result", "job", job.ID, "error", err)
			p.queue.Nack(ctx, job.ID)
			return
		}
		p.queue.Ack(ctx, job.ID)
		return
	}

	data, err := p.objects.Get(ctx, doc.StorageKey)
	if err != nil {
		res := pipeline.Result{}
		res.Failure = failureForMissingObject(doc.StorageKey, err)
		if err := p.coordinator.OnResult(ctx, job, res); err != nil {
			log.Error("failed to record result", "job", job.ID, "error", err)
			p.queue.Nack(ctx, job.ID)
			return
		}
		p.queue.Ack(ctx, job.ID)
		return
	}

	res := p.executor.Process(ctx, pipeline.DocumentInput{
		ID:       doc.ID,
		Filename: doc.Filename,
		Data:     data,
	}, cfg)

	if ctx.Err() != nil {
		// Shutdown mid-processing; let another worker redo the job.
		p.queue.Nack(context.WithoutCancel(ctx), job.ID)
		return
	}

	if err := p.coordinator.OnResult(ctx, job, res); err != nil {
		log.Error("failed to record result", "job", job.ID, "error", err)
		p.queue.Nack(ctx, job.ID)
		return
	}
	p.queue.Ack(ctx, job.ID)
}

func failureForMissingObject(key string, err error) *extract.Failure {
	return extract.NewParseFailure("failed to load document bytes from "+key, err)
}
