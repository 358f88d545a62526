package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/supportbot/internal/observability"
)

const memoryJobTimeout = 2 * time.Minute

// MemoryRequest asks for a chat to be distilled into memory records.
type MemoryRequest struct {
	ChatID     string
	UserID     uint64
	LastTurnID uint64
	// Reason names the gate trigger or the sweep that asked for extraction.
	Reason string
}

// MemoryDispatcher hands extraction off the turn's critical path. Errors are
// reported to the caller for logging only.
type MemoryDispatcher interface {
	Dispatch(ctx context.Context, req MemoryRequest) error
}

// JobPublisher enqueues a memory job id for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

func createMemoryJob(ctx context.Context, repo *Repo, req MemoryRequest) (*MemoryJob, bool, error) {
	return repo.CreateJobOrGetExisting(ctx, &MemoryJob{
		ID:             NewID(),
		UserID:         req.UserID,
		ChatID:         req.ChatID,
		IdempotencyKey: fmt.Sprintf("%s:%d", req.ChatID, req.LastTurnID),
		Reason:         req.Reason,
		Status:         JobQueued,
	})
}

// QueueDispatcher records a memory job and publishes it to the broker.
type QueueDispatcher struct {
	repo    *Repo
	pub     JobPublisher
	metrics *observability.Metrics
}

func NewQueueDispatcher(repo *Repo, pub JobPublisher, m *observability.Metrics) *QueueDispatcher {
	return &QueueDispatcher{repo: repo, pub: pub, metrics: m}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, req MemoryRequest) error {
	job, created, err := createMemoryJob(ctx, d.repo, req)
	if err != nil {
		return fmt.Errorf("create memory job: %w", err)
	}
	if !created {
		return nil
	}
	if err := d.pub.PublishJob(ctx, job.ID); err != nil {
		_ = d.repo.MarkJobFailed(context.WithoutCancel(ctx), job.ID, "publish: "+err.Error())
		d.metrics.MemoryJob(string(JobFailed))
		return fmt.Errorf("publish memory job %s: %w", job.ID, err)
	}
	d.metrics.MemoryJob(string(JobQueued))
	return nil
}

// InlineDispatcher runs extraction in a background goroutine of this process.
// It is used when no broker is configured.
type InlineDispatcher struct {
	repo   *Repo
	worker *MemoryWorker
	log    *zap.Logger

	wg sync.WaitGroup
}

func NewInlineDispatcher(repo *Repo, worker *MemoryWorker, log *zap.Logger) *InlineDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &InlineDispatcher{repo: repo, worker: worker, log: log}
}

func (d *InlineDispatcher) Dispatch(ctx context.Context, req MemoryRequest) error {
	job, created, err := createMemoryJob(ctx, d.repo, req)
	if err != nil {
		return fmt.Errorf("create memory job: %w", err)
	}
	if !created {
		return nil
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// the turn's request may already be gone; extraction has its own budget
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), memoryJobTimeout)
		defer cancel()
		if err := d.worker.Run(jctx, job.ID); err != nil {
			d.log.Warn("inline memory job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every dispatched job has finished.
func (d *InlineDispatcher) Wait() { d.wg.Wait() }

// MemoryWorker executes memory jobs.
type MemoryWorker struct {
	repo      *Repo
	extractor *Extractor
	window    int
	metrics   *observability.Metrics
	log       *zap.Logger
}

func NewMemoryWorker(repo *Repo, extractor *Extractor, window int, m *observability.Metrics, log *zap.Logger) *MemoryWorker {
	if window <= 0 {
		window = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryWorker{repo: repo, extractor: extractor, window: window, metrics: m, log: log}
}

// ErrJobNotQueued means another worker already claimed or finished the job.
var ErrJobNotQueued = errors.New("memory job is not queued")

// Run claims the job, extracts memories and stores them. A job that is not
// in the queued state is left untouched.
func (w *MemoryWorker) Run(ctx context.Context, jobID string) error {
	start := time.Now()

	claimed, err := w.repo.MarkJobRunning(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		return ErrJobNotQueued
	}

	job, err := w.repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	n, err := w.extract(ctx, job)
	if err != nil {
		_ = w.repo.MarkJobFailed(context.WithoutCancel(ctx), jobID, err.Error())
		w.metrics.MemoryJob(string(JobFailed))
		w.log.Warn("memory job failed",
			zap.String("job_id", jobID),
			zap.String("chat_id", job.ChatID),
			zap.Duration("cost", time.Since(start)),
			zap.Error(err),
		)
		return err
	}

	if err := w.repo.MarkJobSucceeded(ctx, jobID, n); err != nil {
		return err
	}
	w.metrics.MemoryJob(string(JobSucceeded))
	w.log.Info("memory job done",
		zap.String("job_id", jobID),
		zap.String("chat_id", job.ChatID),
		zap.Int("memories", n),
		zap.Duration("cost", time.Since(start)),
	)
	return nil
}

func (w *MemoryWorker) extract(ctx context.Context, job *MemoryJob) (int, error) {
	if job.UserID == 0 {
		return 0, errors.New("memory job without authenticated owner")
	}
	contexts, err := w.repo.GetContextHistory(ctx, job.ChatID)
	if err != nil {
		return 0, err
	}
	turns, err := w.repo.ListRecentTurns(ctx, job.ChatID, w.window, 0)
	if err != nil {
		return 0, err
	}
	recs, err := w.extractor.Extract(ctx, job.UserID, job.ChatID, contexts, turns)
	if err != nil {
		return 0, err
	}
	if err := w.repo.CreateMemories(ctx, recs); err != nil {
		return 0, err
	}
	return len(recs), nil
}
