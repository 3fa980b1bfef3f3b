package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"docflow/internal/config"
	"docflow/internal/extract"
	"docflow/internal/models"
	"docflow/internal/queue"
	"docflow/internal/store"
	"docflow/internal/telemetry"
)

// JobStore is the slice of the document store the worker mutates.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkProcessing(ctx context.Context, id string) (bool, error)
	MarkCompleted(ctx context.Context, id, extractedText string) (bool, error)
	MarkFailed(ctx context.Context, id, cause string) (bool, error)
}

// ObjectStore reads raw document bytes by key.
type ObjectStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// TaskQueue is the consumer side of the task queue.
type TaskQueue interface {
	DequeueWithLease(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	ExtendLease(ctx context.Context, d *queue.Delivery, extension time.Duration) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the worker execution loop. Dispatch concurrency (tasks in
// flight) is bounded by a semaphore; extraction concurrency (CPU actually
// burning) is bounded separately by the extract pool. A slow document ties up
// one dispatch slot and one pool worker, never the dequeue loop.
type Processor struct {
	cfg      config.Config
	queue    TaskQueue
	store    JobStore
	objects  ObjectStore
	pool     *extractPool
	sem      *semaphore.Weighted
	dispatch int64
	log      *logrus.Entry
}

func New(cfg config.Config, q TaskQueue, st JobStore, objects ObjectStore, extractor extract.Extractor, log *logrus.Entry) *Processor {
	dispatch := cfg.DispatchConcurrency
	if dispatch <= 0 {
		dispatch = 1
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		objects:  objects,
		pool:     newExtractPool(extractor, cfg.ExtractWorkers),
		sem:      semaphore.NewWeighted(int64(dispatch)),
		dispatch: int64(dispatch),
		log:      log,
	}
}

// Run consumes tasks until context cancellation. Shutdown simply stops
// acknowledging: unacked in-flight tasks redeliver after their lease expires.
func (p *Processor) Run(ctx context.Context) error {
	defer func() {
		// Wait for in-flight handlers before tearing down the pool; a
		// handler must never race a send against the channel close.
		_ = p.sem.Acquire(context.Background(), p.dispatch)
		p.pool.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := p.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && reclaimed > 0 {
			telemetry.TasksRedelivered.Add(float64(reclaimed))
			p.log.WithField("count", reclaimed).Info("reclaimed expired task leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		d, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			p.log.WithError(err).Warn("dequeue failed")
			p.sleep(ctx)
			continue
		}
		if d == nil {
			p.sleep(ctx)
			continue
		}

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		telemetry.InFlightGauge.Inc()
		go func(d *queue.Delivery) {
			defer func() {
				telemetry.InFlightGauge.Dec()
				p.sem.Release(1)
			}()
			p.handle(ctx, d)
		}(d)
	}
}

// handle processes one delivery end to end. Failures are isolated to the job:
// nothing here ever aborts the dispatch loop.
func (p *Processor) handle(ctx context.Context, d *queue.Delivery) {
	log := p.log.WithFields(logrus.Fields{"job_id": d.Task.JobID, "owner_id": d.Task.OwnerID})

	// The task payload is just a pointer; the job row is the truth,
	// especially on redelivery.
	job, err := p.store.GetJob(ctx, d.Task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("task references unknown job, dropping")
		_ = p.queue.Ack(ctx, d)
		return
	}
	if err != nil {
		log.WithError(err).Error("resolve job, leaving task for redelivery")
		return
	}
	if models.Terminal(job.Status) {
		log.WithField("status", job.Status).Debug("job already terminal, acking duplicate delivery")
		_ = p.queue.Ack(ctx, d)
		return
	}

	applied, err := p.store.MarkProcessing(ctx, job.ID)
	if err != nil {
		log.WithError(err).Error("mark processing, leaving task for redelivery")
		return
	}
	if !applied {
		// Lost a race against a concurrent duplicate that finished first.
		_ = p.queue.Ack(ctx, d)
		return
	}

	data, err := p.objects.Get(ctx, job.ObjectKey)
	if err != nil {
		p.fail(ctx, d, log, fmt.Sprintf("fetch object %s: %v", job.ObjectKey, err))
		return
	}

	// Extraction may queue behind the pool when every worker is busy; push
	// the lease out so a backlog does not trigger redelivery mid-flight.
	_ = p.queue.ExtendLease(ctx, d, p.cfg.VisibilityTimeout)

	text, err := p.pool.Extract(ctx, data)
	if err != nil {
		p.fail(ctx, d, log, fmt.Sprintf("extract text: %v", err))
		return
	}
	if strings.TrimSpace(text) == "" {
		text = extract.NoTextSentinel
	}

	if _, err := p.store.MarkCompleted(ctx, job.ID, text); err != nil {
		// Ack only after the update lands; redelivery retries and the
		// terminal guard keeps the retry safe.
		log.WithError(err).Error("mark completed, leaving task for redelivery")
		return
	}
	_ = p.queue.Ack(ctx, d)
	telemetry.JobsCompleted.Inc()
	log.WithField("chars", len(text)).Info("job completed")
}

// fail records the failure on the job and acks so a permanent fault does not
// redeliver forever. If even the store update fails the task stays unacked
// and the queue retries the whole delivery.
func (p *Processor) fail(ctx context.Context, d *queue.Delivery, log *logrus.Entry, cause string) {
	if ctx.Err() != nil {
		// Shutdown, not a job fault. Leave the task unacked so redelivery
		// re-drives the job instead of pinning it FAILED.
		log.Debug("shutdown mid-job, leaving task for redelivery")
		return
	}
	if _, err := p.store.MarkFailed(ctx, d.Task.JobID, cause); err != nil {
		log.WithError(err).Error("mark failed, leaving task for redelivery")
		return
	}
	_ = p.queue.Ack(ctx, d)
	telemetry.JobsFailed.Inc()
	log.WithField("cause", cause).Warn("job failed")
}

func (p *Processor) sleep(ctx context.Context) {
	interval := p.cfg.WorkerPollInterval
	if interval <= 0 {
		interval = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(interval):
	}
}
