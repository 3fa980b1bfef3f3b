// Package sweep re-publishes tasks for jobs stuck in PENDING, which happens
// when the gateway's queue publish failed after the job row was created.
package sweep

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"docflow/internal/models"
)

// JobSource yields jobs that have sat in PENDING past the threshold.
type JobSource interface {
	StalePending(ctx context.Context, olderThan time.Duration, limit int) ([]models.Job, error)
}

// Publisher enqueues a processing task.
type Publisher interface {
	Publish(ctx context.Context, task models.Task) error
}

// Result summarizes one sweep pass.
type Result struct {
	Stale     int
	Published int
}

// Run performs a single sweep pass: one task per stale PENDING job. A publish
// failure skips that job and moves on; the next pass picks it up again. Safe
// to run while the pipeline is live, workers ack duplicate deliveries of
// terminal jobs.
func Run(ctx context.Context, src JobSource, pub Publisher, olderThan time.Duration, limit int, log *logrus.Entry) (Result, error) {
	jobs, err := src.StalePending(ctx, olderThan, limit)
	if err != nil {
		return Result{}, err
	}

	res := Result{Stale: len(jobs)}
	for _, job := range jobs {
		if err := pub.Publish(ctx, models.NewTask(job)); err != nil {
			log.WithError(err).WithField("job_id", job.ID).Error("re-publish failed")
			continue
		}
		res.Published++
		log.WithField("job_id", job.ID).Info("re-published stuck job")
	}
	return res, nil
}
