// Package job supervises one ingestion run as a resumable, observable unit
// of work: the pending/processing/completed/failed state machine, batch
// progress persistence, and cancellation.
package job

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/ingest"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/parser"
	"github.com/meridian-health/vitals-cli/internal/resilience"
	"github.com/meridian-health/vitals-cli/internal/resolve"
	"github.com/meridian-health/vitals-cli/internal/store"
)

// Options tunes one controller. Zero values take defaults.
type Options struct {
	// BatchSize is the number of candidates reconciled between progress
	// persists and cancellation checks.
	BatchSize int
	// StallTimeout fails a run that receives no candidate for this long.
	// A hung provider must not leave a job processing forever.
	StallTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 2 * time.Minute
	}
	return o
}

// Controller drives ingestion jobs through their lifecycle. Multiple
// controllers and multiple jobs may run concurrently; record-level
// correctness under overlap is the reconciler's responsibility, not ours.
type Controller struct {
	store      store.Store
	reconciler *ingest.Reconciler
	resolver   *resolve.Resolver
	opts       Options
	logger     *zap.Logger
}

// NewController wires a controller over the pipeline stages.
func NewController(st store.Store, rec *ingest.Reconciler, res *resolve.Resolver, opts Options) *Controller {
	return &Controller{
		store:      st,
		reconciler: rec,
		resolver:   res,
		opts:       opts.withDefaults(),
		logger:     zap.L().Named("job"),
	}
}

// bucketKey identifies one (category, bucket) pair touched by a run.
type bucketKey struct {
	cat    model.Category
	bucket time.Time
}

type runCounters struct {
	inserted  int64
	merged    int64
	discarded int64
}

func (rc runCounters) processed() int64 {
	return rc.inserted + rc.merged + rc.discarded
}

// Run supervises one candidate stream for the given job. It never panics
// past its boundary and always leaves the job completed or failed; the
// returned error mirrors the failure detail for the caller's convenience.
func (c *Controller) Run(ctx context.Context, jobID string, stream *parser.Stream) (err error) {
	log := c.logger.With(zap.String("job_id", jobID))

	defer func() {
		if r := recover(); r != nil {
			detail := fmt.Sprintf("internal error: %v", r)
			log.Error("run panicked", zap.Any("panic", r))
			c.failQuietly(jobID, detail)
			err = eris.New(detail)
		}
	}()

	if err := c.store.MarkJobProcessing(ctx, jobID); err != nil {
		return eris.Wrapf(err, "job: claim %s", jobID)
	}
	log.Info("job processing")

	counters := runCounters{}
	touched := make(map[bucketKey]time.Time)
	batch := make([]model.CandidateMetric, 0, c.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.reconcileBatch(ctx, jobID, batch, &counters, touched); err != nil {
			return err
		}
		batch = batch[:0]

		c.persistProgress(ctx, jobID, counters, stream.Stats)

		cancelled, err := c.store.JobCancelRequested(ctx, jobID)
		if err != nil {
			log.Warn("cancel flag read failed", zap.Error(err))
			return nil
		}
		if cancelled {
			return eris.New(model.ErrDetailCancelled)
		}
		return nil
	}

	stall := time.NewTimer(c.opts.StallTimeout)
	defer stall.Stop()

stream:
	for {
		select {
		case <-ctx.Done():
			drain(stream)
			c.failQuietly(jobID, ctx.Err().Error())
			return eris.Wrap(ctx.Err(), "job: context cancelled")

		case <-stall.C:
			drain(stream)
			detail := fmt.Sprintf("no progress within %s", c.opts.StallTimeout)
			c.failQuietly(jobID, detail)
			return eris.New(detail)

		case cand, ok := <-stream.Metrics:
			if !ok {
				break stream
			}
			if !stall.Stop() {
				<-stall.C
			}
			stall.Reset(c.opts.StallTimeout)

			batch = append(batch, cand)
			if len(batch) >= c.opts.BatchSize {
				if err := flush(); err != nil {
					drain(stream)
					c.failQuietly(jobID, err.Error())
					return err
				}
			}
		}
	}

	// Everything already committed stays committed on failure below;
	// idempotent dedup on retry protects correctness, not rollback.
	if err := flush(); err != nil {
		c.failQuietly(jobID, err.Error())
		return err
	}

	if streamErr := <-stream.Errs; streamErr != nil {
		c.failQuietly(jobID, streamErr.Error())
		return eris.Wrap(streamErr, "job: stream failed")
	}

	if err := c.resolveTouched(ctx, jobID, touched); err != nil {
		c.failQuietly(jobID, err.Error())
		return err
	}

	skipped := stream.Stats.Skipped()
	metadata := map[string]any{
		"inserted":         counters.inserted,
		"merged":           counters.merged,
		"discarded":        counters.discarded,
		"skipped":          skipped,
		"resolved_buckets": len(touched),
	}
	c.persistProgress(ctx, jobID, counters, stream.Stats)
	if err := c.store.CompleteJob(ctx, jobID, metadata); err != nil {
		return eris.Wrapf(err, "job: complete %s", jobID)
	}

	log.Info("job completed",
		zap.Int64("processed", counters.processed()),
		zap.Int64("skipped", skipped),
		zap.Int("buckets", len(touched)))
	return nil
}

// reconcileBatch runs each candidate through the dedup engine. A store
// write failure is retried once immediately; failing again aborts the run
// with already-written records preserved. Validation rejections are never
// retried; the candidate cannot become acceptable on a second look.
func (c *Controller) reconcileBatch(ctx context.Context, jobID string, batch []model.CandidateMetric, counters *runCounters, touched map[bucketKey]time.Time) error {
	audit := make([]map[string]any, 0, len(batch))
	for _, cand := range batch {
		res, err := c.reconciler.Reconcile(ctx, cand)
		if err != nil && resilience.IsStoreWrite(err) {
			res, err = c.reconciler.Reconcile(ctx, cand)
			if err != nil {
				return eris.Wrapf(err, "job: record write failed twice for %s/%s", cand.UserID, cand.MetricType)
			}
		}
		if err != nil {
			return eris.Wrapf(err, "job: candidate rejected for %s/%s", cand.UserID, cand.MetricType)
		}

		switch res.Outcome {
		case ingest.OutcomeInserted:
			counters.inserted++
		case ingest.OutcomeMerged:
			counters.merged++
		case ingest.OutcomeDiscarded:
			counters.discarded++
		}
		touched[bucketKey{cat: res.Category, bucket: res.Bucket}] = res.Bucket

		if cand.Payload != nil {
			audit = append(audit, cand.Payload)
		}
	}

	if len(audit) > 0 {
		if err := c.store.AppendAudit(ctx, jobID, audit); err != nil {
			// Audit is best effort; losing it never fails an ingest.
			c.logger.Warn("audit append failed", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return nil
}

// resolveTouched re-ranks primaries in every bucket this run wrote to.
func (c *Controller) resolveTouched(ctx context.Context, jobID string, touched map[bucketKey]time.Time) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return eris.Wrapf(err, "job: load %s for resolution", jobID)
	}
	for key := range touched {
		if err := c.resolver.ResolveBucket(ctx, job.UserID, key.cat, key.bucket); err != nil {
			if err2 := c.resolver.ResolveBucket(ctx, job.UserID, key.cat, key.bucket); err2 != nil {
				return eris.Wrapf(err2, "job: resolution failed twice for bucket %s", key.bucket)
			}
		}
	}
	return nil
}

// persistProgress writes counters so status queries see near-real-time
// state. Failures are logged and skipped; progress is advisory.
func (c *Controller) persistProgress(ctx context.Context, jobID string, counters runCounters, stats *parser.Stats) {
	processed := counters.processed()
	skipped := stats.Skipped()
	total := stats.Total()

	percent := 0
	if total != nil && *total > 0 {
		percent = int((processed + skipped) * 100 / *total)
		if percent > 99 {
			percent = 99
		}
	}

	if err := c.store.UpdateJobProgress(ctx, jobID, percent, processed, skipped, total); err != nil {
		c.logger.Warn("progress persist failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// failQuietly moves the job to failed without letting a bookkeeping error
// mask the original failure.
func (c *Controller) failQuietly(jobID, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.store.FailJob(ctx, jobID, detail); err != nil {
		c.logger.Error("fail transition lost", zap.String("job_id", jobID), zap.Error(err))
	}
}

// drain consumes the remainder of an abandoned stream so its parser
// goroutine can exit.
func drain(stream *parser.Stream) {
	go func() {
		for range stream.Metrics {
		}
		for range stream.Errs {
		}
	}()
}
