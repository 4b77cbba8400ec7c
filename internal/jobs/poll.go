package jobs

import (
	"context"
	"errors"
	"fmt"

	"folio/internal/config"
	"folio/internal/consolidate"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/services"
	"folio/internal/services/scheduler"
)

// Poller queries active batches and settles finished ones.
type Poller struct {
	deps
	consolidator Consolidator
}

// NewPoller constructs a poller.
func NewPoller(cfg *config.Config, store *manifest.Store, sched Scheduler, cons Consolidator, opts ...Option) *Poller {
	return &Poller{deps: newDeps(cfg, store, sched, "poller", opts), consolidator: cons}
}

// PollSummary counts what one poll pass observed.
type PollSummary struct {
	Active    int
	Running   int
	Completed int
	Failed    int
	Unknown   int
	Errors    int
}

// PollOnce checks every submitted or running batch once. Per-batch errors
// are logged and counted; the pass continues with the next batch.
func (p *Poller) PollOnce(ctx context.Context) (PollSummary, error) {
	var summary PollSummary
	batches, err := p.store.ListBatches()
	if err != nil {
		return summary, err
	}
	for _, batch := range batches {
		if !batch.Active() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		summary.Active++
		status, err := p.Poll(ctx, batch)
		if err != nil {
			if ctx.Err() != nil {
				return summary, err
			}
			summary.Errors++
			logging.WarnWithContext(p.logger, "batch poll failed", "batch_poll_failed",
				logging.BatchID(batch.ID),
				logging.String(logging.FieldJobHandle, batch.JobHandle),
				logging.Error(err),
				logging.String(logging.FieldImpact, "batch state unchanged; re-polled next interval"),
			)
			continue
		}
		switch status {
		case scheduler.StatusRunning:
			summary.Running++
		case scheduler.StatusCompleted:
			summary.Completed++
		case scheduler.StatusFailed:
			summary.Failed++
		default:
			summary.Unknown++
		}
	}
	return summary, nil
}

// Poll queries one batch and applies the outcome. Batches that are no longer
// active are left untouched, so re-polling a settled batch is a no-op.
func (p *Poller) Poll(ctx context.Context, batch *manifest.Batch) (scheduler.Status, error) {
	if !batch.Active() {
		return scheduler.StatusUnknown, nil
	}
	ctx = services.WithBatchID(ctx, batch.ID)
	logger := logging.WithContext(ctx, p.logger)

	var status scheduler.Status
	err := services.Retry(ctx, p.retry, func(ctx context.Context) error {
		var statusErr error
		status, statusErr = p.sched.Status(ctx, batch.JobHandle)
		return statusErr
	})
	if err != nil {
		return scheduler.StatusUnknown, err
	}

	switch status {
	case scheduler.StatusRunning:
		if batch.State == manifest.BatchSubmitted {
			batch.State = manifest.BatchRunning
			if err := p.putBatch(ctx, batch); err != nil {
				return status, err
			}
			p.metrics.BatchEvent("running")
			logger.Info("batch running", logging.String(logging.FieldJobHandle, batch.JobHandle))
		}
	case scheduler.StatusCompleted:
		return status, p.complete(ctx, batch)
	case scheduler.StatusFailed:
		return status, p.fail(ctx, batch, manifest.FailureJob, "scheduler reported the job failed")
	default:
		logger.Debug("job state not yet known", logging.String(logging.FieldJobHandle, batch.JobHandle))
	}
	return status, nil
}

func (p *Poller) complete(ctx context.Context, batch *manifest.Batch) error {
	logger := logging.WithContext(ctx, p.logger)
	outputs, err := p.sched.OutputFiles(batch.Dir)
	if err != nil {
		return err
	}
	if len(outputs) == 0 {
		return p.fail(ctx, batch, manifest.FailureConsolidation, "job completed without output files")
	}
	summary, err := p.consolidator.Consolidate(ctx, batch, outputs)
	if err != nil {
		if errors.Is(err, consolidate.ErrNoGroups) {
			batch.Consolidation = summary
			return p.fail(ctx, batch, manifest.FailureConsolidation, err.Error())
		}
		return fmt.Errorf("consolidate: %w", err)
	}
	now := p.now().UTC()
	batch.State = manifest.BatchCompleted
	batch.FinishedAt = &now
	batch.Consolidation = summary
	batch.LastError = ""
	if err := p.putBatch(ctx, batch); err != nil {
		return err
	}
	p.metrics.BatchEvent("completed")
	logger.Info("batch completed",
		logging.String(logging.FieldJobHandle, batch.JobHandle),
		logging.Int("written", summary.Written),
		logging.Int("anomalies", len(summary.Anomalies)),
	)
	return nil
}

// fail marks the batch failed and returns its members to batched so they
// stay visible and eligible for resubmission.
func (p *Poller) fail(ctx context.Context, batch *manifest.Batch, kind, reason string) error {
	now := p.now().UTC()
	batch.State = manifest.BatchFailed
	batch.FailureKind = kind
	batch.LastError = reason
	batch.FinishedAt = &now
	if err := p.putBatch(ctx, batch); err != nil {
		return err
	}
	if err := p.setItems(ctx, batch, manifest.ItemBatched, manifest.ItemSubmitted); err != nil {
		return fmt.Errorf("return members to batched: %w", err)
	}
	p.metrics.BatchEvent("failed_" + kind)
	logging.ErrorWithContext(logging.WithContext(ctx, p.logger), "batch failed", "batch_failed",
		logging.String(logging.FieldJobHandle, batch.JobHandle),
		logging.String("failure_kind", kind),
		logging.String("reason", reason),
		logging.String(logging.FieldErrorHint, "inspect "+batch.Dir+"/logs then run folio batches resubmit "+batch.ID),
	)
	return nil
}
