package jobs

import (
	"context"
	"fmt"

	"folio/internal/config"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/services"
	"folio/internal/services/scheduler"
)

// Submitter hands created batches to the scheduler.
type Submitter struct {
	deps
}

// NewSubmitter constructs a submitter.
func NewSubmitter(cfg *config.Config, store *manifest.Store, sched Scheduler, opts ...Option) *Submitter {
	return &Submitter{deps: newDeps(cfg, store, sched, "submitter", opts)}
}

// SubmitPending submits every created batch in number order and returns how
// many were accepted. A batch the scheduler rejects stays created for the
// next pass. Configuration errors stop the pass and are returned.
func (s *Submitter) SubmitPending(ctx context.Context) (int, error) {
	batches, err := s.store.ListBatches()
	if err != nil {
		return 0, err
	}
	submitted := 0
	for _, batch := range batches {
		if batch.State != manifest.BatchCreated {
			continue
		}
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		err := s.Submit(ctx, batch)
		switch {
		case err == nil:
			submitted++
		case services.IsFatal(err) || ctx.Err() != nil:
			return submitted, err
		}
	}
	return submitted, nil
}

// Submit hands one created batch to the scheduler. The manifest records the
// handle and the submitted state only after the scheduler returns a handle.
func (s *Submitter) Submit(ctx context.Context, batch *manifest.Batch) error {
	if batch.State != manifest.BatchCreated {
		return services.Wrap(services.ErrValidation, "submit", batch.ID,
			fmt.Sprintf("batch is %s, not created", batch.State), nil)
	}
	ctx = services.WithBatchID(ctx, batch.ID)
	logger := logging.WithContext(ctx, s.logger)

	var handle string
	err := services.Retry(ctx, s.retry, func(ctx context.Context) error {
		var submitErr error
		handle, submitErr = s.sched.Submit(ctx, scheduler.JobSpec{
			BatchID: batch.ID,
			Dir:     batch.Dir,
			Weight:  batch.TotalWeight,
		})
		return submitErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		batch.SubmitAttempts++
		batch.LastError = err.Error()
		if putErr := s.putBatch(ctx, batch); putErr != nil {
			logger.Debug("record submit attempt failed", logging.Error(putErr))
		}
		s.metrics.BatchEvent("submit_failed")
		logging.WarnWithContext(logger, "batch submission failed", "batch_submit_failed",
			logging.Error(err),
			logging.String("error_kind", services.Kind(err)),
			logging.Int("attempts", batch.SubmitAttempts),
			logging.String(logging.FieldImpact, "batch stays created and is retried next pass"),
			logging.String(logging.FieldErrorHint, "check scheduler availability and scheduler.script"),
		)
		return err
	}

	now := s.now().UTC()
	batch.JobHandle = handle
	batch.State = manifest.BatchSubmitted
	batch.SubmittedAt = &now
	batch.SubmitAttempts++
	batch.LastError = ""
	if err := s.putBatch(ctx, batch); err != nil {
		return fmt.Errorf("record job handle %s: %w", handle, err)
	}
	if err := s.setItems(ctx, batch, manifest.ItemSubmitted, manifest.ItemBatched); err != nil {
		return fmt.Errorf("mark members submitted: %w", err)
	}
	s.metrics.BatchEvent("submitted")
	logger.Info("batch submitted",
		logging.String(logging.FieldJobHandle, handle),
		logging.Int("items", len(batch.Members)),
		logging.Int("total_weight", batch.TotalWeight),
	)
	return nil
}
