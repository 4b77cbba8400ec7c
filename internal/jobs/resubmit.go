package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"folio/internal/fileutil"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/services"
)

// Resubmit resets a failed batch to created so the next dispatch pass submits
// it again with the same members. With requeue set, the batch is abandoned
// instead: members that were not consolidated go back to pending and are
// repacked into new batches. Requeue also applies to a completed batch whose
// job output was missing some members; only those failed members move.
func (s *Submitter) Resubmit(ctx context.Context, batchID string, requeue bool) (*manifest.Batch, error) {
	batch, err := s.store.GetBatch(batchID)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, services.Wrap(services.ErrNotFound, "resubmit", batchID, "no such batch", nil)
		}
		return nil, err
	}
	switch {
	case batch.State == manifest.BatchFailed:
	case requeue && batch.State == manifest.BatchCompleted:
	default:
		return nil, services.Wrap(services.ErrValidation, "resubmit", batchID,
			fmt.Sprintf("batch is %s; only failed batches can be resubmitted and only failed or completed batches requeued", batch.State), nil)
	}
	ctx = services.WithBatchID(ctx, batch.ID)
	logger := logging.WithContext(ctx, s.logger)

	if requeue {
		moved, err := s.requeueMembers(ctx, batch)
		if err != nil {
			return batch, err
		}
		if moved == 0 && batch.State == manifest.BatchCompleted {
			return batch, services.Wrap(services.ErrValidation, "resubmit", batchID,
				"completed batch has no failed members to requeue", nil)
		}
		batch.LastError = fmt.Sprintf("%d members requeued", moved)
		if err := s.putBatch(ctx, batch); err != nil {
			return batch, err
		}
		s.metrics.BatchEvent("requeued")
		logger.Info("batch members requeued", logging.Int("items", moved))
		return batch, nil
	}

	batch.State = manifest.BatchCreated
	batch.JobHandle = ""
	batch.SubmittedAt = nil
	batch.FinishedAt = nil
	batch.FailureKind = ""
	batch.LastError = ""
	batch.Consolidation = nil
	if err := s.putBatch(ctx, batch); err != nil {
		return batch, err
	}
	if err := s.setItems(ctx, batch, manifest.ItemBatched, manifest.ItemFailed, manifest.ItemSubmitted); err != nil {
		return batch, err
	}
	s.metrics.BatchEvent("reset")
	logger.Info("batch reset for resubmission", logging.Int("items", len(batch.Members)))
	return batch, nil
}

func (s *Submitter) requeueMembers(ctx context.Context, batch *manifest.Batch) (int, error) {
	pendingDir := s.store.Layout().PendingDir
	moved := 0
	for _, id := range batch.Members {
		item, err := s.store.GetItem(id)
		if errors.Is(err, manifest.ErrNotFound) {
			continue
		}
		if err != nil {
			return moved, err
		}
		if item.BatchID != batch.ID {
			continue
		}
		switch item.State {
		case manifest.ItemFailed:
		case manifest.ItemBatched, manifest.ItemSubmitted:
			if batch.State == manifest.BatchCompleted {
				continue
			}
		default:
			continue
		}
		dest := filepath.Join(pendingDir, filepath.Base(item.ArtifactPath))
		if item.ArtifactPath != dest {
			ok, err := fileutil.Exists(item.ArtifactPath)
			if err != nil {
				return moved, err
			}
			if ok {
				if err := fileutil.MoveFile(item.ArtifactPath, dest); err != nil {
					return moved, fmt.Errorf("return %s to pending: %w", item.ID, err)
				}
			}
		}
		item.State = manifest.ItemPending
		item.BatchID = ""
		item.ArtifactPath = dest
		item.UpdatedAt = s.now().UTC()
		if err := s.store.PutItem(item); err != nil {
			return moved, err
		}
		s.mirrorItem(ctx, item)
		moved++
	}
	return moved, nil
}
