package cleanup

import (
	"context"
	"errors"
	"time"

	"folio/internal/logging"
)

// Outcome is what a run did with one candidate.
type Outcome string

const (
	OutcomeSkipped     Outcome = "skipped"
	OutcomeWouldDelete Outcome = "would_delete"
	OutcomeDeleted     Outcome = "deleted"
	OutcomeFailed      Outcome = "failed"
	OutcomeDeferred    Outcome = "deferred"
	OutcomeDeclined    Outcome = "declined"
)

// ErrDeclined reports that the operator did not confirm the deletion.
var ErrDeclined = errors.New("deletion not confirmed")

// Decision is the gate verdict and outcome for one candidate.
type Decision struct {
	ItemID     string
	Identifier string
	Collection string
	Path       string
	Size       int64
	Safe       bool
	Reason     string
	Outcome    Outcome
	Error      string
}

// Report summarises a cleanup run.
type Report struct {
	DryRun         bool
	Checked        int
	Safe           int
	Skipped        int
	Deleted        int
	Failed         int
	Deferred       int
	ReclaimedBytes int64
	Declined       bool
	Decisions      []Decision
}

// HasFailures reports whether any physical delete failed.
func (r *Report) HasFailures() bool {
	return r != nil && r.Failed > 0
}

// RunOptions controls one cleanup run.
type RunOptions struct {
	Filters Filters
	DryRun  bool
	// MaxDeletions overrides the configured circuit breaker when positive.
	MaxDeletions int
	// Confirm is asked once before a live run deletes anything. Nil means
	// no confirmation.
	Confirm func(safe []Decision) (bool, error)
}

// Run finds candidates, gates each one, and deletes those that pass. A dry
// run evaluates the same gate and mutates nothing.
func (c *Cleaner) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	candidates, err := c.FindCandidates(opts.Filters)
	if err != nil {
		return nil, err
	}
	report := &Report{DryRun: opts.DryRun, Decisions: make([]Decision, 0, len(candidates))}
	var safeIdx []int
	for _, item := range candidates {
		ok, reason := c.IsSafeToDelete(item)
		d := Decision{
			ItemID:     item.ID,
			Identifier: item.Identifier,
			Collection: item.Collection,
			Path:       item.ArtifactPath,
			Size:       item.FileSize,
			Safe:       ok,
			Reason:     reason,
			Outcome:    OutcomeSkipped,
		}
		report.Checked++
		if ok {
			report.Safe++
			safeIdx = append(safeIdx, len(report.Decisions))
		} else {
			report.Skipped++
			c.logger.Debug("not safe to delete", logging.Identifier(item.Identifier), logging.String("reason", reason))
		}
		report.Decisions = append(report.Decisions, d)
	}

	limit := c.maxDeletions
	if opts.MaxDeletions > 0 {
		limit = opts.MaxDeletions
	}
	if limit > 0 && len(safeIdx) > limit {
		logging.WarnWithContext(c.logger, "deletion limit reached", "cleanup_limit_reached",
			logging.Int("safe", len(safeIdx)),
			logging.Int("max_deletions", limit),
			logging.String(logging.FieldImpact, "remaining safe items are deferred to the next run"),
		)
		for _, i := range safeIdx[limit:] {
			report.Decisions[i].Outcome = OutcomeDeferred
			report.Deferred++
		}
		safeIdx = safeIdx[:limit]
	}

	if opts.DryRun {
		for _, i := range safeIdx {
			report.Decisions[i].Outcome = OutcomeWouldDelete
		}
		c.logger.Info("cleanup dry run complete",
			logging.Int("checked", report.Checked),
			logging.Int("safe", report.Safe),
			logging.Int("deferred", report.Deferred),
		)
		return report, nil
	}
	if len(safeIdx) == 0 {
		c.logger.Info("nothing ready for deletion", logging.Int("checked", report.Checked))
		return report, nil
	}

	if opts.Confirm != nil {
		pending := make([]Decision, 0, len(safeIdx))
		for _, i := range safeIdx {
			pending = append(pending, report.Decisions[i])
		}
		ok, err := opts.Confirm(pending)
		if err != nil {
			return report, err
		}
		if !ok {
			for _, i := range safeIdx {
				report.Decisions[i].Outcome = OutcomeDeclined
			}
			report.Declined = true
			c.logger.Info("deletion cancelled by operator", logging.Int("safe", len(safeIdx)))
			return report, ErrDeclined
		}
	}

	for n, i := range safeIdx {
		if ctx.Err() != nil {
			for _, j := range safeIdx[n:] {
				report.Decisions[j].Outcome = OutcomeDeferred
				report.Deferred++
			}
			break
		}
		d := &report.Decisions[i]
		item := candidates[i]
		bytes, err := c.Delete(ctx, item)
		if err != nil {
			d.Outcome = OutcomeFailed
			d.Error = err.Error()
			report.Failed++
			logging.ErrorWithContext(c.logger, "artifact deletion failed", "cleanup_delete_failed",
				logging.Identifier(item.Identifier),
				logging.String("path", d.Path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check file permissions; the item stays consolidated and is retried next run"),
			)
			continue
		}
		d.Outcome = OutcomeDeleted
		d.Size = bytes
		report.Deleted++
		report.ReclaimedBytes += bytes
	}
	c.logger.Info("cleanup complete",
		logging.Int("checked", report.Checked),
		logging.Int("deleted", report.Deleted),
		logging.Int("failed", report.Failed),
		logging.Int("skipped", report.Skipped),
		logging.Int64("reclaimed_bytes", report.ReclaimedBytes),
	)
	return report, nil
}

// RunEvery repeats Run every interval until ctx ends. Errors are logged
// and the pass is retried on the next tick.
func (c *Cleaner) RunEvery(ctx context.Context, opts RunOptions, every time.Duration) error {
	opts.Confirm = nil
	for {
		if _, err := c.Run(ctx, opts); err != nil && ctx.Err() == nil {
			logging.WarnWithContext(c.logger, "cleanup pass failed", "cleanup_pass_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "pass retried after the cleanup interval"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(every):
		}
	}
}
