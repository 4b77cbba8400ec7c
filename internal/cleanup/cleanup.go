package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"folio/internal/config"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/metrics"
	"folio/internal/services"
)

// Indexer mirrors deletions into the secondary index.
type Indexer interface {
	UpsertItem(ctx context.Context, item *manifest.Item) error
}

// Cleaner finds, gates, and deletes original artifacts.
type Cleaner struct {
	store        *manifest.Store
	grace        time.Duration
	maxDeletions int
	runID        string
	index        Indexer
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
	remove       func(string) error
}

// Option configures a Cleaner.
type Option func(*Cleaner)

// WithIndex mirrors deleted items into idx.
func WithIndex(idx Indexer) Option {
	return func(c *Cleaner) { c.index = idx }
}

// WithMetrics records deletion outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cleaner) { c.metrics = m }
}

// WithLogger overrides the cleaner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cleaner) { c.logger = logger }
}

// WithClock overrides the time source used for the grace period.
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRunID stamps audit records with the invoking run.
func WithRunID(id string) Option {
	return func(c *Cleaner) { c.runID = id }
}

// WithRemover replaces the function that unlinks artifacts.
func WithRemover(remove func(string) error) Option {
	return func(c *Cleaner) {
		if remove != nil {
			c.remove = remove
		}
	}
}

// New constructs a cleaner from configuration.
func New(cfg *config.Config, store *manifest.Store, opts ...Option) *Cleaner {
	c := &Cleaner{
		store:        store,
		grace:        cfg.GracePeriod(),
		maxDeletions: cfg.Cleanup.MaxDeletions,
		now:          time.Now,
		remove:       os.Remove,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "cleanup")
	return c
}

// Filters narrows the candidate set.
type Filters struct {
	// OlderThan keeps items acquired at least this long ago.
	OlderThan  time.Duration
	Collection string
	Identifier string
	Limit      int
}

// FindCandidates lists consolidated items matching filters in acquisition
// order. Candidates still have to pass IsSafeToDelete.
func (c *Cleaner) FindCandidates(filters Filters) ([]*manifest.Item, error) {
	items, err := c.store.ItemsInState(manifest.ItemConsolidated)
	if err != nil {
		return nil, err
	}
	cutoff := c.now().Add(-filters.OlderThan)
	out := make([]*manifest.Item, 0, len(items))
	for _, item := range items {
		if filters.OlderThan > 0 && item.AcquiredAt.After(cutoff) {
			continue
		}
		if filters.Collection != "" && !strings.EqualFold(item.Collection, filters.Collection) {
			continue
		}
		if filters.Identifier != "" && item.Identifier != filters.Identifier {
			continue
		}
		out = append(out, item)
		if filters.Limit > 0 && len(out) >= filters.Limit {
			break
		}
	}
	return out, nil
}

// Delete removes the artifact and then records the deletion. A failed unlink
// leaves the item untouched. It returns the number of bytes reclaimed.
func (c *Cleaner) Delete(ctx context.Context, item *manifest.Item) (int64, error) {
	if !item.HasArtifact() {
		return 0, services.Wrap(services.ErrValidation, "cleanup", item.ID, "no artifact to delete", nil)
	}
	ctx = services.WithIdentifier(ctx, item.Identifier)
	logger := logging.WithContext(ctx, c.logger)

	path := item.ArtifactPath
	size := item.FileSize
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	if err := c.remove(path); err != nil {
		c.metrics.Deletion(string(OutcomeFailed), 0)
		return 0, fmt.Errorf("remove %s: %w", path, err)
	}

	now := c.now().UTC()
	item.State = manifest.ItemDeleted
	item.ArtifactPath = ""
	item.UpdatedAt = now
	if err := c.store.PutItem(item); err != nil {
		logging.ErrorWithContext(logger, "artifact removed but manifest not updated", "cleanup_manifest_failed",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "mark the item deleted by hand; the gate will reject it as missing meanwhile"),
		)
		return size, fmt.Errorf("record deletion of %s: %w", item.ID, err)
	}
	if err := c.store.AppendDeletion(manifest.DeletionRecord{
		ItemID:       item.ID,
		Identifier:   item.Identifier,
		OriginalPath: path,
		FileSize:     size,
		BatchID:      item.BatchID,
		DeletedAt:    now,
		RunID:        c.runID,
	}); err != nil {
		return size, fmt.Errorf("append deletion audit for %s: %w", item.ID, err)
	}
	if c.index != nil {
		if err := c.index.UpsertItem(ctx, item); err != nil {
			c.metrics.IndexError()
			logging.WarnWithContext(logger, "index update failed", "index_upsert_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "index lags the manifest until the next write"),
			)
		}
	}
	c.metrics.Deletion(string(OutcomeDeleted), size)
	logger.Info("artifact deleted", logging.String("path", path), logging.Int64("bytes", size))
	return size, nil
}
