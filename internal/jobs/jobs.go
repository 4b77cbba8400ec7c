package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"folio/internal/config"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/metrics"
	"folio/internal/services"
	"folio/internal/services/scheduler"
)

// Scheduler is the narrow interface to the external batch-compute system.
type Scheduler interface {
	Submit(ctx context.Context, job scheduler.JobSpec) (string, error)
	Status(ctx context.Context, handle string) (scheduler.Status, error)
	OutputFiles(batchDir string) ([]string, error)
}

// Consolidator turns a completed batch's output into per-item results.
type Consolidator interface {
	Consolidate(ctx context.Context, batch *manifest.Batch, outputs []string) (*manifest.ConsolidationSummary, error)
}

// Indexer mirrors batch and item transitions into the secondary index.
type Indexer interface {
	UpsertItem(ctx context.Context, item *manifest.Item) error
	UpsertBatch(ctx context.Context, batch *manifest.Batch) error
}

// deps holds what the submitter, poller, and dispatcher share.
type deps struct {
	store   *manifest.Store
	sched   Scheduler
	index   Indexer
	metrics *metrics.Metrics
	logger  *slog.Logger
	retry   services.RetryPolicy
	now     func() time.Time
}

// Option configures the jobs components.
type Option func(*deps)

// WithIndex mirrors transitions into idx.
func WithIndex(idx Indexer) Option {
	return func(d *deps) { d.index = idx }
}

// WithMetrics records batch events on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *deps) { d.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.now = now
		}
	}
}

func newDeps(cfg *config.Config, store *manifest.Store, sched Scheduler, component string, opts []Option) deps {
	d := deps{
		store: store,
		sched: sched,
		retry: services.RetryPolicy{
			Attempts:   cfg.Scheduler.RetryAttempts,
			Initial:    cfg.RetryBackoff(),
			Max:        2 * time.Minute,
			Multiplier: 2,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&d)
	}
	d.logger = logging.NewComponentLogger(d.logger, component)
	d.retry.OnRetry = func(attempt int, wait time.Duration, err error) {
		d.logger.Info("scheduler call failed, retrying",
			logging.Int("attempt", attempt),
			logging.Duration("wait", wait),
			logging.Error(err),
		)
	}
	return d
}

// setItems moves every member currently in one of from to state to.
func (d *deps) setItems(ctx context.Context, batch *manifest.Batch, to manifest.ItemState, from ...manifest.ItemState) error {
	for _, id := range batch.Members {
		item, err := d.store.GetItem(id)
		if errors.Is(err, manifest.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !hasState(item.State, from) {
			continue
		}
		item.State = to
		item.UpdatedAt = d.now().UTC()
		if err := d.store.PutItem(item); err != nil {
			return err
		}
		d.mirrorItem(ctx, item)
	}
	return nil
}

func hasState(s manifest.ItemState, set []manifest.ItemState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (d *deps) putBatch(ctx context.Context, batch *manifest.Batch) error {
	batch.UpdatedAt = d.now().UTC()
	if err := d.store.PutBatch(batch); err != nil {
		return err
	}
	d.mirrorBatch(ctx, batch)
	return nil
}

func (d *deps) mirrorItem(ctx context.Context, item *manifest.Item) {
	if d.index == nil {
		return
	}
	if err := d.index.UpsertItem(ctx, item); err != nil {
		d.indexFailed(err)
	}
}

func (d *deps) mirrorBatch(ctx context.Context, batch *manifest.Batch) {
	if d.index == nil {
		return
	}
	if err := d.index.UpsertBatch(ctx, batch); err != nil {
		d.indexFailed(err)
	}
}

func (d *deps) indexFailed(err error) {
	d.metrics.IndexError()
	logging.WarnWithContext(d.logger, "index update failed", "index_upsert_failed",
		logging.Error(err),
		logging.String(logging.FieldImpact, "index lags the manifest until the next write"),
	)
}

// RefreshRegistry rewrites the batch registry from the per-batch manifests.
func RefreshRegistry(store *manifest.Store, now time.Time) error {
	batches, err := store.ListBatches()
	if err != nil {
		return err
	}
	return store.WriteRegistry(batches, now)
}
