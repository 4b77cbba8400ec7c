package packer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"folio/internal/config"
	"folio/internal/fileutil"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/metrics"
	"folio/internal/services"
	"folio/internal/services/scheduler"
)

// Indexer mirrors packer writes into the secondary index.
type Indexer interface {
	UpsertItem(ctx context.Context, item *manifest.Item) error
	UpsertBatch(ctx context.Context, batch *manifest.Batch) error
}

// Packer turns pending items into created batches.
type Packer struct {
	store     *manifest.Store
	maxWeight int
	minWeight int
	index     Indexer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	move      func(src, dst string) error
	holdFor   time.Duration
	held      map[string]time.Time
}

// errMove marks a claim that failed before the item changed hands. The item
// is still pending in its original location.
var errMove = errors.New("artifact move failed")

// claimHold is how long an item whose move failed is left out of packing.
const claimHold = 10 * time.Minute

// Option configures a Packer.
type Option func(*Packer)

// WithIndex mirrors batch and item updates into idx.
func WithIndex(idx Indexer) Option {
	return func(p *Packer) { p.index = idx }
}

// WithMetrics records batch events on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Packer) { p.metrics = m }
}

// WithLogger overrides the packer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Packer) { p.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Packer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMover overrides how artifacts are moved into batch directories.
func WithMover(move func(src, dst string) error) Option {
	return func(p *Packer) {
		if move != nil {
			p.move = move
		}
	}
}

// New constructs a packer from configuration.
func New(cfg *config.Config, store *manifest.Store, opts ...Option) *Packer {
	p := &Packer{
		store:     store,
		maxWeight: cfg.Batch.MaxWeight,
		minWeight: cfg.Batch.MinWeight,
		now:       time.Now,
		move:      fileutil.MoveFile,
		holdFor:   claimHold,
		held:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.NewComponentLogger(p.logger, "packer")
	return p
}

// Scan packs every pending item whose artifact is present. Closed groups are
// always materialized; the trailing group only once it reaches the minimum
// weight, or unconditionally when final is set.
func (p *Packer) Scan(ctx context.Context, final bool) ([]*manifest.Batch, error) {
	if err := p.Recover(ctx); err != nil {
		return nil, err
	}
	pending, err := p.store.ItemsInState(manifest.ItemPending)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	ready := make([]*manifest.Item, 0, len(pending))
	for _, item := range pending {
		ok, err := fileutil.Exists(item.ArtifactPath)
		if err != nil {
			return nil, err
		}
		if !ok {
			logging.WarnWithContext(p.logger, "pending artifact missing", "packer_artifact_missing",
				logging.Identifier(item.Identifier),
				logging.String("path", item.ArtifactPath),
				logging.String(logging.FieldImpact, "item left pending and excluded from batching"),
				logging.String(logging.FieldErrorHint, "restore the file or re-run acquisition for the identifier"),
			)
			continue
		}
		if p.Held(item.ID) {
			continue
		}
		ready = append(ready, item)
	}

	var created []*manifest.Batch
	for _, group := range Pack(ready, p.maxWeight) {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		flush := false
		if !group.Closed {
			switch {
			case group.Weight >= p.minWeight:
			case final:
				flush = true
			default:
				p.logger.Debug("waiting for more weight",
					logging.Int("weight", group.Weight),
					logging.Int("min_weight", p.minWeight),
					logging.Int("items", len(group.Items)),
				)
				continue
			}
		}
		if group.Weight > p.maxWeight {
			logging.WarnWithContext(p.logger, "item exceeds batch maximum", "packer_oversized_item",
				logging.Identifier(group.Items[0].Identifier),
				logging.Int("weight", group.Weight),
				logging.Int("max_weight", p.maxWeight),
				logging.String(logging.FieldImpact, "item submitted alone in an oversized batch"),
			)
		}
		batch, err := p.Materialize(ctx, group, flush)
		if err != nil {
			return created, err
		}
		if batch != nil {
			created = append(created, batch)
		}
	}
	return created, nil
}

// Materialize records a batch for group and moves its artifacts into the
// batch working directory. The manifest is written before any file moves.
// Members whose move fails are dropped from the batch and held back; when
// none could be moved the batch is discarded and nil is returned.
func (p *Packer) Materialize(ctx context.Context, group Group, finalFlush bool) (*manifest.Batch, error) {
	if len(group.Items) == 0 {
		return nil, errors.New("empty group")
	}
	number, err := p.store.NextBatchNumber()
	if err != nil {
		return nil, err
	}
	id := manifest.BatchID(number)
	dir := p.store.BatchDirFor(id)
	if err := os.MkdirAll(filepath.Join(dir, scheduler.ChunksDir), 0o755); err != nil {
		return nil, fmt.Errorf("create batch dir: %w", err)
	}

	now := p.now().UTC()
	batch := &manifest.Batch{
		ID:          id,
		Number:      number,
		Members:     group.IDs(),
		TotalWeight: group.Weight,
		FinalFlush:  finalFlush,
		State:       manifest.BatchCreated,
		Dir:         dir,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.PutBatch(batch); err != nil {
		return nil, fmt.Errorf("write batch manifest: %w", err)
	}

	ctx = services.WithBatchID(ctx, id)
	logger := logging.WithContext(ctx, p.logger)
	var dropped []*manifest.Item
	for _, item := range group.Items {
		err := p.claim(ctx, batch, item)
		if errors.Is(err, errMove) {
			p.hold(ctx, item, err)
			dropped = append(dropped, item)
			continue
		}
		if err != nil {
			return batch, err
		}
	}
	if len(dropped) > 0 {
		kept, err := p.dropMembers(batch, dropped)
		if err != nil {
			return batch, err
		}
		if !kept {
			return nil, nil
		}
	}
	p.metrics.BatchEvent("created")
	p.mirrorBatch(ctx, batch)

	logger.Info("batch created",
		logging.Int("items", len(batch.Members)),
		logging.Int("total_weight", batch.TotalWeight),
		logging.Bool("final_flush", finalFlush),
	)
	return batch, nil
}

// Recover finishes materialization for created batches whose members were
// left pending by an interrupted pass. Members that still cannot be moved are
// dropped from the batch and held back like any other failed claim.
func (p *Packer) Recover(ctx context.Context) error {
	batches, err := p.store.ListBatches()
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if batch.State != manifest.BatchCreated {
			continue
		}
		bctx := services.WithBatchID(ctx, batch.ID)
		var dropped []*manifest.Item
		for _, id := range batch.Members {
			item, err := p.store.GetItem(id)
			if errors.Is(err, manifest.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if item.State != manifest.ItemPending {
				continue
			}
			p.logger.Info("completing interrupted batch materialization",
				logging.BatchID(batch.ID),
				logging.Identifier(item.Identifier),
			)
			err = p.claim(bctx, batch, item)
			if errors.Is(err, errMove) {
				p.hold(bctx, item, err)
				dropped = append(dropped, item)
				continue
			}
			if err != nil {
				return err
			}
		}
		if len(dropped) > 0 {
			if _, err := p.dropMembers(batch, dropped); err != nil {
				return err
			}
		}
	}
	return nil
}

// Held reports whether itemID is being left out of packing after a failed
// move.
func (p *Packer) Held(itemID string) bool {
	until, ok := p.held[itemID]
	if !ok {
		return false
	}
	if !p.now().Before(until) {
		delete(p.held, itemID)
		return false
	}
	return true
}

func (p *Packer) hold(ctx context.Context, item *manifest.Item, err error) {
	p.held[item.ID] = p.now().Add(p.holdFor)
	logging.WarnWithContext(logging.WithContext(ctx, p.logger), "artifact could not be moved into batch", "packer_claim_failed",
		logging.Identifier(item.Identifier),
		logging.String("path", item.ArtifactPath),
		logging.Error(err),
		logging.Duration("retry_after", p.holdFor),
		logging.String(logging.FieldImpact, "item left pending and dropped from the batch"),
		logging.String(logging.FieldErrorHint, "check free space and permissions on the batch directory"),
	)
}

// dropMembers removes items that were never claimed from batch. A batch left
// with no members owns nothing and is discarded. It reports whether the batch
// was kept.
func (p *Packer) dropMembers(batch *manifest.Batch, dropped []*manifest.Item) (bool, error) {
	gone := make(map[string]bool, len(dropped))
	for _, item := range dropped {
		gone[item.ID] = true
	}
	members := make([]string, 0, len(batch.Members))
	weight := 0
	for _, id := range batch.Members {
		if gone[id] {
			continue
		}
		members = append(members, id)
		item, err := p.store.GetItem(id)
		if err == nil {
			weight += item.Weight
		}
	}
	if len(members) == 0 {
		if err := os.RemoveAll(batch.Dir); err != nil {
			return false, fmt.Errorf("discard empty batch %s: %w", batch.ID, err)
		}
		p.logger.Info("discarded batch with no movable members", logging.BatchID(batch.ID))
		return false, nil
	}
	batch.Members = members
	batch.TotalWeight = weight
	batch.UpdatedAt = p.now().UTC()
	if err := p.store.PutBatch(batch); err != nil {
		return true, fmt.Errorf("rewrite batch manifest: %w", err)
	}
	return true, nil
}

// claim moves one artifact into the batch and marks the item batched. It is
// safe to repeat after a crash between the move and the manifest write. A
// failed move wraps errMove; the item is untouched in that case.
func (p *Packer) claim(ctx context.Context, batch *manifest.Batch, item *manifest.Item) error {
	dest := filepath.Join(batch.Dir, scheduler.ChunksDir, filepath.Base(item.ArtifactPath))
	moved, err := fileutil.Exists(dest)
	if err != nil {
		return err
	}
	if !moved {
		if err := p.move(item.ArtifactPath, dest); err != nil {
			return fmt.Errorf("move %s into %s: %w: %w", item.ID, batch.ID, errMove, err)
		}
	}
	item.State = manifest.ItemBatched
	item.BatchID = batch.ID
	item.ArtifactPath = dest
	item.UpdatedAt = p.now().UTC()
	if err := p.store.PutItem(item); err != nil {
		return fmt.Errorf("update item %s: %w", item.ID, err)
	}
	p.mirrorItem(ctx, item)
	return nil
}

func (p *Packer) mirrorItem(ctx context.Context, item *manifest.Item) {
	if p.index == nil {
		return
	}
	if err := p.index.UpsertItem(ctx, item); err != nil {
		p.indexFailed(err)
	}
}

func (p *Packer) mirrorBatch(ctx context.Context, batch *manifest.Batch) {
	if p.index == nil {
		return
	}
	if err := p.index.UpsertBatch(ctx, batch); err != nil {
		p.indexFailed(err)
	}
}

func (p *Packer) indexFailed(err error) {
	p.metrics.IndexError()
	logging.WarnWithContext(p.logger, "index update failed", "index_upsert_failed",
		logging.Error(err),
		logging.String(logging.FieldImpact, "index lags the manifest until the next write"),
	)
}
