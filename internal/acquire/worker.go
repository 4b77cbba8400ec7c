package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"folio/internal/capacity"
	"folio/internal/config"
	"folio/internal/fileutil"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/metrics"
	"folio/internal/services"
	"folio/internal/services/archive"
)

const stageName = "download"

// Source fetches item metadata and artifacts from the acquisition source.
type Source interface {
	FetchItem(ctx context.Context, identifier string) (*archive.ItemRecord, error)
	Download(ctx context.Context, identifier string, file archive.File, destPath string) (int64, error)
	ItemURL(identifier string) string
}

// PageCounter measures the processing weight of an artifact.
type PageCounter interface {
	Pages(ctx context.Context, path string) (int, error)
}

// ItemIndexer mirrors item manifests into the secondary index.
type ItemIndexer interface {
	UpsertItem(ctx context.Context, item *manifest.Item) error
}

// Outcome classifies what happened to one identifier.
type Outcome string

const (
	OutcomeDownloaded Outcome = "downloaded"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeNoArtifact Outcome = "no_artifact"
	OutcomeFailed     Outcome = "failed"
)

// Result describes the processing of one identifier.
type Result struct {
	Outcome Outcome
	Items   []*manifest.Item
}

// Worker acquires artifacts for a list of identifiers.
type Worker struct {
	cfg      *config.Config
	store    *manifest.Store
	source   Source
	monitor  capacity.Monitor
	pages    PageCounter
	index    ItemIndexer
	metrics  *metrics.Metrics
	selector Selector
	logger   *slog.Logger
	retry    services.RetryPolicy
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Worker.
type Option func(*Worker)

// WithPageCounter sets the weight source used in pages mode.
func WithPageCounter(p PageCounter) Option {
	return func(w *Worker) { w.pages = p }
}

// WithIndex mirrors every written item into idx.
func WithIndex(idx ItemIndexer) Option {
	return func(w *Worker) { w.index = idx }
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithLogger overrides the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithClock overrides time and sleeping, for tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
		if sleep != nil {
			w.sleep = sleep
		}
	}
}

// NewWorker constructs an acquisition worker.
func NewWorker(cfg *config.Config, store *manifest.Store, source Source, monitor capacity.Monitor, opts ...Option) *Worker {
	w := &Worker{
		cfg:     cfg,
		store:   store,
		source:  source,
		monitor: monitor,
		selector: Selector{
			Format:          cfg.Acquire.ArtifactFormat,
			Suffix:          cfg.Acquire.ArtifactSuffix,
			ExcludeSuffixes: cfg.Acquire.ExcludeSuffixes,
			FetchAll:        cfg.Acquire.FetchAll,
		},
		retry: services.RetryPolicy{
			Attempts:   3,
			Initial:    cfg.RetryBackoff(),
			Max:        time.Minute,
			Multiplier: 2,
		},
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = logging.NewComponentLogger(w.logger, "acquire")
	return w
}

// Run processes ids from the persisted cursor to the end of the list. It
// returns the final cursor. Only cancellation and configuration errors stop
// the run early; the cursor is saved before returning in every case.
func (w *Worker) Run(ctx context.Context, ids []string) (manifest.Cursor, error) {
	cursor, err := w.store.LoadCursor()
	if err != nil {
		return cursor, fmt.Errorf("load cursor: %w", err)
	}
	if cursor.CurrentIndex == 0 && w.cfg.Acquire.StartIndex > 0 {
		cursor.CurrentIndex = w.cfg.Acquire.StartIndex
	}
	cursor.Total = len(ids)
	cursor.Finished = false

	w.logger.Info("acquisition starting",
		logging.Int("total", len(ids)),
		logging.Int("resume_index", cursor.CurrentIndex),
		logging.Float64("capacity_threshold", w.cfg.Acquire.CapacityThreshold),
		logging.Bool("fetch_all", w.cfg.Acquire.FetchAll),
	)

	every := w.cfg.Acquire.CursorEvery
	if every <= 0 {
		every = 1
	}
	sinceSave := 0

	for i := cursor.CurrentIndex; i < len(ids); i++ {
		if err := w.waitForCapacity(ctx, &cursor); err != nil {
			return cursor, w.stop(cursor, err)
		}

		identifier := ids[i]
		result, err := w.Process(ctx, identifier)
		if err != nil {
			if ctx.Err() != nil {
				// The interrupted identifier is retried on the next run.
				return cursor, w.stop(cursor, ctx.Err())
			}
			if services.IsFatal(err) {
				return cursor, w.stop(cursor, err)
			}
			cursor.Stats.Failed++
			w.metrics.ItemAcquired(string(OutcomeFailed))
			w.recordError(identifier, services.Kind(err), err)
		} else {
			w.tally(&cursor, identifier, result)
		}

		cursor.CurrentIndex = i + 1
		sinceSave++
		if sinceSave >= every {
			w.saveCursor(cursor)
			sinceSave = 0
		}

		if err == nil && result.Outcome == OutcomeDownloaded && i+1 < len(ids) {
			if err := w.sleep(ctx, w.cfg.AcquireDelay()); err != nil {
				return cursor, w.stop(cursor, err)
			}
		}
	}

	cursor.Finished = true
	w.saveCursor(cursor)
	w.logger.Info("acquisition complete",
		logging.Int("downloaded", cursor.Stats.Downloaded),
		logging.Int("skipped", cursor.Stats.Skipped),
		logging.Int("no_artifact", cursor.Stats.NoArtifact),
		logging.Int("failed", cursor.Stats.Failed),
		logging.Int("paused_count", cursor.Stats.PausedCount),
	)
	return cursor, nil
}

func (w *Worker) tally(cursor *manifest.Cursor, identifier string, result Result) {
	w.metrics.ItemAcquired(string(result.Outcome))
	switch result.Outcome {
	case OutcomeDownloaded:
		cursor.Stats.Downloaded += len(result.Items)
		w.clearError(identifier)
	case OutcomeSkipped:
		cursor.Stats.Skipped++
	case OutcomeNoArtifact:
		cursor.Stats.NoArtifact++
		w.recordError(identifier, string(OutcomeNoArtifact), errors.New("no matching artifact in file listing"))
	}
}

func (w *Worker) stop(cursor manifest.Cursor, err error) error {
	w.saveCursor(cursor)
	if errors.Is(err, context.Canceled) {
		w.logger.Info("acquisition interrupted", logging.Int("resume_index", cursor.CurrentIndex))
	}
	return err
}

// Process acquires every artifact for one identifier. In single-artifact mode an
// identifier that already has a manifest is skipped; with fetch-all only the
// artifacts still missing a manifest are fetched. An artifact already sitting in the pending
// queue without a manifest is adopted rather than fetched again.
func (w *Worker) Process(ctx context.Context, identifier string) (Result, error) {
	if err := manifest.ValidateKey(identifier); err != nil {
		return Result{}, services.Wrap(services.ErrValidation, stageName, "identifier", identifier, err)
	}
	ctx = services.WithIdentifier(ctx, identifier)
	logger := logging.WithContext(ctx, w.logger)

	existing, err := w.existingItems(identifier)
	if err != nil {
		return Result{}, err
	}
	// With several artifacts per identifier an earlier run may have stopped
	// part way, so the listing is always consulted and each artifact is
	// deduplicated by its own item id.
	if len(existing) > 0 && !w.selector.FetchAll {
		logger.Debug("identifier already acquired", logging.Int("items", len(existing)))
		return Result{Outcome: OutcomeSkipped, Items: existing}, nil
	}

	var record *archive.ItemRecord
	err = services.Retry(ctx, w.retry, func(ctx context.Context) error {
		var fetchErr error
		record, fetchErr = w.source.FetchItem(ctx, identifier)
		return fetchErr
	})
	if err != nil {
		return Result{}, err
	}

	files := w.selector.Select(record.Files)
	if len(files) == 0 {
		logging.WarnWithContext(logger, "no artifact in file listing", "acquire_no_artifact",
			logging.Int("files", len(record.Files)),
			logging.String(logging.FieldImpact, "identifier recorded as no_artifact and skipped"),
			logging.String(logging.FieldErrorHint, "check acquire.artifact_format and artifact_suffix"),
		)
		return Result{Outcome: OutcomeNoArtifact}, nil
	}

	result := Result{Outcome: OutcomeDownloaded}
	for _, file := range files {
		item, err := w.acquireFile(ctx, logger, record, file)
		if err != nil {
			return result, err
		}
		if item != nil {
			result.Items = append(result.Items, item)
		}
	}
	if len(result.Items) == 0 {
		result.Outcome = OutcomeSkipped
		result.Items = existing
	}
	return result, nil
}

func (w *Worker) existingItems(identifier string) ([]*manifest.Item, error) {
	if !w.selector.FetchAll {
		item, err := w.store.GetItem(identifier)
		if errors.Is(err, manifest.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []*manifest.Item{item}, nil
	}
	return w.store.ItemsForIdentifier(identifier)
}

func (w *Worker) acquireFile(ctx context.Context, logger *slog.Logger, record *archive.ItemRecord, file archive.File) (*manifest.Item, error) {
	itemID := w.selector.ItemID(record.Identifier, file)
	if ok, err := w.store.HasItem(itemID); err != nil || ok {
		return nil, err
	}
	name := w.selector.ArtifactName(itemID)
	pendingPath := filepath.Join(w.cfg.Paths.PendingDir, name)

	adopted, err := fileutil.Exists(pendingPath)
	if err != nil {
		return nil, fmt.Errorf("stat pending artifact: %w", err)
	}
	var size int64
	if adopted {
		info, err := os.Stat(pendingPath)
		if err != nil {
			return nil, fmt.Errorf("stat pending artifact: %w", err)
		}
		size = info.Size()
		logger.Info("adopting artifact without manifest", logging.String("path", pendingPath))
	} else {
		downloadPath := filepath.Join(w.cfg.Paths.DownloadDir, name)
		err = services.Retry(ctx, w.retry, func(ctx context.Context) error {
			var dlErr error
			size, dlErr = w.source.Download(ctx, record.Identifier, file, downloadPath)
			return dlErr
		})
		if err != nil {
			return nil, err
		}
		if err := fileutil.MoveFile(downloadPath, pendingPath); err != nil {
			return nil, fmt.Errorf("move to pending: %w", err)
		}
	}

	title, creator, year, collection := describe(record.Metadata)
	if collection == "" {
		collection = w.cfg.Acquire.Collection
	}
	now := w.now().UTC()
	item := &manifest.Item{
		ID:             itemID,
		Identifier:     record.Identifier,
		Collection:     collection,
		Title:          title,
		Creator:        creator,
		Year:           year,
		Filename:       name,
		ArtifactPath:   pendingPath,
		FileSize:       size,
		SourceURL:      w.source.ItemURL(record.Identifier),
		Weight:         w.weigh(ctx, logger, pendingPath),
		State:          manifest.ItemPending,
		AcquiredAt:     now,
		UpdatedAt:      now,
		SourceMetadata: record.Metadata,
	}
	if err := w.store.PutItem(item); err != nil {
		return nil, fmt.Errorf("write item manifest: %w", err)
	}
	w.mirror(ctx, item)

	logger.Info("artifact acquired",
		logging.String("item_id", itemID),
		logging.String("file", file.Name),
		logging.Int64("bytes", size),
		logging.Int("weight", item.Weight),
	)
	return item, nil
}

func (w *Worker) weigh(ctx context.Context, logger *slog.Logger, path string) int {
	if w.cfg.Batch.WeightMode != config.WeightModePages || w.pages == nil {
		return 1
	}
	pages, err := w.pages.Pages(ctx, path)
	if err != nil {
		logging.WarnWithContext(logger, "page count unavailable", "acquire_page_count_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "item weighted as a single page"),
			logging.String(logging.FieldErrorHint, "verify scheduler.page_command is installed"),
		)
	}
	if pages < 1 {
		pages = 1
	}
	return pages
}

func (w *Worker) mirror(ctx context.Context, item *manifest.Item) {
	if w.index == nil {
		return
	}
	if err := w.index.UpsertItem(ctx, item); err != nil {
		w.metrics.IndexError()
		logging.WarnWithContext(w.logger, "index update failed", "index_upsert_failed",
			logging.Identifier(item.Identifier),
			logging.Error(err),
			logging.String(logging.FieldImpact, "index lags the manifest until the next write"),
		)
	}
}

// waitForCapacity blocks while the working area is at or above the threshold.
// An unreadable monitor counts as full. Each suspension, however long,
// increments the pause count once.
func (w *Worker) waitForCapacity(ctx context.Context, cursor *manifest.Cursor) error {
	threshold := w.cfg.Acquire.CapacityThreshold
	paused := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		usage, err := w.monitor.UsageFraction()
		if err == nil {
			w.metrics.ObserveCapacity(usage)
			if usage < threshold {
				if paused {
					w.logger.Info("capacity available, resuming", logging.Float64("usage", usage))
				}
				return nil
			}
		}
		if !paused {
			paused = true
			cursor.Stats.PausedCount++
			w.metrics.CapacityPaused()
			w.saveCursor(*cursor)
			attrs := []logging.Attr{
				logging.Float64("usage", usage),
				logging.Float64("threshold", threshold),
				logging.String(logging.FieldImpact, "acquisition paused until downstream frees space"),
				logging.String(logging.FieldErrorHint, "wait for batches to complete or run cleanup"),
			}
			if err != nil {
				attrs = append(attrs, logging.Error(err))
			}
			logging.WarnWithContext(w.logger, "capacity threshold reached", "acquire_capacity_paused", attrs...)
		}
		if err := w.sleep(ctx, w.cfg.PauseInterval()); err != nil {
			return err
		}
	}
}

func (w *Worker) saveCursor(cursor manifest.Cursor) {
	cursor.LastUpdated = w.now().UTC()
	if err := w.store.SaveCursor(cursor); err != nil {
		logging.WarnWithContext(w.logger, "cursor save failed", "acquire_cursor_save_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "a restart may repeat recent identifiers"),
		)
	}
}

func (w *Worker) recordError(identifier, kind string, err error) {
	rec := manifest.ErrorRecord{
		Identifier:   identifier,
		Stage:        stageName,
		ErrorType:    kind,
		ErrorMessage: err.Error(),
		Timestamp:    w.now().UTC(),
		Collection:   w.cfg.Acquire.Collection,
	}
	logging.WarnWithContext(w.logger, "identifier failed", "acquire_item_failed",
		logging.Identifier(identifier),
		logging.String("error_type", kind),
		logging.Error(err),
		logging.String(logging.FieldImpact, "identifier skipped; run continues"),
	)
	if writeErr := w.store.RecordError(rec); writeErr != nil {
		logging.WarnWithContext(w.logger, "error record not written", "acquire_error_record_failed",
			logging.Identifier(identifier),
			logging.Error(writeErr),
		)
	}
}

func (w *Worker) clearError(identifier string) {
	if err := w.store.ClearError(identifier); err != nil {
		w.logger.Debug("clear error record failed", logging.Identifier(identifier), logging.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
