package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/metrics"
	"folio/internal/services"
)

// ErrNoGroups marks a completed job whose output yielded nothing to
// consolidate. It is distinct from an external job failure.
var ErrNoGroups = errors.New("no extractable groups in batch output")

// Consolidator writes per-item results for a completed batch.
type Consolidator struct {
	store   *manifest.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Consolidator.
type Option func(*Consolidator)

// WithMetrics records consolidation counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consolidator) { c.metrics = m }
}

// WithLogger overrides the consolidator logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consolidator) { c.logger = logger }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Consolidator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a consolidator over store.
func New(store *manifest.Store, opts ...Option) *Consolidator {
	c := &Consolidator{store: store, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "consolidate")
	return c
}

// Consolidate parses outputs for batch and writes one result per matched
// member, moving those members to consolidated. Groups that match no member
// are anomalies. Members with no group are marked failed. The batch manifest
// is not modified; the caller records the returned summary.
func (c *Consolidator) Consolidate(ctx context.Context, batch *manifest.Batch, outputs []string) (*manifest.ConsolidationSummary, error) {
	ctx = services.WithBatchID(ctx, batch.ID)
	logger := logging.WithContext(ctx, c.logger)

	parsed, err := ParseFiles(outputs)
	if err != nil {
		return nil, err
	}
	summary := &manifest.ConsolidationSummary{
		Sources:     outputs,
		Records:     parsed.Records,
		Groups:      len(parsed.Groups),
		ParseIssues: len(parsed.Issues),
		At:          c.now().UTC(),
	}
	for _, issue := range firstIssues(parsed.Issues, 3) {
		logger.Debug("unparseable output line",
			logging.String("file", issue.File),
			logging.Int("line", issue.Line),
			logging.String("reason", issue.Message),
		)
	}
	if len(parsed.Groups) == 0 {
		return summary, services.Wrap(services.ErrValidation, "consolidate", "parse",
			fmt.Sprintf("%d output files, %d issues", len(outputs), len(parsed.Issues)), ErrNoGroups)
	}

	members, err := c.loadMembers(batch)
	if err != nil {
		return summary, err
	}
	matched := make(map[string]bool, len(members))
	for _, key := range parsed.Order {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		item, ok := members[Stem(key)]
		if !ok {
			summary.Anomalies = append(summary.Anomalies, key)
			continue
		}
		if err := c.writeResult(batch, item, key, parsed.Groups[key], summary.Sources, summary.At); err != nil {
			return summary, err
		}
		matched[item.ID] = true
		summary.Written++
	}
	sort.Strings(summary.Anomalies)

	for _, id := range batch.Members {
		item, ok := members[id]
		if !ok || matched[id] || item.State == manifest.ItemDeleted {
			continue
		}
		item.State = manifest.ItemFailed
		item.UpdatedAt = c.now().UTC()
		if err := c.store.PutItem(item); err != nil {
			return summary, fmt.Errorf("mark %s failed: %w", id, err)
		}
		logging.WarnWithContext(logger, "member missing from job output", "consolidate_member_missing",
			logging.Identifier(item.Identifier),
			logging.String(logging.FieldImpact, "item marked failed; `folio batches resubmit <batch> --requeue` retries it"),
		)
	}

	c.metrics.Consolidated(summary.Written, len(summary.Anomalies))
	if len(summary.Anomalies) > 0 {
		logging.WarnWithContext(logger, "output groups without a matching item", "consolidate_anomalies",
			logging.Int("count", len(summary.Anomalies)),
			logging.Any("groups", summary.Anomalies),
			logging.String(logging.FieldImpact, "unmatched output was not written"),
		)
	}
	logger.Info("batch consolidated",
		logging.Int("records", summary.Records),
		logging.Int("groups", summary.Groups),
		logging.Int("written", summary.Written),
		logging.Int("parse_issues", summary.ParseIssues),
	)
	return summary, nil
}

// loadMembers indexes batch members by item id. Every artifact is named after
// its item id, so the id doubles as the output group stem.
func (c *Consolidator) loadMembers(batch *manifest.Batch) (map[string]*manifest.Item, error) {
	members := make(map[string]*manifest.Item, len(batch.Members))
	for _, id := range batch.Members {
		item, err := c.store.GetItem(id)
		if errors.Is(err, manifest.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		members[id] = item
	}
	return members, nil
}

func (c *Consolidator) writeResult(batch *manifest.Batch, item *manifest.Item, key string, records []map[string]any, sources []string, at time.Time) error {
	result := &manifest.ConsolidatedResult{
		ItemID:           item.ID,
		Identifier:       item.Identifier,
		Collection:       item.Collection,
		Title:            item.Title,
		Creator:          item.Creator,
		Year:             item.Year,
		SourceURL:        item.SourceURL,
		OriginalFilename: item.Filename,
		RecordCount:      len(records),
		BatchID:          batch.ID,
		BatchSource:      sourceLabel(sources, key),
		ConsolidatedAt:   at,
		SourceMetadata:   item.SourceMetadata,
	}
	if err := c.store.PutResult(result, records); err != nil {
		return fmt.Errorf("write result for %s: %w", item.ID, err)
	}
	if item.State == manifest.ItemDeleted {
		// A manual re-run must not resurrect an item whose original is gone.
		return nil
	}
	item.State = manifest.ItemConsolidated
	item.UpdatedAt = at
	if err := c.store.PutItem(item); err != nil {
		return fmt.Errorf("mark %s consolidated: %w", item.ID, err)
	}
	return nil
}

func sourceLabel(sources []string, key string) string {
	if len(sources) == 1 {
		return sources[0] + "#" + key
	}
	return key
}

func firstIssues(issues []Issue, n int) []Issue {
	if len(issues) > n {
		return issues[:n]
	}
	return issues
}
