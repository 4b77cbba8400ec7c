package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"folio/internal/manifest"
)

// UpsertItem writes the current state of item.
func (x *Index) UpsertItem(ctx context.Context, item *manifest.Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	var metadata any
	if len(item.SourceMetadata) > 0 {
		data, err := json.Marshal(item.SourceMetadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", item.ID, err)
		}
		metadata = string(data)
	}
	err := x.exec(ctx,
		`INSERT INTO items (
            item_id, identifier, collection, title, creator, year, filename, file_path,
            file_size, weight, state, batch_id, acquired_at, updated_at, metadata_json
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (item_id) DO UPDATE SET
            collection = excluded.collection,
            title = excluded.title,
            creator = excluded.creator,
            year = excluded.year,
            filename = excluded.filename,
            file_path = excluded.file_path,
            file_size = excluded.file_size,
            weight = excluded.weight,
            state = excluded.state,
            batch_id = excluded.batch_id,
            updated_at = excluded.updated_at,
            metadata_json = excluded.metadata_json`,
		item.ID,
		item.Identifier,
		nullableString(item.Collection),
		nullableString(item.Title),
		nullableString(item.Creator),
		nullableString(item.Year),
		nullableString(item.Filename),
		nullableString(item.ArtifactPath),
		item.FileSize,
		item.Weight,
		string(item.State),
		nullableString(item.BatchID),
		formatTime(item.AcquiredAt),
		formatTime(stamp(item.UpdatedAt)),
		metadata,
	)
	if err != nil {
		return fmt.Errorf("upsert item %s: %w", item.ID, err)
	}
	return nil
}

// UpsertBatch writes the current state of batch.
func (x *Index) UpsertBatch(ctx context.Context, batch *manifest.Batch) error {
	if batch == nil {
		return errors.New("batch is nil")
	}
	err := x.exec(ctx,
		`INSERT INTO batches (
            batch_id, number, state, job_handle, members, total_weight, final_flush,
            failure_kind, last_error, created_at, submitted_at, finished_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (batch_id) DO UPDATE SET
            state = excluded.state,
            job_handle = excluded.job_handle,
            members = excluded.members,
            total_weight = excluded.total_weight,
            final_flush = excluded.final_flush,
            failure_kind = excluded.failure_kind,
            last_error = excluded.last_error,
            submitted_at = excluded.submitted_at,
            finished_at = excluded.finished_at,
            updated_at = excluded.updated_at`,
		batch.ID,
		batch.Number,
		string(batch.State),
		nullableString(batch.JobHandle),
		len(batch.Members),
		batch.TotalWeight,
		boolToInt(batch.FinalFlush),
		nullableString(batch.FailureKind),
		nullableString(batch.LastError),
		formatTime(batch.CreatedAt),
		nullableTime(batch.SubmittedAt),
		nullableTime(batch.FinishedAt),
		formatTime(stamp(batch.UpdatedAt)),
	)
	if err != nil {
		return fmt.Errorf("upsert batch %s: %w", batch.ID, err)
	}
	return nil
}

// Run is one pipeline_runs row.
type Run struct {
	ID             string
	Phase          string
	Status         string
	StartedAt      time.Time
	FinishedAt     *time.Time
	ItemsProcessed int
	Error          string
}

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// StartRun records that a unit began. config is stored as a JSON snapshot.
func (x *Index) StartRun(ctx context.Context, runID, phase string, config any) error {
	var snapshot any
	if config != nil {
		data, err := json.Marshal(config)
		if err != nil {
			return fmt.Errorf("encode config snapshot: %w", err)
		}
		snapshot = string(data)
	}
	err := x.exec(ctx,
		`INSERT INTO pipeline_runs (run_id, phase, status, started_at, config_json)
         VALUES (?, ?, ?, ?, ?)`,
		runID, phase, RunRunning, formatTime(time.Now()), snapshot,
	)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun closes a run. A non-nil runErr marks it failed.
func (x *Index) FinishRun(ctx context.Context, runID string, processed int, runErr error) error {
	status := RunCompleted
	var message any
	if runErr != nil {
		status = RunFailed
		message = runErr.Error()
	}
	err := x.exec(ctx,
		`UPDATE pipeline_runs
         SET status = ?, finished_at = ?, items_processed = ?, error_message = ?
         WHERE run_id = ?`,
		status, formatTime(time.Now()), processed, message, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (x *Index) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := x.db.QueryContext(ctx, x.rebind(
		`SELECT run_id, phase, status, started_at, finished_at, items_processed, error_message
         FROM pipeline_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run        Run
			startedRaw string
			finished   sql.NullString
			message    sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Phase, &run.Status, &startedRaw, &finished, &run.ItemsProcessed, &message); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, startedRaw); err == nil {
			run.StartedAt = t
		}
		if finished.Valid {
			if t, err := time.Parse(time.RFC3339Nano, finished.String); err == nil {
				run.FinishedAt = &t
			}
		}
		run.Error = message.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Summary counts mirrored rows by state.
type Summary struct {
	Items   map[string]int
	Batches map[string]int
}

// Summarize returns item and batch counts grouped by state.
func (x *Index) Summarize(ctx context.Context) (Summary, error) {
	summary := Summary{Items: map[string]int{}, Batches: map[string]int{}}
	for table, dst := range map[string]map[string]int{"items": summary.Items, "batches": summary.Batches} {
		rows, err := x.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM `+table+` GROUP BY state`)
		if err != nil {
			return summary, fmt.Errorf("count %s: %w", table, err)
		}
		for rows.Next() {
			var (
				state string
				count int
			)
			if err := rows.Scan(&state, &count); err != nil {
				rows.Close()
				return summary, err
			}
			dst[state] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return summary, err
		}
		rows.Close()
	}
	return summary, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
