package manifest

import (
	"fmt"
	"strings"
	"time"
)

// ItemState is the lifecycle position of an item.
type ItemState string

const (
	ItemPending      ItemState = "pending"
	ItemBatched      ItemState = "batched"
	ItemSubmitted    ItemState = "submitted"
	ItemConsolidated ItemState = "consolidated"
	ItemFailed       ItemState = "failed"
	ItemDeleted      ItemState = "deleted"
)

// BatchState is the lifecycle position of a batch.
type BatchState string

const (
	BatchCreated   BatchState = "created"
	BatchSubmitted BatchState = "submitted"
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchFailed    BatchState = "failed"
)

// Failure kinds recorded on failed batches.
const (
	FailureJob           = "job"
	FailureConsolidation = "consolidation"
)

// Item is one source artifact tracked through the pipeline. ID equals the
// source identifier unless several artifacts were fetched for it.
type Item struct {
	ID             string         `json:"item_id"`
	Identifier     string         `json:"identifier"`
	Collection     string         `json:"collection,omitempty"`
	Title          string         `json:"title,omitempty"`
	Creator        string         `json:"creator,omitempty"`
	Year           string         `json:"year,omitempty"`
	Filename       string         `json:"filename"`
	ArtifactPath   string         `json:"file_path,omitempty"`
	FileSize       int64          `json:"file_size"`
	SourceURL      string         `json:"source_url,omitempty"`
	Weight         int            `json:"weight"`
	State          ItemState      `json:"state"`
	BatchID        string         `json:"batch_id,omitempty"`
	AcquiredAt     time.Time      `json:"downloaded_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	SourceMetadata map[string]any `json:"item_metadata,omitempty"`
}

// HasArtifact reports whether the item still owns a file on disk.
func (i *Item) HasArtifact() bool {
	return i != nil && strings.TrimSpace(i.ArtifactPath) != ""
}

// Validate enforces the invariants every persisted item must satisfy.
func (i *Item) Validate() error {
	if err := ValidateKey(i.ID); err != nil {
		return fmt.Errorf("item id: %w", err)
	}
	if strings.TrimSpace(i.Identifier) == "" {
		return fmt.Errorf("item %s: identifier required", i.ID)
	}
	if i.Weight < 1 {
		return fmt.Errorf("item %s: weight must be >= 1", i.ID)
	}
	switch i.State {
	case ItemPending, ItemBatched, ItemSubmitted, ItemConsolidated, ItemFailed:
	case ItemDeleted:
		if i.HasArtifact() {
			return fmt.Errorf("item %s: deleted item must not reference an artifact", i.ID)
		}
	default:
		return fmt.Errorf("item %s: unknown state %q", i.ID, i.State)
	}
	return nil
}

// Batch is a bounded group of items submitted together.
type Batch struct {
	ID             string                `json:"batch_id"`
	Number         int                   `json:"number"`
	Members        []string              `json:"identifiers"`
	TotalWeight    int                   `json:"total_weight"`
	FinalFlush     bool                  `json:"final_flush,omitempty"`
	State          BatchState            `json:"status"`
	JobHandle      string                `json:"job_handle,omitempty"`
	Dir            string                `json:"dir"`
	CreatedAt      time.Time             `json:"created_at"`
	SubmittedAt    *time.Time            `json:"submitted_at,omitempty"`
	FinishedAt     *time.Time            `json:"finished_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
	SubmitAttempts int                   `json:"submit_attempts,omitempty"`
	LastError      string                `json:"last_error,omitempty"`
	FailureKind    string                `json:"failure_kind,omitempty"`
	Consolidation  *ConsolidationSummary `json:"consolidation,omitempty"`
}

// BatchID renders the zero-padded batch identifier for number n.
func BatchID(n int) string {
	return fmt.Sprintf("batch_%04d", n)
}

// ParseBatchID extracts the number from a batch identifier.
func ParseBatchID(id string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(id, "batch_%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	if BatchID(n) != id {
		return 0, false
	}
	return n, true
}

// HasMember reports whether itemID belongs to the batch.
func (b *Batch) HasMember(itemID string) bool {
	for _, m := range b.Members {
		if m == itemID {
			return true
		}
	}
	return false
}

// Active reports whether the batch is waiting on the external system.
func (b *Batch) Active() bool {
	return b.State == BatchSubmitted || b.State == BatchRunning
}

// ConsolidationSummary records what consolidation extracted from a batch.
type ConsolidationSummary struct {
	Sources     []string  `json:"sources"`
	Records     int       `json:"records"`
	Groups      int       `json:"groups"`
	Written     int       `json:"written"`
	ParseIssues int       `json:"parse_issues"`
	Anomalies   []string  `json:"anomalies,omitempty"`
	At          time.Time `json:"at"`
}

// ConsolidatedResult is the per-item durability anchor: processed output merged
// with the original acquisition metadata.
type ConsolidatedResult struct {
	ItemID           string         `json:"item_id"`
	Identifier       string         `json:"identifier"`
	Collection       string         `json:"collection,omitempty"`
	Title            string         `json:"title,omitempty"`
	Creator          string         `json:"creator,omitempty"`
	Year             string         `json:"year,omitempty"`
	SourceURL        string         `json:"source_url,omitempty"`
	OriginalFilename string         `json:"original_filename"`
	ArtifactPointer  string         `json:"ocr_json"`
	RecordCount      int            `json:"record_count"`
	BatchID          string         `json:"batch_id"`
	BatchSource      string         `json:"batch_ocr_source"`
	ConsolidatedAt   time.Time      `json:"ocr_consolidated_at"`
	SourceMetadata   map[string]any `json:"item_metadata,omitempty"`
}

// DeletionRecord is one append-only audit entry.
type DeletionRecord struct {
	ItemID       string    `json:"item_id"`
	Identifier   string    `json:"identifier"`
	OriginalPath string    `json:"original_path"`
	FileSize     int64     `json:"file_size"`
	BatchID      string    `json:"batch_id"`
	DeletedAt    time.Time `json:"deleted_at"`
	RunID        string    `json:"run_id,omitempty"`
}

// ErrorRecord captures a per-item acquisition failure for later inspection.
type ErrorRecord struct {
	Identifier   string    `json:"identifier"`
	Stage        string    `json:"stage"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
	Collection   string    `json:"collection,omitempty"`
}

// Stats accumulates acquisition outcomes across restarts.
type Stats struct {
	Downloaded  int `json:"downloaded"`
	Skipped     int `json:"skipped"`
	NoArtifact  int `json:"no_pdf"`
	Failed      int `json:"failed"`
	PausedCount int `json:"paused_count"`
}

// Cursor is the acquisition resume point.
type Cursor struct {
	CurrentIndex int       `json:"current_index"`
	Total        int       `json:"total"`
	Finished     bool      `json:"finished"`
	LastUpdated  time.Time `json:"last_updated"`
	Stats        Stats     `json:"stats"`
}

// Registry summarises every batch for operators and reporting tools.
type Registry struct {
	Batches     []RegistryEntry `json:"batches"`
	LastUpdated time.Time       `json:"last_updated"`
}

// RegistryEntry is one batch line in the registry.
type RegistryEntry struct {
	BatchID     string     `json:"batch_id"`
	Status      BatchState `json:"status"`
	JobHandle   string     `json:"job_handle,omitempty"`
	Members     int        `json:"total_pdfs"`
	TotalWeight int        `json:"total_weight"`
	Dir         string     `json:"dir"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ValidateKey rejects keys that cannot safely name a file.
func ValidateKey(key string) error {
	switch {
	case strings.TrimSpace(key) == "":
		return fmt.Errorf("empty key")
	case key == "." || key == "..":
		return fmt.Errorf("invalid key %q", key)
	case strings.ContainsAny(key, "/\\\x00"):
		return fmt.Errorf("key %q contains a path separator", key)
	}
	return nil
}
