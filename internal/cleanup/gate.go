package cleanup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"folio/internal/logging"
	"folio/internal/manifest"
)

// ReasonSafe is reported when every check passes.
const ReasonSafe = "all safety checks passed"

// IsSafeToDelete evaluates the deletion gate for item. Checks run in order
// and stop at the first failure.
func (c *Cleaner) IsSafeToDelete(item *manifest.Item) (safe bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			safe = false
			reason = fmt.Sprintf("gate error: %v", r)
		}
	}()
	if item == nil {
		return false, "gate error: nil item"
	}

	// artifact present
	switch {
	case item.State == manifest.ItemDeleted:
		return false, "artifact already deleted"
	case !item.HasArtifact():
		return false, "no artifact path recorded"
	}
	info, err := os.Stat(item.ArtifactPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, "artifact not found at " + item.ArtifactPath
		}
		return false, fmt.Sprintf("gate error: %v", err)
	}
	if !info.Mode().IsRegular() {
		return false, "artifact is not a regular file"
	}

	// result exists
	if item.State != manifest.ItemConsolidated {
		return false, fmt.Sprintf("item state is %q, not consolidated", item.State)
	}
	result, err := c.store.GetResult(item.Identifier, item.ID)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return false, "no consolidated result"
		}
		return false, fmt.Sprintf("consolidated result unreadable: %v", err)
	}

	// result content
	if result.ItemID != item.ID || result.ConsolidatedAt.IsZero() || result.RecordCount < 1 {
		return false, "consolidated result is empty or incomplete"
	}
	contentMissing := false
	if result.ArtifactPointer != "" {
		missing, reason := checkContent(result.ArtifactPointer)
		if reason != "" {
			return false, reason
		}
		contentMissing = missing
	}

	// grace period
	elapsed := c.now().Sub(result.ConsolidatedAt)
	if elapsed < c.grace {
		remaining := (c.grace - elapsed).Round(time.Hour)
		return false, fmt.Sprintf("grace period not elapsed (%s remaining)", remaining)
	}

	// Soft check: the merged anchor is the durable record, so missing
	// content only warns. Content that exists must parse.
	if contentMissing {
		logging.WarnWithContext(c.logger, "consolidated content file missing", "cleanup_content_missing",
			logging.Identifier(item.Identifier),
			logging.String("content_path", result.ArtifactPointer),
			logging.String(logging.FieldImpact, "deletion proceeds; the merged result record is retained"),
		)
	}
	return true, ReasonSafe
}

// checkContent reads the processed content file. It reports missing when the
// file does not exist, and a non-empty reason when the file exists but is not
// a non-empty JSON list of records.
func checkContent(path string) (missing bool, reason string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, ""
		}
		return false, fmt.Sprintf("consolidated content unreadable: %v", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return false, fmt.Sprintf("consolidated content is not valid JSON: %v", err)
	}
	if len(records) == 0 {
		return false, "consolidated content has no records"
	}
	return false, ""
}
