package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"folio/internal/config"
)

const (
	itemsDirName       = "items"
	itemSuffix         = ".meta.json"
	batchMetaName      = "batch.meta.json"
	registryName       = "batches.json"
	cursorName         = "download_progress.json"
	deletionAuditName  = "deletion_audit.jsonl"
	downloadFailedName = "download_failed"
	errorSuffix        = ".error.json"
	resultContentExt   = ".ocr.json"
)

// Layout names every directory the store reads or writes.
type Layout struct {
	DownloadDir  string
	PendingDir   string
	BatchDir     string
	ProcessedDir string
	ErrorDir     string
	ManifestDir  string
}

// LayoutFromConfig derives the store layout from normalized configuration.
func LayoutFromConfig(cfg *config.Config) Layout {
	return Layout{
		DownloadDir:  cfg.Paths.DownloadDir,
		PendingDir:   cfg.Paths.PendingDir,
		BatchDir:     cfg.Paths.BatchDir,
		ProcessedDir: cfg.Paths.ProcessedDir,
		ErrorDir:     cfg.Paths.ErrorDir,
		ManifestDir:  cfg.Paths.ManifestDir,
	}
}

// Store reads and writes manifest records.
type Store struct {
	layout Layout
}

// Open creates the working-area directories and returns a store over them.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	return NewStore(LayoutFromConfig(cfg))
}

// NewStore returns a store rooted at layout, creating directories as needed.
func NewStore(layout Layout) (*Store, error) {
	dirs := []string{
		layout.DownloadDir,
		layout.PendingDir,
		layout.BatchDir,
		layout.ProcessedDir,
		layout.ManifestDir,
	}
	if layout.ManifestDir != "" {
		dirs = append(dirs, filepath.Join(layout.ManifestDir, itemsDirName))
	}
	if layout.ErrorDir != "" {
		dirs = append(dirs, filepath.Join(layout.ErrorDir, downloadFailedName))
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			return nil, errors.New("manifest layout has an empty directory")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return &Store{layout: layout}, nil
}

// Layout returns the directories backing the store.
func (s *Store) Layout() Layout {
	return s.layout
}

func (s *Store) itemPath(id string) string {
	return filepath.Join(s.layout.ManifestDir, itemsDirName, id+itemSuffix)
}

// PutItem validates and atomically persists item.
func (s *Store) PutItem(item *Item) error {
	if item == nil {
		return errors.New("nil item")
	}
	if err := item.Validate(); err != nil {
		return err
	}
	return WriteJSON(s.itemPath(item.ID), item)
}

// GetItem loads one item. A missing record yields ErrNotFound.
func (s *Store) GetItem(id string) (*Item, error) {
	if err := ValidateKey(id); err != nil {
		return nil, err
	}
	var item Item
	if err := ReadJSON(s.itemPath(id), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// HasItem reports whether an item record exists.
func (s *Store) HasItem(id string) (bool, error) {
	if err := ValidateKey(id); err != nil {
		return false, err
	}
	_, err := os.Stat(s.itemPath(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// ListItems returns every item ordered by acquisition time then id.
func (s *Store) ListItems() ([]*Item, error) {
	dir := filepath.Join(s.layout.ManifestDir, itemsDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list items: %w", err)
	}
	items := make([]*Item, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, itemSuffix) {
			continue
		}
		var item Item
		if err := ReadJSON(filepath.Join(dir, name), &item); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		items = append(items, &item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].AcquiredAt.Equal(items[j].AcquiredAt) {
			return items[i].AcquiredAt.Before(items[j].AcquiredAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

// ItemsInState filters ListItems by state.
func (s *Store) ItemsInState(states ...ItemState) ([]*Item, error) {
	all, err := s.ListItems()
	if err != nil {
		return nil, err
	}
	want := make(map[ItemState]struct{}, len(states))
	for _, st := range states {
		want[st] = struct{}{}
	}
	filtered := all[:0]
	for _, item := range all {
		if _, ok := want[item.State]; ok {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// ItemsForIdentifier returns every item fetched for a source identifier.
func (s *Store) ItemsForIdentifier(identifier string) ([]*Item, error) {
	all, err := s.ListItems()
	if err != nil {
		return nil, err
	}
	var out []*Item
	for _, item := range all {
		if item.Identifier == identifier {
			out = append(out, item)
		}
	}
	return out, nil
}

// BatchDirFor returns the working directory for batch id.
func (s *Store) BatchDirFor(id string) string {
	return filepath.Join(s.layout.BatchDir, id)
}

// PutBatch atomically persists the batch manifest inside its working directory.
func (s *Store) PutBatch(batch *Batch) error {
	if batch == nil {
		return errors.New("nil batch")
	}
	if _, ok := ParseBatchID(batch.ID); !ok {
		return fmt.Errorf("invalid batch id %q", batch.ID)
	}
	if batch.Dir == "" {
		batch.Dir = s.BatchDirFor(batch.ID)
	}
	return WriteJSON(filepath.Join(batch.Dir, batchMetaName), batch)
}

// GetBatch loads one batch manifest.
func (s *Store) GetBatch(id string) (*Batch, error) {
	if _, ok := ParseBatchID(id); !ok {
		return nil, fmt.Errorf("invalid batch id %q", id)
	}
	var batch Batch
	if err := ReadJSON(filepath.Join(s.BatchDirFor(id), batchMetaName), &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ListBatches returns every batch that has a manifest, ordered by number.
// Directories without a manifest are skipped: they were never recorded.
func (s *Store) ListBatches() ([]*Batch, error) {
	entries, err := os.ReadDir(s.layout.BatchDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list batches: %w", err)
	}
	var batches []*Batch
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := ParseBatchID(entry.Name()); !ok {
			continue
		}
		batch, err := s.GetBatch(entry.Name())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		batches = append(batches, batch)
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].Number < batches[j].Number })
	return batches, nil
}

// NextBatchNumber returns one past the highest batch number on disk, counting
// directories even when their manifest is missing so numbers never repeat.
func (s *Store) NextBatchNumber() (int, error) {
	entries, err := os.ReadDir(s.layout.BatchDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("scan batches: %w", err)
	}
	highest := 0
	for _, entry := range entries {
		if n, ok := ParseBatchID(entry.Name()); ok && n > highest {
			highest = n
		}
	}
	return highest + 1, nil
}

// WriteRegistry rewrites batches.json from the given batch manifests.
func (s *Store) WriteRegistry(batches []*Batch, now time.Time) error {
	reg := Registry{Batches: make([]RegistryEntry, 0, len(batches)), LastUpdated: now.UTC()}
	for _, b := range batches {
		reg.Batches = append(reg.Batches, RegistryEntry{
			BatchID:     b.ID,
			Status:      b.State,
			JobHandle:   b.JobHandle,
			Members:     len(b.Members),
			TotalWeight: b.TotalWeight,
			Dir:         b.Dir,
			UpdatedAt:   b.UpdatedAt,
		})
	}
	return WriteJSON(filepath.Join(s.layout.ManifestDir, registryName), reg)
}

// ReadRegistry loads batches.json.
func (s *Store) ReadRegistry() (*Registry, error) {
	var reg Registry
	if err := ReadJSON(filepath.Join(s.layout.ManifestDir, registryName), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// LoadCursor returns the persisted acquisition cursor, or a zero cursor when
// acquisition has never run.
func (s *Store) LoadCursor() (Cursor, error) {
	var cursor Cursor
	err := ReadJSON(filepath.Join(s.layout.ManifestDir, cursorName), &cursor)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Cursor{}, err
	}
	return cursor, nil
}

// SaveCursor persists the acquisition cursor and its cumulative stats.
func (s *Store) SaveCursor(cursor Cursor) error {
	return WriteJSON(filepath.Join(s.layout.ManifestDir, cursorName), cursor)
}

func (s *Store) errorPath(identifier string) string {
	return filepath.Join(s.layout.ErrorDir, downloadFailedName, identifier+errorSuffix)
}

// RecordError writes the latest failure for an identifier.
func (s *Store) RecordError(rec ErrorRecord) error {
	if err := ValidateKey(rec.Identifier); err != nil {
		return fmt.Errorf("error record: %w", err)
	}
	return WriteJSON(s.errorPath(rec.Identifier), rec)
}

// ClearError removes a stale failure record after a later success.
func (s *Store) ClearError(identifier string) error {
	if err := ValidateKey(identifier); err != nil {
		return err
	}
	if err := os.Remove(s.errorPath(identifier)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ListErrors returns every recorded acquisition failure.
func (s *Store) ListErrors() ([]ErrorRecord, error) {
	dir := filepath.Join(s.layout.ErrorDir, downloadFailedName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []ErrorRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), errorSuffix) || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		var rec ErrorRecord
		if err := ReadJSON(filepath.Join(dir, entry.Name()), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResultPaths returns the metadata anchor and content paths for an item's
// consolidated result.
func (s *Store) ResultPaths(identifier, itemID string) (meta, content string) {
	dir := filepath.Join(s.layout.ProcessedDir, identifier)
	return filepath.Join(dir, itemID+itemSuffix), filepath.Join(dir, itemID+resultContentExt)
}

// PutResult writes the processed content and then the metadata anchor, so an
// anchor never points at content that was not durably written. Both files are
// replaced rather than duplicated on re-run.
func (s *Store) PutResult(result *ConsolidatedResult, content any) error {
	if result == nil {
		return errors.New("nil result")
	}
	if err := ValidateKey(result.Identifier); err != nil {
		return fmt.Errorf("result identifier: %w", err)
	}
	if err := ValidateKey(result.ItemID); err != nil {
		return fmt.Errorf("result item: %w", err)
	}
	metaPath, contentPath := s.ResultPaths(result.Identifier, result.ItemID)
	if err := WriteJSON(contentPath, content); err != nil {
		return err
	}
	result.ArtifactPointer = contentPath
	return WriteJSON(metaPath, result)
}

// GetResult loads a consolidated result anchor.
func (s *Store) GetResult(identifier, itemID string) (*ConsolidatedResult, error) {
	if err := ValidateKey(identifier); err != nil {
		return nil, err
	}
	if err := ValidateKey(itemID); err != nil {
		return nil, err
	}
	metaPath, _ := s.ResultPaths(identifier, itemID)
	var result ConsolidatedResult
	if err := ReadJSON(metaPath, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeletionAuditPath returns the append-only deletion log location.
func (s *Store) DeletionAuditPath() string {
	return filepath.Join(s.layout.ManifestDir, deletionAuditName)
}

// AppendDeletion appends one audit record.
func (s *Store) AppendDeletion(rec DeletionRecord) error {
	return AppendJSONLine(s.DeletionAuditPath(), rec)
}

// ListDeletions reads the deletion audit log. A torn final line from a crash
// mid-append is ignored.
func (s *Store) ListDeletions() ([]DeletionRecord, error) {
	var out []DeletionRecord
	err := ReadJSONLines(s.DeletionAuditPath(), func(line []byte) error {
		var rec DeletionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}
