// Package identifiers manages the ordered identifier list the acquisition
// worker consumes. The list is fetched once and persisted so a long run never
// depends on a live paginated query.
package identifiers

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"folio/internal/manifest"
)

// List is the persisted identifier file.
type List struct {
	Query       string    `json:"query,omitempty"`
	SortOrder   string    `json:"sort_order,omitempty"`
	TotalCount  int       `json:"total_count"`
	Identifiers []string  `json:"identifiers"`
	CreatedAt   time.Time `json:"created_at"`
}

// Searcher lists identifiers matching a query.
type Searcher interface {
	Search(ctx context.Context, query, sortOrder string, pageSize int) ([]string, int, error)
}

// Fetch runs query against the source and returns a deduplicated list.
func Fetch(ctx context.Context, s Searcher, query, sortOrder string, pageSize int) (*List, error) {
	ids, _, err := s.Search(ctx, query, sortOrder, pageSize)
	if err != nil {
		return nil, err
	}
	ids = Dedupe(ids)
	return &List{
		Query:       query,
		SortOrder:   sortOrder,
		TotalCount:  len(ids),
		Identifiers: ids,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Load reads an identifier list. JSON files use the List layout; any other
// extension is read as one identifier per line with # comments.
func Load(path string) (*List, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var list List
		if err := manifest.ReadJSON(path, &list); err != nil {
			return nil, err
		}
		list.Identifiers = Dedupe(list.Identifiers)
		list.TotalCount = len(list.Identifiers)
		return &list, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", manifest.ErrNotFound, path)
		}
		return nil, err
	}
	defer f.Close()
	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids = append(ids, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	ids = Dedupe(ids)
	return &List{TotalCount: len(ids), Identifiers: ids}, nil
}

// Save atomically writes list as JSON.
func Save(path string, list *List) error {
	if list == nil {
		return errors.New("nil identifier list")
	}
	list.TotalCount = len(list.Identifiers)
	return manifest.WriteJSON(path, list)
}

// ImportCSV reads the "identifier" column of a CSV export.
func ImportCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("csv is empty")
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	col := -1
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")), "identifier") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errors.New("csv has no identifier column")
	}
	var ids []string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		if col >= len(record) {
			continue
		}
		if id := strings.TrimSpace(record[col]); id != "" {
			ids = append(ids, id)
		}
	}
	return Dedupe(ids), nil
}

// Dedupe drops repeated identifiers while keeping first-seen order.
func Dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
