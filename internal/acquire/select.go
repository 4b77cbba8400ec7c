package acquire

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"folio/internal/manifest"
	"folio/internal/services/archive"
)

// Selector decides which files of an item are artifacts.
type Selector struct {
	Format          string
	Suffix          string
	ExcludeSuffixes []string
	FetchAll        bool
}

// Matches reports whether file passes the artifact filter.
func (s Selector) Matches(file archive.File) bool {
	name := strings.ToLower(file.Name)
	if name == "" {
		return false
	}
	for _, ex := range s.ExcludeSuffixes {
		if strings.HasSuffix(name, ex) {
			return false
		}
	}
	if s.Suffix != "" && strings.HasSuffix(name, s.Suffix) {
		return true
	}
	return s.Format != "" && strings.Contains(strings.ToUpper(file.Format), strings.ToUpper(s.Format))
}

// Select returns the first matching file, or every matching file in FetchAll
// mode, preserving listing order and dropping duplicate names.
func (s Selector) Select(files []archive.File) []archive.File {
	var out []archive.File
	seen := make(map[string]struct{})
	for _, f := range files {
		if !s.Matches(f) {
			continue
		}
		if _, dup := seen[f.Name]; dup {
			continue
		}
		seen[f.Name] = struct{}{}
		out = append(out, f)
		if !s.FetchAll {
			break
		}
	}
	return out
}

// ItemID names the item for file. Single-artifact mode keys by identifier;
// fetch-all mode appends the sanitized file stem so each artifact is unique.
func (s Selector) ItemID(identifier string, file archive.File) string {
	if !s.FetchAll {
		return identifier
	}
	stem := strings.TrimSuffix(filepath.Base(file.Name), filepath.Ext(file.Name))
	return identifier + "__" + sanitize(stem)
}

// ArtifactName is the on-disk file name for an item.
func (s Selector) ArtifactName(itemID string) string {
	suffix := s.Suffix
	if suffix == "" {
		suffix = ".pdf"
	}
	return itemID + suffix
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "file"
	}
	return s
}

var yearPattern = regexp.MustCompile(`\d{4}`)

// describe extracts the display fields kept alongside the raw metadata bag.
func describe(meta map[string]any) (title, creator, year, collection string) {
	title = manifest.CleanText(joinValue(meta["title"]))
	creator = manifest.CleanText(joinValue(meta["creator"]))
	for _, key := range []string{"date", "year"} {
		if m := yearPattern.FindString(joinValue(meta[key])); m != "" {
			year = m
			break
		}
	}
	switch v := meta["collection"].(type) {
	case string:
		collection = v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				collection = s
			}
		}
	}
	return title, creator, year, strings.TrimSpace(collection)
}

func joinValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			if s := strings.TrimSpace(joinValue(p)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}
