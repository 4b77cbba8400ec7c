package consolidate

import (
	"encoding/json"
	"path"
	"sort"
	"strings"
)

// SourceKeys are checked in order, first in a record's metadata and then on
// the record itself.
var SourceKeys = []string{
	"Source-File",
	"source_file",
	"source",
	"filename",
	"file_name",
	"path",
	"filepath",
	"pdf",
	"pdf_name",
	"document",
	"document_name",
}

const metadataKey = "metadata"

// Visitor receives each record found by Walk along with its source reference.
type Visitor func(record map[string]any, source string)

// Walk searches v for records. A mapping with scalar content and a known
// source (its own or inherited) is a record and is not searched further. Any
// other mapping or sequence is searched recursively, passing down the nearest
// source seen.
func Walk(v any, inherited string, visit Visitor) {
	switch node := v.(type) {
	case map[string]any:
		source := SourceOf(node)
		if source == "" {
			source = inherited
		}
		if source != "" && hasScalarContent(node) {
			visit(node, source)
			return
		}
		keys := make([]string, 0, len(node))
		for key := range node {
			if key != metadataKey {
				keys = append(keys, key)
			}
		}
		sort.Strings(keys)
		for _, key := range keys {
			Walk(node[key], source, visit)
		}
	case []any:
		for _, child := range node {
			Walk(child, inherited, visit)
		}
	}
}

// SourceOf returns the source reference named directly by m, or "".
func SourceOf(m map[string]any) string {
	if md := metadataOf(m[metadataKey]); md != nil {
		if s := lookupSource(md); s != "" {
			return s
		}
	}
	return lookupSource(m)
}

// GroupKey normalizes a source reference to the file base name used for
// grouping. Both slash styles are accepted.
func GroupKey(source string) string {
	source = strings.ReplaceAll(strings.TrimSpace(source), "\\", "/")
	if source == "" {
		return ""
	}
	return path.Base(source)
}

// Stem strips the extension from a group key.
func Stem(key string) string {
	return strings.TrimSuffix(key, path.Ext(key))
}

func lookupSource(m map[string]any) string {
	for _, key := range SourceKeys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

func metadataOf(v any) map[string]any {
	switch md := v.(type) {
	case map[string]any:
		return md
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(md), &parsed); err == nil {
			return parsed
		}
	}
	return nil
}

func hasScalarContent(m map[string]any) bool {
	for key, v := range m {
		if key == metadataKey {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		default:
			if !isSourceKey(key) {
				return true
			}
		}
	}
	return false
}

func isSourceKey(key string) bool {
	for _, k := range SourceKeys {
		if k == key {
			return true
		}
	}
	return false
}
