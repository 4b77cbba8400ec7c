// Package consolidate splits a batch's combined raw output into per-item
// results and merges each with the item's original acquisition metadata.
//
// The external engine writes newline-delimited JSON whose nesting is not
// fixed. Records are located by a recursive walk that looks for a source
// file reference under any of several keys, either on the record itself or
// in its metadata (which may arrive as a JSON-encoded string). A mapping that
// only names a source and holds nested content passes the source down to its
// children. Records are grouped by the base name of their source file and
// matched to batch members by file stem.
//
// Writing results is idempotent: outputs are keyed by identifier and item id
// and are overwritten on a re-run rather than duplicated.
package consolidate
