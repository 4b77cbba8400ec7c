// Package manifest is the crash-safe record store that every folio unit reads
// and writes instead of sharing memory.
//
// Each record lives in its own JSON file and is replaced atomically: the new
// content is written to a temporary file in the same directory, fsynced, and
// renamed over the old one, after which the directory itself is fsynced. A
// reader therefore observes either the previous record or the next one, never
// a torn write. Absence of a record means "not yet happened" and is reported
// as ErrNotFound rather than a failure.
//
// Files and their single writer by convention:
//   - items/<item>.meta.json: acquisition creates, later units advance state
//     once they own the item
//   - <batch_dir>/batch.meta.json and batches.json: the dispatch unit
//   - download_progress.json: the acquisition unit
//   - <processed>/<identifier>/<item>.meta.json: the dispatch unit (consolidation)
//   - deletion_audit.jsonl: the cleanup unit, append-only
package manifest
