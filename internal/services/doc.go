// Package services defines shared utilities consumed by the pipeline units and
// their external collaborators.
//
// Key responsibilities:
//   - Context helpers that stamp item identifiers, batch ids, and run ids for
//     logging.
//   - Structured error markers plus the Wrap helper that classify failures as
//     transient (retry), per-item, or configuration (fatal).
//   - Retry with bounded exponential backoff for transient collaborator errors.
//
// Collaborator adapters live in subpackages: archive (acquisition source) and
// scheduler (external batch compute).
package services
