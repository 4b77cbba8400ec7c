// Package unitrun hosts the process runtime shared by the folio units.
//
// Each unit (acquire, dispatch, cleanup) runs behind the same scaffolding: a
// signal-aware context, a run id, a per-run log file with a stable pointer,
// a single-instance lock, the manifest store, the optional secondary index,
// and the optional metrics listener. The unit body receives all of it through
// Env and reports how many items it processed.
package unitrun
