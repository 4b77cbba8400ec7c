// Command folio drives the document pipeline: acquisition, batch dispatch,
// consolidation, and safety-gated cleanup of a shared working area.
//
// Each unit can run on its own (folio acquire, folio dispatch, folio cleanup)
// or under the coordinator (folio run), which re-executes this binary once per
// unit and halts the group if any unit fails.
package main
