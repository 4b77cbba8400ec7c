// Package preflight provides readiness checks for the working area and the
// collaborators folio depends on.
//
// These checks run in two contexts:
//   - "folio run" calls RunAll before starting units and refuses to start
//     when a required check fails, so a misconfigured scheduler does not
//     surface hours later as a wall of failed batches.
//   - "folio status" renders the same results alongside unit liveness.
//
// Optional collaborators (the secondary index, the page counter) report
// as skipped or optional rather than failing.
package preflight
