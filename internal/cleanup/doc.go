// Package cleanup deletes original artifacts once their consolidated results
// are durable and old enough.
//
// Every candidate passes through an ordered gate that fails closed: the
// artifact must be present, a consolidated result must exist and be
// readable, and the grace period since consolidation must have elapsed. Any
// error or panic while evaluating the gate counts as unsafe. A deletion
// updates the manifest and appends an audit record only after the file has
// actually been removed.
package cleanup
