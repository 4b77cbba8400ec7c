// Package jobs drives materialized batches through the external scheduler.
//
// The Submitter hands created batches to the scheduler and records the job
// handle only after the scheduler has returned one. The Poller queries
// submitted and running batches, consolidates completed ones, and marks
// failed ones for operator attention. Scheduler errors are retried with
// backoff and never change batch state; only a definitive answer does.
//
// The Dispatcher runs packing, submission, and polling as one long-running
// unit and keeps the batch registry current after every pass.
package jobs
