// Package packer groups pending items into weight-bounded batches and
// materializes each batch as an isolated working directory.
//
// Packing is greedy and order-preserving: items are taken in acquisition
// order and a batch closes as soon as the next item would push it over the
// maximum weight. The trailing open batch is held back until it reaches the
// minimum weight, or until acquisition has finished and the remaining items
// are flushed as a final partial batch.
//
// Materialization writes the batch manifest in the created state before any
// artifact moves, so a crash part way through leaves a batch that Recover can
// complete on the next pass.
package packer
