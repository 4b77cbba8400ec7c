// Package scheduler drives the external batch-compute system through its
// command-line interface: submission with sbatch, state queries with sacct,
// and page counting with pdfinfo for batch weights and walltime estimates.
package scheduler
