package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"folio/internal/config"
	"folio/internal/index"
	"folio/internal/jobs"
	"folio/internal/manifest"
	"folio/internal/services/scheduler"
)

func newBatchesCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect and recover batches",
	}
	cmd.AddCommand(newBatchesListCommand(ctx))
	cmd.AddCommand(newBatchesResubmitCommand(ctx))
	return cmd
}

func newBatchesListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches and their job state",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := ctx.openStore()
			if err != nil {
				return err
			}
			batches, err := store.ListBatches()
			if err != nil {
				return err
			}
			filtered := filterBatches(batches, states)
			out := cmd.OutOrStdout()
			if len(filtered) == 0 {
				fmt.Fprintln(out, "No batches")
				return nil
			}
			fmt.Fprintln(out, renderBatchTable(filtered))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Only batches in these states (created, submitted, running, completed, failed)")
	return cmd
}

func filterBatches(batches []*manifest.Batch, states []string) []*manifest.Batch {
	if len(states) == 0 {
		return batches
	}
	want := make(map[manifest.BatchState]bool, len(states))
	for _, s := range states {
		want[manifest.BatchState(strings.ToLower(strings.TrimSpace(s)))] = true
	}
	out := make([]*manifest.Batch, 0, len(batches))
	for _, b := range batches {
		if want[b.State] {
			out = append(out, b)
		}
	}
	return out
}

func renderBatchTable(batches []*manifest.Batch) string {
	rows := make([][]string, 0, len(batches))
	for _, b := range batches {
		note := b.LastError
		if note == "" && b.Consolidation != nil {
			note = fmt.Sprintf("%d written, %d anomalies", b.Consolidation.Written, len(b.Consolidation.Anomalies))
		}
		rows = append(rows, []string{
			b.ID,
			string(b.State),
			strconv.Itoa(len(b.Members)),
			strconv.Itoa(b.TotalWeight),
			valueOr(b.JobHandle, "-"),
			formatStamp(b.SubmittedAt),
			formatStamp(&b.UpdatedAt),
			note,
		})
	}
	return renderTable([]column{
		textCol("Batch"), textCol("State"), numCol("Items"), numCol("Weight"),
		textCol("Job"), textCol("Submitted"), textCol("Updated"), textCol("Notes"),
	}, rows)
}

func newBatchesResubmitCommand(ctx *commandContext) *cobra.Command {
	var requeue bool
	cmd := &cobra.Command{
		Use:   "resubmit <batch_id>",
		Short: "Return a failed batch to the dispatcher",
		Long: "Without flags the failed batch is reset to created with the same members and " +
			"is submitted again on the next dispatch cycle. With --requeue its members go " +
			"back to the pending queue to be repacked, and the batch stays failed. A completed " +
			"batch can be requeued too: members missing from its job output go back to pending.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := ctx.openStore()
			if err != nil {
				return err
			}
			var opts []jobs.Option
			if idx := openIndexQuietly(cmd.Context(), cfg, cmd.ErrOrStderr()); idx != nil {
				defer idx.Close()
				opts = append(opts, jobs.WithIndex(idx))
			}
			sub := jobs.NewSubmitter(cfg, store, scheduler.New(cfg), opts...)
			batch, err := sub.Resubmit(cmd.Context(), args[0], requeue)
			if err != nil {
				return err
			}
			if err := jobs.RefreshRegistry(store, time.Now()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warn: registry not refreshed: %v\n", err)
			}
			out := cmd.OutOrStdout()
			if requeue {
				fmt.Fprintf(out, "%s: %s\n", batch.ID, batch.LastError)
				return nil
			}
			fmt.Fprintf(out, "%s reset to %s; it is submitted on the next dispatch cycle\n", batch.ID, batch.State)
			return nil
		},
	}
	cmd.Flags().BoolVar(&requeue, "requeue", false, "Move members back to the pending queue instead of resubmitting the batch")
	return cmd
}

// openIndexQuietly returns the configured index, or nil when it is disabled
// or unreachable. The manifest is authoritative, so commands proceed either way.
func openIndexQuietly(ctx context.Context, cfg *config.Config, warn io.Writer) *index.Index {
	idx, err := index.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(warn, "warn: secondary index unavailable: %v\n", err)
		return nil
	}
	return idx
}
