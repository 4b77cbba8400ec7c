package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"folio/internal/capacity"
	"folio/internal/config"
	"folio/internal/manifest"
	"folio/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var checks bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show unit liveness, queue counts, batches, and disk usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := ctx.openStore()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			renderUnits(out, preflight.ProbeUnits(cfg.Paths.LogDir, unitAcquire, unitDispatch, unitCleanup), colorize)
			if err := renderPipeline(out, cfg, store, colorize); err != nil {
				return err
			}
			if idx := openIndexQuietly(cmd.Context(), cfg, cmd.ErrOrStderr()); idx != nil {
				defer idx.Close()
				runs, err := idx.RecentRuns(cmd.Context(), 8)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warn: list runs: %v\n", err)
				} else if len(runs) > 0 {
					fmt.Fprintln(out)
					for _, line := range renderSectionHeader("Recent runs", colorize) {
						fmt.Fprintln(out, line)
					}
					rows := make([][]string, 0, len(runs))
					for _, r := range runs {
						rows = append(rows, []string{r.Phase, r.Status, formatStamp(&r.StartedAt), formatStamp(r.FinishedAt), strconv.Itoa(r.ItemsProcessed), r.Error})
					}
					fmt.Fprintln(out, renderTable(
						[]column{textCol("Unit"), textCol("Status"), textCol("Started"), textCol("Finished"), numCol("Processed"), textCol("Error")},
						rows,
					))
				}
			}
			if checks {
				fmt.Fprintln(out)
				renderPreflight(out, preflight.RunAll(cmd.Context(), cfg), colorize)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checks, "checks", false, "Also run preflight checks")
	return cmd
}

func renderUnits(out io.Writer, units []preflight.UnitStatus, colorize bool) {
	for _, line := range renderSectionHeader("Units", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, u := range units {
		if u.Running {
			detail := "running"
			if u.PID > 0 {
				detail = fmt.Sprintf("running (pid %d)", u.PID)
			}
			fmt.Fprintln(out, renderStatusLine(u.Name, statusOK, detail, colorize))
			continue
		}
		fmt.Fprintln(out, renderStatusLine(u.Name, statusInfo, "stopped", colorize))
	}
}

func renderPipeline(out io.Writer, cfg *config.Config, store *manifest.Store, colorize bool) error {
	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Acquisition", colorize) {
		fmt.Fprintln(out, line)
	}
	cursor, err := store.LoadCursor()
	if err != nil {
		return err
	}
	position := fmt.Sprintf("%d / %d", cursor.CurrentIndex, cursor.Total)
	kind := statusInfo
	if cursor.Finished {
		position += " (finished)"
		kind = statusOK
	}
	fmt.Fprintln(out, renderStatusLine("Cursor", kind, position, colorize))
	fmt.Fprintln(out, renderStatusLine("Outcomes", statusInfo, fmt.Sprintf("%d downloaded, %d skipped, %d without artifact, %d failed, paused %d times",
		cursor.Stats.Downloaded, cursor.Stats.Skipped, cursor.Stats.NoArtifact, cursor.Stats.Failed, cursor.Stats.PausedCount), colorize))

	if total, used, err := capacity.NewFSMonitor(cfg.Paths.PendingDir).Usage(); err == nil && total > 0 {
		fraction := float64(used) / float64(total)
		diskKind := statusOK
		if fraction >= cfg.Acquire.CapacityThreshold {
			diskKind = statusWarn
		}
		fmt.Fprintln(out, renderStatusLine("Disk", diskKind, fmt.Sprintf("%s of %s used (%.1f%%, pause at %.0f%%)",
			formatBytes(int64(used)), formatBytes(int64(total)), fraction*100, cfg.Acquire.CapacityThreshold*100), colorize))
	}

	errs, err := store.ListErrors()
	if err != nil {
		return err
	}
	if len(errs) > 0 {
		fmt.Fprintln(out, renderStatusLine("Acquire errors", statusWarn, strconv.Itoa(len(errs))+" identifiers in "+cfg.Paths.ErrorDir, colorize))
	}

	items, err := store.ListItems()
	if err != nil {
		return err
	}
	itemCounts := map[string]int{}
	for _, item := range items {
		itemCounts[string(item.State)]++
	}
	batches, err := store.ListBatches()
	if err != nil {
		return err
	}
	batchCounts := map[string]int{}
	for _, b := range batches {
		batchCounts[string(b.State)]++
	}

	fmt.Fprintln(out)
	for _, line := range renderSectionHeader("Queue", colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderTable([]column{textCol("Items"), numCol("Count")}, countRows(itemCounts)))
	fmt.Fprintln(out, renderTable([]column{textCol("Batches"), numCol("Count")}, countRows(batchCounts)))

	var active []*manifest.Batch
	for _, b := range batches {
		if b.Active() || b.State == manifest.BatchFailed {
			active = append(active, b)
		}
	}
	if len(active) > 0 {
		fmt.Fprintln(out, renderBatchTable(active))
	}
	return nil
}

func countRows(counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	if len(rows) == 0 {
		rows = append(rows, []string{"(none)", "0"})
	}
	return rows
}
