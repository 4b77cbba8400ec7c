package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"folio/internal/cleanup"
	"folio/internal/unitrun"
)

const maxReportRows = 50

type cleanupFlags struct {
	dryRun       bool
	yes          bool
	daemon       bool
	olderThan    string
	collection   string
	identifier   string
	limit        int
	maxDeletions int
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var flags cleanupFlags
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete original artifacts whose consolidated results are safely in place",
		Long: "Every candidate must pass the deletion gate: the artifact exists, the item is " +
			"consolidated, a complete consolidated result exists, and the grace period has " +
			"elapsed. Anything that cannot be verified is kept. Use --dry-run to preview.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.daemon {
				return ctx.runUnit(cmd, unitCleanup, cleanupDaemonBody)
			}
			opts, err := flags.runOptions(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			var report *cleanup.Report
			err = ctx.runUnit(cmd, unitCleanup, func(runCtx context.Context, env *unitrun.Env) (int, error) {
				var runErr error
				report, runErr = newCleaner(env).Run(runCtx, opts)
				if errors.Is(runErr, cleanup.ErrDeclined) {
					runErr = nil
				}
				if report == nil {
					return 0, runErr
				}
				return report.Deleted, runErr
			})
			if report != nil {
				renderCleanupReport(cmd.OutOrStdout(), report, shouldColorize(cmd.OutOrStdout()))
			}
			if err != nil {
				return err
			}
			if report.Declined {
				fmt.Fprintln(cmd.OutOrStdout(), "Cleanup cancelled; nothing was deleted.")
				return nil
			}
			if report.HasFailures() {
				return &exitCodeError{code: 1, err: fmt.Errorf("%d deletions failed", report.Failed)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "Report what would be deleted without deleting")
	cmd.Flags().BoolVarP(&flags.yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().BoolVar(&flags.daemon, "daemon", false, "Run unattended passes every cleanup.interval")
	cmd.Flags().StringVar(&flags.olderThan, "older-than", "", "Only items acquired longer ago than this (e.g. 72h, 30d)")
	cmd.Flags().StringVar(&flags.collection, "collection", "", "Only items in this collection")
	cmd.Flags().StringVar(&flags.identifier, "identifier", "", "Only items for this source identifier")
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "Examine at most this many candidates")
	cmd.Flags().IntVar(&flags.maxDeletions, "max-deletions", 0, "Override cleanup.max_deletions for this run")
	return cmd
}

func (f cleanupFlags) runOptions(in io.Reader, out io.Writer) (cleanup.RunOptions, error) {
	opts := cleanup.RunOptions{
		Filters: cleanup.Filters{
			Collection: strings.TrimSpace(f.collection),
			Identifier: strings.TrimSpace(f.identifier),
			Limit:      f.limit,
		},
		DryRun:       f.dryRun,
		MaxDeletions: f.maxDeletions,
	}
	if f.olderThan != "" {
		d, err := parseAge(f.olderThan)
		if err != nil {
			return opts, fmt.Errorf("--older-than: %w", err)
		}
		opts.Filters.OlderThan = d
	}
	if !f.dryRun && !f.yes {
		opts.Confirm = promptConfirm(in, out)
	}
	return opts, nil
}

// parseAge accepts Go durations plus a day suffix ("30d").
func parseAge(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid day count %q", value)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative age %q", value)
	}
	return d, nil
}

func promptConfirm(in io.Reader, out io.Writer) func([]cleanup.Decision) (bool, error) {
	return func(safe []cleanup.Decision) (bool, error) {
		if f, ok := in.(*os.File); !ok || !(isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			return false, errors.New("refusing to delete without confirmation on a non-interactive input; pass --yes or --dry-run")
		}
		var total int64
		for _, d := range safe {
			total += d.Size
		}
		fmt.Fprintf(out, "About to delete %d original artifacts (%s). Continue? [y/N] ", len(safe), formatBytes(total))
		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

func renderCleanupReport(out io.Writer, report *cleanup.Report, colorize bool) {
	title := "Cleanup"
	if report.DryRun {
		title = "Cleanup (dry run)"
	}
	for _, line := range renderSectionHeader(title, colorize) {
		fmt.Fprintln(out, line)
	}

	var rows [][]string
	for _, d := range report.Decisions {
		// Long reports list only the items the run acted on.
		if !d.Safe && len(report.Decisions) > maxReportRows {
			continue
		}
		reason := d.Reason
		if d.Error != "" {
			reason = d.Error
		}
		rows = append(rows, []string{d.Identifier, d.ItemID, string(d.Outcome), formatBytes(d.Size), reason})
	}
	if len(rows) > 0 {
		fmt.Fprintln(out, renderTable(
			[]column{textCol("Identifier"), textCol("Item"), textCol("Outcome"), numCol("Size"), textCol("Reason")},
			rows,
		))
	}

	kind := statusOK
	switch {
	case report.Failed > 0:
		kind = statusError
	case report.Deferred > 0 || report.Declined:
		kind = statusWarn
	}
	fmt.Fprintln(out, renderStatusLine("Checked", statusInfo, strconv.Itoa(report.Checked), colorize))
	fmt.Fprintln(out, renderStatusLine("Safe", statusInfo, strconv.Itoa(report.Safe), colorize))
	fmt.Fprintln(out, renderStatusLine("Kept", statusInfo, strconv.Itoa(report.Skipped), colorize))
	if report.DryRun {
		fmt.Fprintln(out, renderStatusLine("Would delete", kind, strconv.Itoa(report.Safe-report.Deferred), colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Deleted", kind,
			fmt.Sprintf("%d (%s reclaimed), %d failed", report.Deleted, formatBytes(report.ReclaimedBytes), report.Failed), colorize))
	}
	if report.Deferred > 0 {
		fmt.Fprintln(out, renderStatusLine("Deferred", statusWarn, strconv.Itoa(report.Deferred)+" over the deletion limit", colorize))
	}
}
