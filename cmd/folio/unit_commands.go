package main

import (
	"github.com/spf13/cobra"

	"folio/internal/unitrun"
)

func (c *commandContext) runUnit(cmd *cobra.Command, unit string, body unitrun.Body) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	return unitrun.Run(cmd.Context(), cfg, unitrun.Options{Unit: unit, LogLevel: c.logLevel()}, body)
}

func newAcquireCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire",
		Short: "Download artifacts for the identifier list into the pending queue",
		Long: "Walks the identifier list from the saved cursor, pausing while the " +
			"working filesystem is above acquire.capacity_threshold. Exits once the " +
			"list is exhausted; re-running resumes where the previous run stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runUnit(cmd, unitAcquire, acquireBody)
		},
	}
}

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var exitWhenDrained bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Pack pending items into batches, submit them, and consolidate results",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.runUnit(cmd, unitDispatch, dispatchBody(exitWhenDrained))
		},
	}
	cmd.Flags().BoolVar(&exitWhenDrained, "exit-when-drained", false, "Exit once acquisition has finished and every batch is terminal")
	return cmd
}
