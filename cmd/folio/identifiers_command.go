package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"folio/internal/identifiers"
	"folio/internal/services"
	"folio/internal/services/archive"
)

func newIdentifiersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identifiers",
		Short: "Build the identifier list the acquisition worker consumes",
	}
	cmd.AddCommand(newIdentifiersFetchCommand(ctx))
	cmd.AddCommand(newIdentifiersImportCommand(ctx))
	return cmd
}

func newIdentifiersFetchCommand(ctx *commandContext) *cobra.Command {
	var query, sortOrder, output string
	var pageSize int
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Search the archive and save every matching identifier",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if strings.TrimSpace(query) == "" {
				return fmt.Errorf("--query is required")
			}
			if pageSize <= 0 {
				pageSize = cfg.Archive.SearchPageSize
			}
			client := archive.New(cfg)
			policy := services.DefaultRetryPolicy()
			policy.OnRetry = func(attempt int, wait time.Duration, err error) {
				fmt.Fprintf(cmd.ErrOrStderr(), "search attempt %d failed (%v); retrying in %s\n", attempt, err, wait)
			}

			var list *identifiers.List
			err = services.Retry(cmd.Context(), policy, func(runCtx context.Context) error {
				var fetchErr error
				list, fetchErr = identifiers.Fetch(runCtx, client, query, sortOrder, pageSize)
				return fetchErr
			})
			if err != nil {
				return fmt.Errorf("fetch identifiers: %w", err)
			}
			target := output
			if target == "" {
				target = cfg.Paths.IdentifiersFile
			}
			if err := identifiers.Save(target, list); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d identifiers to %s\n", len(list.Identifiers), target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Archive search query (e.g. collection:americana)")
	cmd.Flags().StringVar(&sortOrder, "sort", "", "Sort order passed to the search (e.g. date asc)")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Results per search page (default archive.search_page_size)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default paths.identifiers_file)")
	return cmd
}

func newIdentifiersImportCommand(ctx *commandContext) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "import-csv <file>",
		Short: "Import identifiers from the identifier column of a CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			ids, err := identifiers.ImportCSV(f)
			if err != nil {
				return fmt.Errorf("import %s: %w", args[0], err)
			}
			target := output
			if target == "" {
				target = cfg.Paths.IdentifiersFile
			}
			list := &identifiers.List{Identifiers: ids, CreatedAt: time.Now().UTC()}
			if err := identifiers.Save(target, list); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %d identifiers to %s\n", len(ids), target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default paths.identifiers_file)")
	return cmd
}
