package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/ingestion"
)

func init() {
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load the tariff catalog from a customs workbook or CSV export",
		Long: `Load the tariff catalog into the configured store.

Examples:
  # Import the per-level customs workbook
  hsctl ingest --workbook HS부호_2026.xlsx

  # Import the flat CSV export together with curated aliases
  hsctl ingest --csv hs_codes.csv --aliases aliases.yaml

  # Only merge aliases onto the catalog already stored
  hsctl ingest --aliases aliases.yaml`,
		Args: cobra.NoArgs,
		RunE: runIngest,
	}

	ingestCmd.Flags().String("workbook", "", "customs workbook (.xlsx) with one sheet per level")
	ingestCmd.Flags().String("csv", "", "flat customs CSV export")
	ingestCmd.Flags().String("aliases", "", "YAML file of aliases and keywords per code")
	ingestCmd.MarkFlagsMutuallyExclusive("workbook", "csv")

	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, _ []string) error {
	workbook, _ := cmd.Flags().GetString("workbook")
	csvPath, _ := cmd.Flags().GetString("csv")
	aliasPath, _ := cmd.Flags().GetString("aliases")
	if workbook == "" && csvPath == "" && aliasPath == "" {
		return fmt.Errorf("one of --workbook, --csv or --aliases is required")
	}

	var seeds map[string]ingestion.Seed
	if aliasPath != "" {
		f, err := os.Open(aliasPath)
		if err != nil {
			return fmt.Errorf("failed to open aliases: %w", err)
		}
		seeds, err = ingestion.LoadAliases(f)
		f.Close()
		if err != nil {
			return err
		}
	}

	var (
		entries []catalog.Entry
		stats   ingestion.Stats
		err     error
	)
	switch {
	case workbook != "":
		entries, stats, err = ingestion.ReadWorkbook(workbook)
	case csvPath != "":
		var f *os.File
		f, err = os.Open(csvPath)
		if err != nil {
			return fmt.Errorf("failed to open csv: %w", err)
		}
		defer f.Close()
		entries, stats, err = ingestion.ReadCSV(f)
	}
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	services, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	out := cmd.OutOrStdout()
	importer := services.Importer()

	if entries == nil {
		updated, unknown, err := importer.SeedExisting(ctx, seeds)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Updated %d entries from %s\n", updated, aliasPath)
		printUnknown(cmd, unknown)
		return nil
	}

	report, err := importer.Import(ctx, entries, seeds)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Rows read:      %d\n", stats.Rows)
	fmt.Fprintf(out, "Invalid rows:   %d\n", stats.Invalid)
	fmt.Fprintf(out, "Expired codes:  %d\n", report.Expired)
	fmt.Fprintf(out, "Duplicates:     %d\n", report.Duplicates)
	fmt.Fprintf(out, "Entries stored: %d\n", report.Written)
	printUnknown(cmd, report.UnknownSeeds)

	// Changed names cleared their embeddings; drop those vectors now rather
	// than at the next embed run.
	if services.Zilliz != nil {
		synced, err := services.Zilliz.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to sync zilliz collection: %w", err)
		}
		fmt.Fprintf(out, "Vectors removed: %d\n", synced.Removed)
	}
	return nil
}

func printUnknown(cmd *cobra.Command, codes []string) {
	if len(codes) == 0 {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Aliases for unknown codes were skipped: %s\n", strings.Join(codes, ", "))
}
