package main

import (
	"fmt"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/embedding"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

func init() {
	embedCmd := &cobra.Command{
		Use:   "embed",
		Short: "Generate embeddings for catalog entries",
		Long: `Embed catalog entries that have no vector yet, in code order.

A failed batch is retried once and then skipped, so the command can be re-run
to pick up what is missing. --force re-embeds every entry, which is how a new
embedding model is rolled out. --code re-embeds only the named entries. With
the zilliz vector index the collection is synced afterwards.`,
		Args: cobra.NoArgs,
		RunE: runEmbed,
	}

	embedCmd.Flags().Int("batch-size", 0, "entries per embedding request (default from config)")
	embedCmd.Flags().Bool("force", false, "re-embed entries that already have a vector")
	embedCmd.Flags().StringArray("code", nil, "re-embed this entry (repeatable)")
	embedCmd.MarkFlagsMutuallyExclusive("force", "code")

	rootCmd.AddCommand(embedCmd)
}

func runEmbed(cmd *cobra.Command, _ []string) error {
	batchSize, _ := cmd.Flags().GetInt("batch-size")
	force, _ := cmd.Flags().GetBool("force")
	rawCodes, _ := cmd.Flags().GetStringArray("code")

	codes := make([]string, 0, len(rawCodes))
	for _, raw := range rawCodes {
		code := textproc.DigitsOnly(raw)
		if !catalog.ValidCode(code) {
			return fmt.Errorf("%q is not an HS code of 2, 4, 6, 8 or 10 digits", raw)
		}
		codes = append(codes, code)
	}

	ctx := cmd.Context()
	services, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	generator, err := services.Generator()
	if err != nil {
		return err
	}

	if len(codes) > 0 {
		if err := generator.Reset(ctx, codes); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionShowCount(),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("[cyan][bold]Embedding catalog...[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Fprintln(cmd.ErrOrStderr())
				}),
			)
		}
		if err := bar.Set(done); err != nil {
			logger.Warn("Failed to update progress bar", zap.Error(err))
		}
	}

	report, err := generator.Run(ctx, embedding.Options{
		BatchSize: batchSize,
		Resume:    !force,
		Progress:  progress,
	})
	if bar != nil {
		_ = bar.Finish()
	}

	fmt.Fprintf(out, "Embedded: %d\n", report.Processed)
	fmt.Fprintf(out, "Skipped:  %d\n", report.Skipped)
	fmt.Fprintf(out, "Failed:   %d\n", report.Failed)
	if len(report.FailedCodes) > 0 {
		fmt.Fprintf(out, "Failed codes: %s\n", strings.Join(report.FailedCodes, ", "))
	}
	if err != nil {
		return err
	}

	if services.Zilliz != nil {
		synced, err := services.Zilliz.Sync(ctx)
		if err != nil {
			return fmt.Errorf("failed to sync zilliz collection: %w", err)
		}
		fmt.Fprintf(out, "Synced %d vectors to zilliz, removed %d\n", synced.Upserted, synced.Removed)
	}
	return nil
}
