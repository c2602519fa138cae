package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hs-classifier/backend/internal/evaluation"
)

func init() {
	evalCmd := &cobra.Command{
		Use:   "eval <dataset.yaml>",
		Short: "Measure classifier accuracy on a labelled query set",
		Long: `Run every query of a labelled YAML set through the classifier and report
top-1 accuracy, top-5 recall, status counts and the resolving stages.

Dataset format:
  name: kitchen appliances
  items:
    - query: 전기 주전자
      expected: "8516101000"
    - query: 주전자
      expected: "8516"
      answers: ["전기로 물을 끓입니다"]`,
		Args: cobra.ExactArgs(1),
		RunE: runEval,
	}

	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	dataset, err := evaluation.LoadDataset(f)
	f.Close()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	services, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	classifier, err := services.Classifier(ctx)
	if err != nil {
		return err
	}

	evaluator := evaluation.NewEvaluator(classifier)
	if recorder := services.Recorder(); recorder != nil {
		evaluator.WithRecorder(recorder)
	}

	report, err := evaluator.RunDatasetEvaluation(ctx, dataset)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), evaluator.GenerateReport(report))
	return nil
}
