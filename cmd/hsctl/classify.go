package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/textproc"
)

func init() {
	classifyCmd := &cobra.Command{
		Use:   "classify <query>",
		Short: "Classify a product description",
		Long: `Classify a product description and print the candidates.

When the classifier asks for more information, the --answer values are fed
back one at a time.

Examples:
  hsctl classify "스테인리스 전기 주전자"
  hsctl classify "주전자" --answer "전기로 물을 끓입니다"`,
		Args: cobra.MinimumNArgs(1),
		RunE: runClassify,
	}
	classifyCmd.Flags().StringArray("answer", nil, "answer to a clarifying question (repeatable)")
	classifyCmd.Flags().Bool("json", false, "print the final session as JSON")

	pathCmd := &cobra.Command{
		Use:   "path <code>",
		Short: "Show the catalog hierarchy from chapter down to a code",
		Args:  cobra.ExactArgs(1),
		RunE:  runPath,
	}

	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(pathCmd)
}

func runClassify(cmd *cobra.Command, args []string) error {
	answers, _ := cmd.Flags().GetStringArray("answer")
	asJSON, _ := cmd.Flags().GetBool("json")

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

	sess, err := classifier.Classify(ctx, strings.Join(args, " "), nil)
	if err != nil {
		return err
	}
	for _, answer := range answers {
		if sess.Status != catalog.StatusNeedInfo {
			break
		}
		if sess, err = classifier.Classify(ctx, answer, sess); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	}
	printSession(out, sess)
	return nil
}

func printSession(out io.Writer, sess *catalog.Session) {
	fmt.Fprintf(out, "Status: %s", sess.Status)
	if sess.ResolvedBy != "" {
		fmt.Fprintf(out, " (%s)", sess.ResolvedBy)
	}
	if sess.Rounds > 0 {
		fmt.Fprintf(out, ", %d model rounds", sess.Rounds)
	}
	fmt.Fprintln(out)

	for i, c := range sess.Candidates {
		fmt.Fprintf(out, "%2d. %-10s %.2f  %s", i+1, c.Code, c.Confidence, c.Name)
		if c.CategoryLabel != "" {
			fmt.Fprintf(out, " [%s]", c.CategoryLabel)
		}
		fmt.Fprintln(out)
	}
	for _, q := range sess.Questions {
		fmt.Fprintf(out, "? %s\n", q)
	}
	if sess.Status == catalog.StatusNoMatch && len(sess.AttemptedTerms) > 0 {
		fmt.Fprintf(out, "Tried: %s\n", strings.Join(sess.AttemptedTerms, ", "))
	}
}

func runPath(cmd *cobra.Command, args []string) error {
	code := textproc.DigitsOnly(args[0])
	if !catalog.ValidCode(code) {
		return fmt.Errorf("%q is not an HS code of 2, 4, 6, 8 or 10 digits", args[0])
	}

	ctx := cmd.Context()
	services, err := openServices(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	path, err := services.Paths().Build(ctx, code)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for depth, e := range path {
		fmt.Fprintf(out, "%s%s  %s", strings.Repeat("  ", depth), e.Code, e.NamePrimary)
		if e.NameSecondary != "" {
			fmt.Fprintf(out, " (%s)", e.NameSecondary)
		}
		fmt.Fprintln(out)
	}
	return nil
}
