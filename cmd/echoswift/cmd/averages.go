package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/echoswift/echoswift/internal/results"
)

var (
	averagesOutputTokens []int
	averagesOut          string
)

var averagesCmd = &cobra.Command{
	Use:   "averages <raw.csv>",
	Short: "Average a raw per-request metrics file",
	Long: `Split a raw metrics file into blank-line separated blocks, average each
block, and tag block i with the output token length it was run at. The
result is written next to the input as avg_<name> unless --out is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runAverages,
}

func init() {
	averagesCmd.Flags().IntSliceVar(&averagesOutputTokens, "output-tokens", nil, "Output token lengths in run order (default: config output_tokens)")
	averagesCmd.Flags().StringVar(&averagesOut, "out", "", "Averaged file path")
	rootCmd.AddCommand(averagesCmd)
}

func runAverages(cmd *cobra.Command, args []string) error {
	raw := args[0]
	tokens := averagesOutputTokens
	if len(tokens) == 0 {
		tokens = cfg.OutputTokens
	}

	records, err := results.Average(raw, tokens)
	if err != nil {
		return err
	}

	out := averagesOut
	if out == "" {
		out = filepath.Join(filepath.Dir(raw), "avg_"+filepath.Base(raw))
	}
	if err := results.WriteAveraged(out, records); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, strings.Join(results.AveragedHeader, ","))
	for _, rec := range records {
		fmt.Fprintln(w, strings.Join(rec.Row(), ","))
	}
	fmt.Fprintf(w, "\nAveraged results written to %s\n", out)
	return nil
}
