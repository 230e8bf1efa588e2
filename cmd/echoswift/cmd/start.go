package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/echoswift/echoswift/internal/service/bench"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the benchmark matrix",
	Long: `Run every user count against every input token bucket in the config,
sweeping the full output token list in each cell. Raw and averaged CSV files
are written under out_dir/<N>_User/ and a combined table is printed.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []bench.Option{
		bench.WithLogger(logger),
		bench.WithRunInfo(a.runInfo()),
	}
	if a.db != nil {
		opts = append(opts, bench.WithStores(a.runs, a.suites))
	}
	suite := bench.New(a.runner, a.layout, a.source, opts...)

	result, err := suite.Run(ctx, bench.Matrix{
		Users:        cfg.UserCounts,
		InputTokens:  cfg.InputTokens,
		OutputTokens: cfg.OutputTokens,
		MaxRequests:  cfg.MaxRequests,
	})
	if err != nil {
		logger.ErrorContext(ctx, "benchmark failed", slog.String("error", err.Error()))
		return fmt.Errorf("an error occurred while running the benchmark: %w", err)
	}

	if outputFormat == "json" {
		return writeJSON(cmd, result)
	}
	out := cmd.OutOrStdout()
	if err := bench.WriteTable(out, result.Rows); err != nil {
		return err
	}
	fmt.Fprintln(out, "\nTests completed successfully !!")
	return nil
}
