package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/echoswift/echoswift/internal/storage"
)

var runsLimit int

// errNoHistory is returned when no database path is configured
var errNoHistory = errors.New("run history is disabled: set database.path")

var runsCmd = &cobra.Command{
	Use:   "runs [run-id]",
	Short: "List calibration and benchmark runs",
	Long: `Without arguments, list the most recent runs. With a run ID, show the
run and every probe it made.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum runs to list")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	if cfg.Database.Path == "" {
		return errNoHistory
	}
	if _, err := os.Stat(cfg.Database.Path); err != nil {
		return fmt.Errorf("opening run history %s: %w", cfg.Database.Path, err)
	}

	db, err := storage.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	store := storage.NewCalibrationStore(db)

	if len(args) == 1 {
		return showRun(cmd, store, args[0])
	}

	runs, err := store.ListRuns(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat == "json" {
		return writeJSON(cmd, runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tPROVIDER\tSTATUS\tOPTIMAL\tSTARTED")
	fmt.Fprintln(w, "--\t----\t--------\t------\t-------\t-------")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			r.Mode,
			r.Provider,
			r.Status,
			r.OptimalUsers,
			r.StartedAt.Format("2006-01-02 15:04:05"),
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d runs\n", len(runs))
	return nil
}

func showRun(cmd *cobra.Command, store *storage.CalibrationStore, id string) error {
	run, err := store.GetRun(cmd.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return err
	}
	probes, err := store.ListProbes(cmd.Context(), id)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return writeJSON(cmd, map[string]interface{}{"run": run, "probes": probes})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:       %s (%s)\n", run.ID, run.Mode)
	fmt.Fprintf(out, "Endpoint:  %s [%s]\n", run.Endpoint, run.Provider)
	fmt.Fprintf(out, "Status:    %s\n", run.Status)
	fmt.Fprintf(out, "Optimal:   %d users\n", run.OptimalUsers)
	fmt.Fprintf(out, "Threshold: TTFT %.0fms, token latency %.0fms\n", run.TTFTThresholdMs, run.LatencyThresholdMs)
	if run.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", run.Error)
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tUSERS\tTTFT(MS)\tTOKEN LATENCY(MS)\tTOTAL TOK/S\tOK\tDURATION")
	fmt.Fprintln(w, "-----\t-----\t--------\t-----------------\t-----------\t--\t--------")
	for _, p := range probes {
		ok := "yes"
		if !p.Satisfied {
			ok = "no"
		}
		if p.Error != "" {
			ok = "error"
		}
		fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%s\t%dms\n",
			p.Phase,
			p.Users,
			p.TTFTMs,
			p.TokenLatencyMs,
			p.TotalThroughput,
			ok,
			p.DurationMs,
		)
	}
	return w.Flush()
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
