package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/echoswift/echoswift/internal/api"
	"github.com/echoswift/echoswift/internal/service/calibration"
)

var (
	calibrateInput  int
	calibrateNoHold bool
	listenAddr      string
	holdUsers       int
)

var calibrateCmd = &cobra.Command{
	Use:   "calibrate",
	Short: "Find the optimal concurrent user count",
	Long: `Probe increasing user counts until TTFT or per-token latency exceeds
its threshold, binary search the boundary, then hold the optimal count,
decrementing it by one whenever a hold round violates a threshold.`,
	RunE: runCalibrate,
}

var holdCmd = &cobra.Command{
	Use:   "hold",
	Short: "Continuously re-validate a user count",
	RunE:  runHold,
}

func init() {
	calibrateCmd.Flags().IntVar(&calibrateInput, "input-tokens", 0, "Input token bucket to probe with (default: first configured bucket)")
	calibrateCmd.Flags().BoolVar(&calibrateNoHold, "no-hold", false, "Stop after calibration instead of holding")
	calibrateCmd.Flags().StringVar(&listenAddr, "listen", "", "Status server address, e.g. :9090 (overrides server.listen)")

	holdCmd.Flags().IntVar(&holdUsers, "users", 0, "User count to hold")
	holdCmd.Flags().IntVar(&calibrateInput, "input-tokens", 0, "Input token bucket to probe with (default: first configured bucket)")
	holdCmd.Flags().StringVar(&listenAddr, "listen", "", "Status server address, e.g. :9090 (overrides server.listen)")
	_ = holdCmd.MarkFlagRequired("users")

	rootCmd.AddCommand(calibrateCmd)
	rootCmd.AddCommand(holdCmd)
}

func newController(a *app) (*calibration.Controller, error) {
	in := calibrateInput
	if in == 0 {
		in = cfg.InputTokens[0]
	}

	prober := calibration.NewLoadProber(a.runner, a.layout, a.source, in, cfg.OutputTokens,
		calibration.WithProberLogger(logger))

	info := a.runInfo()
	info.InputTokens = in
	opts := []calibration.Option{
		calibration.WithLogger(logger),
		calibration.WithReporter(calibration.NewSummaryReport(a.layout)),
		calibration.WithRunInfo(info),
	}
	if a.db != nil {
		opts = append(opts, calibration.WithStore(a.runs))
	}

	return calibration.New(prober, calibration.Config{
		InitialUsers:    cfg.InitialUserCount(),
		Increment:       cfg.IncrementUser,
		MaxUsers:        cfg.MaxUsers,
		RequestsPerUser: cfg.MaxRequests,
		Thresholds: calibration.Thresholds{
			TTFTMs:            cfg.TTFTThresholdMs,
			PerTokenLatencyMs: cfg.LatencyThresholdMs,
		},
		HoldInterval:  cfg.HoldInterval,
		MaxHoldRounds: cfg.HoldRounds,
	}, opts...)
}

// startStatusServer serves live state until the returned stop is called
func startStatusServer(a *app, ctrl *calibration.Controller) (stop func()) {
	addr := listenAddr
	if addr == "" {
		addr = cfg.Server.Listen
	}
	if addr == "" {
		return func() {}
	}

	opts := []api.Option{
		api.WithLogger(logger),
		api.WithAddr(addr),
		api.WithStatus(ctrl),
	}
	if a.db != nil {
		opts = append(opts, api.WithHistory(a.runs, a.suites))
	}
	server := api.New(opts...)
	server.SetReady(true)

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", slog.String("error", err.Error()))
		}
	}()

	return func() {
		server.SetReady(false)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("status server shutdown error", slog.String("error", err.Error()))
		}
	}
}

func runCalibrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl, err := newController(a)
	if err != nil {
		return err
	}
	stop := startStatusServer(a, ctrl)
	defer stop()

	var optimal int
	if calibrateNoHold {
		optimal, err = ctrl.Calibrate(ctx)
	} else {
		optimal, err = ctrl.Run(ctx)
	}
	return report(cmd, ctrl, optimal, err)
}

func runHold(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctrl, err := newController(a)
	if err != nil {
		return err
	}
	stop := startStatusServer(a, ctrl)
	defer stop()

	final, err := ctrl.Hold(ctx, holdUsers)
	return report(cmd, ctrl, final, err)
}

func report(cmd *cobra.Command, ctrl *calibration.Controller, users int, err error) error {
	out := cmd.OutOrStdout()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Info("stopped by signal", slog.Int("users", users))
	case errors.Is(err, calibration.ErrNoOptimalUserCount):
		return fmt.Errorf("%w: no user count satisfied TTFT <= %.0fms and token latency <= %.0fms",
			err, cfg.TTFTThresholdMs, cfg.LatencyThresholdMs)
	default:
		return err
	}

	fmt.Fprintf(out, "Run %s: optimal user count %d\n", ctrl.RunID(), users)
	return nil
}
