package calibration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/echoswift/echoswift/internal/dataset"
	"github.com/echoswift/echoswift/internal/layout"
	"github.com/echoswift/echoswift/internal/loadgen"
	"github.com/echoswift/echoswift/internal/results"
)

// LoadRunner runs one load plan
type LoadRunner interface {
	Run(ctx context.Context, plan loadgen.Plan) (*loadgen.Report, error)
}

// LoadProber measures a concurrency level by running a real load test:
// the raw file is truncated, averaged into the averaged file, and that file
// is copied into the results directory before its first row is read back.
type LoadProber struct {
	runner       LoadRunner
	layout       layout.Layout
	source       dataset.Source
	inputTokens  int
	outputTokens []int
	logger       *slog.Logger
}

// ProberOption configures a LoadProber
type ProberOption func(*LoadProber)

// WithProberLogger sets a custom logger
func WithProberLogger(logger *slog.Logger) ProberOption {
	return func(p *LoadProber) {
		p.logger = logger
	}
}

// NewLoadProber creates a prober for one input bucket and output length list
func NewLoadProber(runner LoadRunner, l layout.Layout, source dataset.Source, inputTokens int, outputTokens []int, opts ...ProberOption) *LoadProber {
	p := &LoadProber{
		runner:       runner,
		layout:       l,
		source:       source,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober
func (p *LoadProber) Probe(ctx context.Context, users, requestsPerUser int) (Measurement, error) {
	prompts, err := p.source.Prompts(p.inputTokens)
	if err != nil {
		return Measurement{}, fmt.Errorf("loading prompts: %w", err)
	}

	started := time.Now()
	raw := p.layout.RawFile(users, p.inputTokens)
	report, err := p.runner.Run(ctx, loadgen.Plan{
		Users:        users,
		InputTokens:  p.inputTokens,
		OutputTokens: p.outputTokens,
		MaxRequests:  requestsPerUser,
		Prompts:      prompts,
		RawPath:      raw,
	})
	if err != nil {
		return Measurement{}, err
	}
	if report.Failed > 0 {
		p.logger.WarnContext(ctx, "probe had failed requests",
			slog.Int("failed", report.Failed),
			slog.Int("succeeded", report.Succeeded))
	}

	averaged, err := results.Average(raw, p.outputTokens)
	if err != nil {
		return Measurement{}, err
	}
	avgPath := p.layout.AveragedFile(users, p.inputTokens)
	if err := results.WriteAveraged(avgPath, averaged); err != nil {
		return Measurement{}, err
	}

	copyPath := p.layout.ResultCopy(users, p.inputTokens)
	if err := results.CopyFile(avgPath, copyPath); err != nil {
		return Measurement{}, err
	}

	head, err := results.Headline(copyPath)
	if err != nil {
		return Measurement{}, err
	}

	return Measurement{
		Users:             users,
		TTFTMs:            head.TTFTMs,
		PerTokenLatencyMs: head.PerTokenLatencyMs,
		LatencyMs:         head.LatencyMs,
		Throughput:        head.Throughput,
		TotalThroughput:   results.NewSummary(users, head).TokensPerSec,
		Duration:          time.Since(started),
	}, nil
}

// SummaryReport appends successful hold rounds to a CSV report
type SummaryReport struct {
	Path string
}

// NewSummaryReport reports into the layout's summary file
func NewSummaryReport(l layout.Layout) *SummaryReport {
	return &SummaryReport{Path: l.Summary()}
}

// AppendSummary implements Reporter. The aggregate throughput column is the
// per-user throughput times the round's user count.
func (r *SummaryReport) AppendSummary(_ context.Context, m Measurement) error {
	return results.AppendSummary(r.Path, results.NewSummary(m.Users, results.AveragedRecord{
		Throughput:        m.Throughput,
		LatencyMs:         m.LatencyMs,
		TTFTMs:            m.TTFTMs,
		PerTokenLatencyMs: m.PerTokenLatencyMs,
		Valid:             true,
	}))
}
