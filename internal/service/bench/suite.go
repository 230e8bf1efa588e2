// Package bench runs the fixed benchmark matrix: every user count against
// every input token bucket, each cell sweeping the full output token list.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/echoswift/echoswift/internal/dataset"
	"github.com/echoswift/echoswift/internal/layout"
	"github.com/echoswift/echoswift/internal/loadgen"
	"github.com/echoswift/echoswift/internal/logging"
	"github.com/echoswift/echoswift/internal/results"
	"github.com/echoswift/echoswift/internal/storage"
)

// ErrInvalidMatrix is returned for a matrix with an empty dimension
var ErrInvalidMatrix = errors.New("invalid benchmark matrix")

// Matrix defines the cells of a suite run
type Matrix struct {
	Users        []int `json:"user_counts"`
	InputTokens  []int `json:"input_tokens"`
	OutputTokens []int `json:"output_tokens"`
	MaxRequests  int   `json:"max_requests"`
}

// TotalRequests is the request volume of the whole matrix
func (m Matrix) TotalRequests() int {
	total := 0
	for _, u := range m.Users {
		total += u * m.MaxRequests * len(m.InputTokens) * len(m.OutputTokens)
	}
	return total
}

func (m Matrix) validate() error {
	switch {
	case len(m.Users) == 0:
		return fmt.Errorf("%w: at least one user count is required", ErrInvalidMatrix)
	case len(m.InputTokens) == 0:
		return fmt.Errorf("%w: at least one input token bucket is required", ErrInvalidMatrix)
	case len(m.OutputTokens) == 0:
		return fmt.Errorf("%w: at least one output token length is required", ErrInvalidMatrix)
	case m.MaxRequests < 1:
		return fmt.Errorf("%w: max requests must be at least 1", ErrInvalidMatrix)
	}
	return nil
}

// Row is one averaged output length of one matrix cell
type Row struct {
	Users       int
	InputTokens int
	results.AveragedRecord
}

// Result summarizes a suite run
type Result struct {
	RunID     string
	Rows      []Row
	Succeeded int
	Failed    int
	Duration  time.Duration
}

// LoadRunner runs one load plan
type LoadRunner interface {
	Run(ctx context.Context, plan loadgen.Plan) (*loadgen.Report, error)
}

// RunStore records suite runs
type RunStore interface {
	CreateRun(ctx context.Context, run *storage.CalibrationRun) error
	FinishRun(ctx context.Context, id, status string, optimalUsers int, errMsg string) error
}

// ResultStore records averaged rows
type ResultStore interface {
	Create(ctx context.Context, r *storage.SuiteResult) error
}

// Suite runs benchmark matrices against one endpoint
type Suite struct {
	runner  LoadRunner
	layout  layout.Layout
	source  dataset.Source
	runs    RunStore
	results ResultStore
	run     storage.CalibrationRun
	logger  *slog.Logger
}

// Option configures a Suite
type Option func(*Suite)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Suite) {
		s.logger = logger
	}
}

// WithStores persists the run and its averaged rows
func WithStores(runs RunStore, rows ResultStore) Option {
	return func(s *Suite) {
		s.runs = runs
		s.results = rows
	}
}

// WithRunInfo sets the descriptive fields stored with the run
func WithRunInfo(run storage.CalibrationRun) Option {
	return func(s *Suite) {
		s.run = run
	}
}

// New creates a suite
func New(runner LoadRunner, l layout.Layout, source dataset.Source, opts ...Option) *Suite {
	s := &Suite{
		runner: runner,
		layout: l,
		source: source,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "bench_suite"))
	return s
}

// Run executes every cell of the matrix in order. A cell whose requests all
// fail is reported with unavailable rows and the suite moves on; any other
// failure aborts the run.
func (s *Suite) Run(ctx context.Context, m Matrix) (*Result, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	result := &Result{RunID: s.run.ID}
	if result.RunID == "" {
		result.RunID = uuid.New().String()
	}
	ctx = logging.WithRunID(ctx, result.RunID)
	started := time.Now()

	if err := s.createRun(ctx, result.RunID, m); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "starting benchmark suite",
		slog.Any("user_counts", m.Users),
		slog.Any("input_tokens", m.InputTokens),
		slog.Any("output_tokens", m.OutputTokens),
		slog.Int("total_requests", m.TotalRequests()))

	runErr := s.runMatrix(ctx, m, result)
	result.Duration = time.Since(started)
	SortRows(result.Rows)
	s.finishRun(ctx, result.RunID, runErr)

	if runErr != nil {
		return result, runErr
	}
	s.logger.InfoContext(ctx, "benchmark suite complete",
		slog.Int("cells_succeeded", result.Succeeded),
		slog.Int("cells_failed", result.Failed),
		slog.Duration("duration", result.Duration))
	return result, nil
}

func (s *Suite) runMatrix(ctx context.Context, m Matrix, result *Result) error {
	for _, users := range m.Users {
		for _, in := range m.InputTokens {
			rows, err := s.runCell(ctx, m, users, in)
			if errors.Is(err, loadgen.ErrCohortFailed) {
				s.logger.WarnContext(ctx, "benchmark cell failed",
					slog.Int("users", users),
					slog.Int("input_tokens", in),
					slog.String("error", err.Error()))
				result.Failed++
				for _, out := range m.OutputTokens {
					rows = append(rows, Row{Users: users, InputTokens: in, AveragedRecord: results.AveragedRecord{OutputTokens: out}})
				}
			} else if err != nil {
				return err
			} else {
				result.Succeeded++
			}

			for _, row := range rows {
				s.saveRow(ctx, result.RunID, row)
			}
			result.Rows = append(result.Rows, rows...)
		}
	}
	return nil
}

func (s *Suite) runCell(ctx context.Context, m Matrix, users, in int) ([]Row, error) {
	prompts, err := s.source.Prompts(in)
	if err != nil {
		return nil, fmt.Errorf("loading prompts: %w", err)
	}

	raw := s.layout.RawFile(users, in)
	_, err = s.runner.Run(ctx, loadgen.Plan{
		Users:        users,
		InputTokens:  in,
		OutputTokens: m.OutputTokens,
		MaxRequests:  m.MaxRequests,
		Prompts:      prompts,
		RawPath:      raw,
	})
	if err != nil {
		return nil, err
	}

	averaged, err := results.Average(raw, m.OutputTokens)
	if err != nil {
		return nil, err
	}
	if err := results.WriteAveraged(s.layout.AveragedFile(users, in), averaged); err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(averaged))
	for _, rec := range averaged {
		rows = append(rows, Row{Users: users, InputTokens: in, AveragedRecord: rec})
	}
	return rows, nil
}

func (s *Suite) createRun(ctx context.Context, id string, m Matrix) error {
	if s.runs == nil {
		return nil
	}
	run := s.run
	run.ID = id
	run.Mode = storage.RunModeSuite
	run.OutputTokens = m.OutputTokens
	if len(m.InputTokens) > 0 {
		run.InputTokens = m.InputTokens[0]
	}
	if err := s.runs.CreateRun(ctx, &run); err != nil {
		return fmt.Errorf("recording suite run: %w", err)
	}
	return nil
}

func (s *Suite) finishRun(ctx context.Context, id string, runErr error) {
	if s.runs == nil {
		return
	}
	status, msg := storage.RunStatusComplete, ""
	if runErr != nil {
		status, msg = storage.RunStatusFailed, runErr.Error()
		if ctx.Err() != nil {
			status = storage.RunStatusInterrupted
		}
	}
	if err := s.runs.FinishRun(context.WithoutCancel(ctx), id, status, 0, msg); err != nil {
		s.logger.ErrorContext(ctx, "failed to record suite outcome", slog.String("error", err.Error()))
	}
}

func (s *Suite) saveRow(ctx context.Context, runID string, row Row) {
	if s.results == nil {
		return
	}
	rec := &storage.SuiteResult{
		RunID:        runID,
		Users:        row.Users,
		InputTokens:  row.InputTokens,
		OutputTokens: row.OutputTokens,
		RowsAveraged: row.Rows,
	}
	if row.Valid {
		rec.Throughput = ptr(row.Throughput)
		rec.LatencyMs = ptr(row.LatencyMs)
		rec.TTFTMs = ptr(row.TTFTMs)
		rec.TokenLatencyMs = ptr(row.PerTokenLatencyMs)
	}
	if err := s.results.Create(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WarnContext(ctx, "failed to record suite row", slog.String("error", err.Error()))
	}
}

func ptr(v float64) *float64 { return &v }

// SortRows orders rows by users, input tokens, then output tokens
func SortRows(rows []Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.Users != b.Users {
			return a.Users < b.Users
		}
		if a.InputTokens != b.InputTokens {
			return a.InputTokens < b.InputTokens
		}
		return a.OutputTokens < b.OutputTokens
	})
}
