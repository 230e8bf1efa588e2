// Package loadgen drives cohorts of virtual users that issue streaming
// inference requests in lock-step waves.
//
// Every user waits at a shared barrier before sending a request and again
// after recording it, so a cohort of N users always has exactly N requests
// in flight at the start of a wave and no user starts the next wave before
// the slowest peer finishes. A hung stream therefore stalls the whole
// cohort at the end barrier; only context cancellation breaks it.
package loadgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/echoswift/echoswift/internal/logging"
	"github.com/echoswift/echoswift/internal/metrics"
	"github.com/echoswift/echoswift/internal/provider"
	"github.com/echoswift/echoswift/internal/results"
	"github.com/echoswift/echoswift/internal/tokenizer"
)

// Common errors returned by the runner
var (
	ErrInvalidPlan  = errors.New("invalid load plan")
	ErrCohortFailed = errors.New("every request in the cohort failed")
)

// Plan describes one load run
type Plan struct {
	// Users is the cohort size
	Users int
	// InputTokens is the prompt bucket, recorded for logging
	InputTokens int
	// OutputTokens runs one sub-run per value, in order
	OutputTokens []int
	// MaxRequests is each user's quota per output length
	MaxRequests int
	// Prompts are chosen uniformly at random per request
	Prompts []string
	// RawPath is the per-request metrics file, truncated at the start of
	// every run
	RawPath string
}

// ExpectedRequests is the total request volume of the plan
func (p Plan) ExpectedRequests() int {
	return p.Users * p.MaxRequests * len(p.OutputTokens)
}

func (p Plan) validate() error {
	switch {
	case p.Users < 1:
		return fmt.Errorf("%w: users must be at least 1, got %d", ErrInvalidPlan, p.Users)
	case p.MaxRequests < 1:
		return fmt.Errorf("%w: max requests must be at least 1, got %d", ErrInvalidPlan, p.MaxRequests)
	case len(p.OutputTokens) == 0:
		return fmt.Errorf("%w: no output token lengths", ErrInvalidPlan)
	case len(p.Prompts) == 0:
		return fmt.Errorf("%w: no prompts for input bucket %d", ErrInvalidPlan, p.InputTokens)
	case p.RawPath == "":
		return fmt.Errorf("%w: raw metrics path is empty", ErrInvalidPlan)
	}
	for _, n := range p.OutputTokens {
		if n < 1 {
			return fmt.Errorf("%w: output token length must be positive, got %d", ErrInvalidPlan, n)
		}
	}
	return nil
}

// Report summarizes a finished load run
type Report struct {
	RawPath   string
	Users     int
	Expected  int
	Succeeded int
	Failed    int
	Waves     int
	Duration  time.Duration
	LastError error
}

// Progress is reported after every wave
type Progress struct {
	Users        int
	OutputTokens int
	Completed    int
	Expected     int
}

// Runner executes load plans against one endpoint
type Runner struct {
	endpoint  string
	provider  provider.Provider
	tokenizer tokenizer.Tokenizer
	client    *http.Client
	model     string
	spawnRate float64
	seed      uint64
	logger    *slog.Logger
	progress  func(Progress)
	now       func() time.Time
}

// Option configures a Runner
type Option func(*Runner)

// WithHTTPClient sets the client used for inference requests
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) {
		r.client = client
	}
}

// WithModel sets the model name sent to providers that need one
func WithModel(model string) Option {
	return func(r *Runner) {
		r.model = model
	}
}

// WithSpawnRate starts users at perSecond users per second. Zero starts all
// users at once.
func WithSpawnRate(perSecond float64) Option {
	return func(r *Runner) {
		r.spawnRate = perSecond
	}
}

// WithSeed fixes the prompt selection sequence
func WithSeed(seed uint64) Option {
	return func(r *Runner) {
		r.seed = seed
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithProgress registers a callback invoked after every wave
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) {
		r.progress = fn
	}
}

// NewRunner creates a runner for an endpoint speaking provider p
func NewRunner(endpoint string, p provider.Provider, tok tokenizer.Tokenizer, opts ...Option) *Runner {
	r := &Runner{
		endpoint:  endpoint,
		provider:  p,
		tokenizer: tok,
		client:    &http.Client{},
		seed:      uint64(time.Now().UnixNano()),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "load_runner"))
	return r
}

// Run executes the plan: one cohort per output length, each followed by a
// block separator in the raw file. It fails with ErrCohortFailed if not a
// single request succeeded.
func (r *Runner) Run(ctx context.Context, plan Plan) (*Report, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	if provider.RequiresModel(r.provider.Name()) && r.model == "" {
		return nil, fmt.Errorf("%w: %s", provider.ErrMissingModel, r.provider.Name())
	}

	sink, err := results.OpenSink(plan.RawPath, results.WithTruncate(), results.WithSinkLogger(r.logger))
	if err != nil {
		return nil, err
	}

	ctx = logging.WithConcurrency(ctx, plan.Users)
	report := &Report{
		RawPath:  plan.RawPath,
		Users:    plan.Users,
		Expected: plan.ExpectedRequests(),
	}
	started := time.Now()

	r.logger.InfoContext(ctx, "starting load run",
		slog.String("endpoint", r.endpoint),
		slog.String("provider", string(r.provider.Name())),
		slog.Int("input_tokens", plan.InputTokens),
		slog.Any("output_tokens", plan.OutputTokens),
		slog.Int("expected_requests", report.Expected),
		slog.String("raw_file", plan.RawPath))

	runErr := func() error {
		for i, out := range plan.OutputTokens {
			done := i * plan.Users * plan.MaxRequests
			if err := r.runCohort(ctx, plan, out, done, sink, report); err != nil {
				return err
			}
			if err := sink.Separator(ctx); err != nil {
				return err
			}
		}
		return nil
	}()
	closeErr := sink.Close()
	report.Duration = time.Since(started)

	if runErr != nil {
		if ctx.Err() != nil {
			return report, fmt.Errorf("load run interrupted: %w", ctx.Err())
		}
		return report, runErr
	}
	if closeErr != nil {
		return report, closeErr
	}

	r.logger.InfoContext(ctx, "load run complete",
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.Duration))

	if report.Succeeded == 0 {
		return report, fmt.Errorf("%w: %d requests to %s: %v", ErrCohortFailed, report.Failed, r.endpoint, report.LastError)
	}
	return report, nil
}

// runCohort runs plan.Users users at one output length to completion
func (r *Runner) runCohort(ctx context.Context, plan Plan, outputTokens, done int, sink *results.Sink, report *Report) error {
	barrier := NewBarrier(plan.Users)
	expected := report.Expected

	c := &cohort{
		client:       r.client,
		endpoint:     r.endpoint,
		decoder:      provider.NewDecoder(r.provider, provider.WithDecoderLogger(r.logger)),
		tokenizer:    r.tokenizer,
		model:        r.model,
		prompts:      plan.Prompts,
		outputTokens: outputTokens,
		maxRequests:  plan.MaxRequests,
		barrier:      barrier,
		sink:         sink,
		logger:       r.logger,
		now:          r.now,
		onWave: func(wave int) {
			metrics.RecordWave()
			p := Progress{
				Users:        plan.Users,
				OutputTokens: outputTokens,
				Completed:    done + wave*plan.Users,
				Expected:     expected,
			}
			r.logger.InfoContext(ctx, "wave complete",
				slog.Int("wave", wave),
				slog.Int("output_tokens", outputTokens),
				slog.Int("completed", p.Completed),
				slog.Int("expected", p.Expected))
			if r.progress != nil {
				r.progress(p)
			}
		},
	}

	r.logger.InfoContext(ctx, "spawning cohort",
		slog.Int("users", plan.Users),
		slog.Int("output_tokens", outputTokens),
		slog.Int("max_requests", plan.MaxRequests))

	var limiter *rate.Limiter
	if r.spawnRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.spawnRate), 1)
	}

	users := make([]*VirtualUser, plan.Users)
	stats := make([]UserStats, plan.Users)
	g, gctx := errgroup.WithContext(ctx)

	var spawnErr error
	for i := range users {
		if limiter != nil {
			if err := limiter.Wait(gctx); err != nil {
				spawnErr = fmt.Errorf("spawning user %d: %w", i+1, err)
				barrier.Break()
				break
			}
		}
		u := newVirtualUser(i+1, c, r.seed+uint64(outputTokens))
		users[i] = u
		idx := i
		g.Go(func() error {
			metrics.UserStarted()
			defer metrics.UserStopped()

			s, err := u.Run(logging.WithUserID(gctx, u.ID()))
			stats[idx] = s
			if err != nil {
				barrier.Break()
				return fmt.Errorf("user %d: %w", u.ID(), err)
			}
			return nil
		})
	}

	err := g.Wait()
	report.Waves += barrier.Cycles() / 2
	for _, s := range stats {
		report.Succeeded += s.Succeeded
		report.Failed += s.Failed
		if s.LastError != nil {
			report.LastError = s.LastError
		}
	}

	if spawnErr != nil {
		return spawnErr
	}
	return err
}
