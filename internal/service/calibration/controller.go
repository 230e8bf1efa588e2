// Package calibration searches for the largest number of concurrent users an
// inference endpoint can serve within TTFT and per-token latency thresholds,
// then keeps re-validating that level.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/echoswift/echoswift/internal/logging"
	"github.com/echoswift/echoswift/internal/metrics"
	"github.com/echoswift/echoswift/internal/storage"
)

// Phase is a step of the calibration state machine
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhaseLinearProbe  Phase = "LINEAR_PROBE"
	PhaseBinaryRefine Phase = "BINARY_REFINE"
	PhaseHold         Phase = "HOLD"
	PhaseStopped      Phase = "STOPPED"
)

const (
	// DefaultHoldRequests is the per-user quota of a hold round
	DefaultHoldRequests = 1
)

// Thresholds are the service-level bounds a measurement must satisfy
type Thresholds struct {
	TTFTMs            float64 `json:"ttft_ms"`
	PerTokenLatencyMs float64 `json:"per_token_latency_ms"`
}

// Satisfied reports TTFT <= threshold and per-token latency <= threshold
func (t Thresholds) Satisfied(m Measurement) bool {
	return m.TTFTMs <= t.TTFTMs && m.PerTokenLatencyMs <= t.PerTokenLatencyMs
}

// Measurement is the averaged outcome of one probe
type Measurement struct {
	Users             int           `json:"users"`
	TTFTMs            float64       `json:"ttft_ms"`
	PerTokenLatencyMs float64       `json:"per_token_latency_ms"`
	LatencyMs         float64       `json:"latency_ms"`
	Throughput        float64       `json:"throughput"`
	TotalThroughput   float64       `json:"total_throughput"`
	Duration          time.Duration `json:"duration"`
}

// Prober runs one load test at a concurrency and returns its averaged
// measurement
type Prober interface {
	Probe(ctx context.Context, users, requestsPerUser int) (Measurement, error)
}

// Reporter receives every successful hold round
type Reporter interface {
	AppendSummary(ctx context.Context, m Measurement) error
}

// RunStore persists runs and probes
type RunStore interface {
	CreateRun(ctx context.Context, run *storage.CalibrationRun) error
	FinishRun(ctx context.Context, id, status string, optimalUsers int, errMsg string) error
	AddProbe(ctx context.Context, p *storage.Probe) error
}

type noopReporter struct{}

func (noopReporter) AppendSummary(context.Context, Measurement) error { return nil }

type noopStore struct{}

func (noopStore) CreateRun(context.Context, *storage.CalibrationRun) error     { return nil }
func (noopStore) FinishRun(context.Context, string, string, int, string) error { return nil }
func (noopStore) AddProbe(context.Context, *storage.Probe) error               { return nil }

// Config holds the search parameters
type Config struct {
	InitialUsers int
	Increment    int
	// MaxUsers caps linear probing; zero means no ceiling
	MaxUsers        int
	RequestsPerUser int
	Thresholds      Thresholds
	// HoldInterval is the pause between successful hold rounds
	HoldInterval time.Duration
	// MaxHoldRounds stops holding after this many rounds; zero holds forever
	MaxHoldRounds int
}

func (c Config) validate() error {
	switch {
	case c.InitialUsers < 1:
		return fmt.Errorf("%w: initial users must be at least 1, got %d", ErrInvalidConfig, c.InitialUsers)
	case c.Increment < 1:
		return fmt.Errorf("%w: increment must be at least 1, got %d", ErrInvalidConfig, c.Increment)
	case c.RequestsPerUser < 1:
		return fmt.Errorf("%w: requests per user must be at least 1, got %d", ErrInvalidConfig, c.RequestsPerUser)
	case c.MaxUsers != 0 && c.MaxUsers < c.InitialUsers:
		return fmt.Errorf("%w: max users %d below initial users %d", ErrInvalidConfig, c.MaxUsers, c.InitialUsers)
	case c.Thresholds.TTFTMs <= 0 || c.Thresholds.PerTokenLatencyMs <= 0:
		return fmt.Errorf("%w: thresholds must be positive", ErrInvalidConfig)
	}
	return nil
}

// State is a snapshot of the controller
type State struct {
	RunID    string       `json:"run_id"`
	Phase    Phase        `json:"phase"`
	Current  int          `json:"current_users"`
	Previous int          `json:"previous_user_count"`
	Low      int          `json:"low,omitempty"`
	High     int          `json:"high,omitempty"`
	Optimal  int          `json:"optimal_user_count"`
	Probes   int          `json:"probes"`
	Rounds   int          `json:"hold_rounds"`
	Last     *Measurement `json:"last_measurement,omitempty"`
	LastOK   bool         `json:"last_satisfied"`
	Updated  time.Time    `json:"updated_at"`
}

// Controller drives probes sequentially; one probe finishes before the next
// starts.
type Controller struct {
	prober   Prober
	cfg      Config
	reporter Reporter
	store    RunStore
	run      storage.CalibrationRun
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	state State
}

// Option configures the controller
type Option func(*Controller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithReporter sets where successful hold rounds are reported
func WithReporter(r Reporter) Option {
	return func(c *Controller) {
		c.reporter = r
	}
}

// WithStore persists the run and each probe
func WithStore(s RunStore) Option {
	return func(c *Controller) {
		c.store = s
	}
}

// WithRunInfo sets the descriptive fields stored with the run
func WithRunInfo(run storage.CalibrationRun) Option {
	return func(c *Controller) {
		c.run = run
	}
}

// WithRunID overrides the generated run ID
func WithRunID(id string) Option {
	return func(c *Controller) {
		c.state.RunID = id
	}
}

// New creates a controller
func New(prober Prober, cfg Config, opts ...Option) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		prober:   prober,
		cfg:      cfg,
		reporter: noopReporter{},
		store:    noopStore{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	c.state.Phase = PhaseIdle
	for _, opt := range opts {
		opt(c)
	}
	if c.state.RunID == "" {
		c.state.RunID = uuid.New().String()
	}
	c.logger = c.logger.With(slog.String("component", "calibration"))
	return c, nil
}

// RunID returns the identifier of this calibration run
func (c *Controller) RunID() string {
	return c.state.RunID
}

// State returns a snapshot of the controller state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.state
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}

func (c *Controller) update(fn func(s *State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	c.state.Updated = c.now()
}

// Run calibrates and then holds at the optimal count until ctx is cancelled,
// the hold round limit is reached, or the count is decremented to zero.
func (c *Controller) Run(ctx context.Context) (int, error) {
	ctx, err := c.begin(ctx, storage.RunModeCalibrate)
	if err != nil {
		return 0, err
	}

	optimal, err := c.calibrate(ctx)
	if err == nil {
		optimal, err = c.hold(ctx, optimal)
	}
	c.finish(ctx, optimal, err)
	return optimal, err
}

// Calibrate runs linear probing then binary refinement and returns the
// optimal user count. It fails with ErrNoOptimalUserCount when no level
// satisfies the thresholds.
func (c *Controller) Calibrate(ctx context.Context) (int, error) {
	ctx, err := c.begin(ctx, storage.RunModeCalibrate)
	if err != nil {
		return 0, err
	}
	optimal, err := c.calibrate(ctx)
	c.update(func(s *State) { s.Phase = PhaseStopped })
	c.finish(ctx, optimal, err)
	return optimal, err
}

// Hold re-validates users repeatedly. A violation decrements the count by
// one; holding ends when the count reaches zero (returning 0, nil), the
// round limit is hit, or ctx is cancelled.
func (c *Controller) Hold(ctx context.Context, users int) (int, error) {
	if users < 1 {
		return 0, fmt.Errorf("%w: hold needs at least 1 user, got %d", ErrInvalidConfig, users)
	}
	ctx, err := c.begin(ctx, storage.RunModeHold)
	if err != nil {
		return 0, err
	}
	final, err := c.hold(ctx, users)
	c.finish(ctx, final, err)
	return final, err
}

func (c *Controller) begin(ctx context.Context, mode string) (context.Context, error) {
	run := c.run
	run.ID = c.state.RunID
	run.Mode = mode
	run.InitialUsers = c.cfg.InitialUsers
	run.Increment = c.cfg.Increment
	run.MaxUsers = c.cfg.MaxUsers
	run.TTFTThresholdMs = c.cfg.Thresholds.TTFTMs
	run.LatencyThresholdMs = c.cfg.Thresholds.PerTokenLatencyMs
	run.StartedAt = c.now()
	if err := c.store.CreateRun(ctx, &run); err != nil {
		return ctx, fmt.Errorf("recording calibration run: %w", err)
	}
	return logging.WithRunID(ctx, c.state.RunID), nil
}

func (c *Controller) finish(ctx context.Context, optimal int, runErr error) {
	status := storage.RunStatusComplete
	msg := ""
	switch {
	case runErr == nil:
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		status = storage.RunStatusInterrupted
	case errors.Is(runErr, ErrNoOptimalUserCount):
		status = storage.RunStatusNoOptimal
	default:
		status = storage.RunStatusFailed
	}
	if runErr != nil {
		msg = runErr.Error()
	}

	// the run's context may already be cancelled
	storeCtx := context.WithoutCancel(ctx)
	if err := c.store.FinishRun(storeCtx, c.state.RunID, status, optimal, msg); err != nil {
		c.logger.ErrorContext(ctx, "failed to record calibration outcome", slog.String("error", err.Error()))
	}
}

func (c *Controller) calibrate(ctx context.Context) (int, error) {
	users := c.cfg.InitialUsers
	previous := 0

	c.update(func(s *State) {
		s.Phase = PhaseLinearProbe
		s.Current = users
		s.Previous = 0
	})
	c.logger.InfoContext(ctx, "starting linear probe",
		slog.Int("initial_users", users),
		slog.Int("increment", c.cfg.Increment),
		slog.Float64("ttft_threshold_ms", c.cfg.Thresholds.TTFTMs),
		slog.Float64("latency_threshold_ms", c.cfg.Thresholds.PerTokenLatencyMs))

	for {
		if c.cfg.MaxUsers > 0 && users > c.cfg.MaxUsers {
			users = c.cfg.MaxUsers
		}

		_, ok, err := c.probe(ctx, PhaseLinearProbe, users, c.cfg.RequestsPerUser)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}

		previous = users
		c.update(func(s *State) { s.Previous = previous })

		if c.cfg.MaxUsers > 0 && users >= c.cfg.MaxUsers {
			c.logger.InfoContext(ctx, "thresholds satisfied at user ceiling",
				slog.Int("max_users", c.cfg.MaxUsers))
			c.setOptimal(users)
			return users, nil
		}
		users += c.cfg.Increment
	}

	return c.refine(ctx, previous, users)
}

// refine binary searches [low, high) where low last satisfied the
// thresholds and high failed them.
func (c *Controller) refine(ctx context.Context, low, high int) (int, error) {
	c.update(func(s *State) {
		s.Phase = PhaseBinaryRefine
		s.Low, s.High = low, high
	})
	c.logger.InfoContext(ctx, "starting binary refinement",
		slog.Int("low", low),
		slog.Int("high", high))

	for low < high {
		mid := (low + high) / 2

		ok := false
		if mid > 0 {
			var err error
			_, ok, err = c.probe(ctx, PhaseBinaryRefine, mid, c.cfg.RequestsPerUser)
			if err != nil {
				return 0, err
			}
		}
		if ok {
			low = mid + 1
		} else {
			high = mid
		}
		c.update(func(s *State) { s.Low, s.High = low, high })
	}

	optimal := low - 1
	if optimal < 1 {
		c.logger.WarnContext(ctx, "no user count satisfied the thresholds")
		return 0, ErrNoOptimalUserCount
	}

	c.setOptimal(optimal)
	c.logger.InfoContext(ctx, "calibration converged", slog.Int("optimal_user_count", optimal))
	return optimal, nil
}

func (c *Controller) hold(ctx context.Context, users int) (int, error) {
	c.setOptimal(users)
	c.update(func(s *State) { s.Phase = PhaseHold })
	c.logger.InfoContext(ctx, "holding at optimal user count", slog.Int("users", users))

	rounds := 0
	for users > 0 {
		if err := ctx.Err(); err != nil {
			return users, err
		}

		m, ok, err := c.probe(ctx, PhaseHold, users, DefaultHoldRequests)
		if err != nil {
			return users, err
		}
		rounds++
		c.update(func(s *State) { s.Rounds = rounds })

		if !ok {
			users--
			c.logger.WarnContext(ctx, "hold round violated thresholds, reducing users",
				slog.Int("users", users))
			c.setOptimal(users)
		} else if err := c.reporter.AppendSummary(ctx, m); err != nil {
			return users, fmt.Errorf("reporting hold round: %w", err)
		}

		if c.cfg.MaxHoldRounds > 0 && rounds >= c.cfg.MaxHoldRounds {
			c.update(func(s *State) { s.Phase = PhaseStopped })
			return users, nil
		}
		if ok && !sleep(ctx, c.cfg.HoldInterval) {
			return users, ctx.Err()
		}
	}

	c.logger.WarnContext(ctx, "user count reduced to zero, stopping hold")
	c.update(func(s *State) { s.Phase = PhaseStopped })
	return 0, nil
}

// probe runs one load test and validates it against the thresholds
func (c *Controller) probe(ctx context.Context, phase Phase, users, requests int) (Measurement, bool, error) {
	c.update(func(s *State) { s.Current = users })
	pctx := logging.WithConcurrency(ctx, users)

	started := c.now()
	m, err := c.prober.Probe(pctx, users, requests)
	elapsed := c.now().Sub(started)

	record := &storage.Probe{
		RunID:           c.state.RunID,
		Phase:           string(phase),
		Users:           users,
		RequestsPerUser: requests,
		DurationMs:      elapsed.Milliseconds(),
	}

	if err != nil {
		metrics.RecordProbe(string(phase), "error", users, elapsed)
		record.Error = err.Error()
		c.saveProbe(ctx, record)
		c.update(func(s *State) { s.Probes++ })
		c.logger.ErrorContext(pctx, "probe failed",
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()))
		if ctx.Err() != nil {
			return Measurement{}, false, ctx.Err()
		}
		return Measurement{}, false, &ProbeError{Phase: phase, Users: users, Err: err}
	}

	m.Users = users
	if m.TotalThroughput == 0 {
		m.TotalThroughput = m.Throughput * float64(users)
	}
	ok := c.cfg.Thresholds.Satisfied(m)

	result := "violated"
	if ok {
		result = "satisfied"
	}
	metrics.RecordProbe(string(phase), result, users, elapsed)
	metrics.RecordMeasurement(m.TTFTMs, m.PerTokenLatencyMs, m.TotalThroughput)

	record.TTFTMs = m.TTFTMs
	record.TokenLatencyMs = m.PerTokenLatencyMs
	record.LatencyMs = m.LatencyMs
	record.Throughput = m.Throughput
	record.TotalThroughput = m.TotalThroughput
	record.Satisfied = ok
	c.saveProbe(ctx, record)

	c.update(func(s *State) {
		s.Probes++
		s.Last = &m
		s.LastOK = ok
	})

	c.logger.InfoContext(pctx, "probe complete",
		slog.String("phase", string(phase)),
		slog.Float64("ttft_ms", m.TTFTMs),
		slog.Float64("latency_ms", m.LatencyMs),
		slog.Float64("token_latency_ms", m.PerTokenLatencyMs),
		slog.Float64("throughput", m.Throughput),
		slog.Float64("total_throughput", m.TotalThroughput),
		slog.Bool("satisfied", ok))
	return m, ok, nil
}

func (c *Controller) saveProbe(ctx context.Context, p *storage.Probe) {
	if err := c.store.AddProbe(context.WithoutCancel(ctx), p); err != nil {
		c.logger.WarnContext(ctx, "failed to record probe", slog.String("error", err.Error()))
	}
}

func (c *Controller) setOptimal(users int) {
	metrics.SetOptimalUsers(users)
	c.update(func(s *State) { s.Optimal = users })
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
