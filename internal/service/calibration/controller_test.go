package calibration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoswift/echoswift/internal/storage"
)

// fakeProber reports TTFT equal to the concurrency, so a TTFT threshold of
// N makes N the largest satisfying count.
type fakeProber struct {
	mu    sync.Mutex
	calls []int
	fail  func(users int) error
	ttft  func(users int) float64
}

func (f *fakeProber) Probe(_ context.Context, users, _ int) (Measurement, error) {
	f.mu.Lock()
	f.calls = append(f.calls, users)
	f.mu.Unlock()

	if f.fail != nil {
		if err := f.fail(users); err != nil {
			return Measurement{}, err
		}
	}
	ttft := float64(users)
	if f.ttft != nil {
		ttft = f.ttft(users)
	}
	return Measurement{TTFTMs: ttft, PerTokenLatencyMs: 10, LatencyMs: 500, Throughput: 20}, nil
}

func (f *fakeProber) probed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type recordingReporter struct {
	rows []Measurement
}

func (r *recordingReporter) AppendSummary(_ context.Context, m Measurement) error {
	r.rows = append(r.rows, m)
	return nil
}

func testConfig(initial, increment int, ttftThreshold float64) Config {
	return Config{
		InitialUsers:    initial,
		Increment:       increment,
		RequestsPerUser: 2,
		Thresholds:      Thresholds{TTFTMs: ttftThreshold, PerTokenLatencyMs: 50},
	}
}

func TestThresholds_Satisfied(t *testing.T) {
	th := Thresholds{TTFTMs: 100, PerTokenLatencyMs: 20}
	assert.True(t, th.Satisfied(Measurement{TTFTMs: 100, PerTokenLatencyMs: 20}))
	assert.False(t, th.Satisfied(Measurement{TTFTMs: 100.5, PerTokenLatencyMs: 1}))
	assert.False(t, th.Satisfied(Measurement{TTFTMs: 1, PerTokenLatencyMs: 21}))
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := map[string]Config{
		"initial":    {InitialUsers: 0, Increment: 1, RequestsPerUser: 1, Thresholds: Thresholds{TTFTMs: 1, PerTokenLatencyMs: 1}},
		"increment":  {InitialUsers: 1, Increment: 0, RequestsPerUser: 1, Thresholds: Thresholds{TTFTMs: 1, PerTokenLatencyMs: 1}},
		"requests":   {InitialUsers: 1, Increment: 1, RequestsPerUser: 0, Thresholds: Thresholds{TTFTMs: 1, PerTokenLatencyMs: 1}},
		"max users":  {InitialUsers: 5, Increment: 1, MaxUsers: 4, RequestsPerUser: 1, Thresholds: Thresholds{TTFTMs: 1, PerTokenLatencyMs: 1}},
		"thresholds": {InitialUsers: 1, Increment: 1, RequestsPerUser: 1},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(&fakeProber{}, cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestCalibrate_BinarySearchConverges(t *testing.T) {
	prober := &fakeProber{}
	c, err := New(prober, testConfig(50, 100, 97))
	require.NoError(t, err)

	optimal, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 97, optimal)

	calls := prober.probed()
	assert.Equal(t, []int{50, 150}, calls[:2], "linear probe")
	refine := calls[2:]
	assert.LessOrEqual(t, len(refine), 7)
	assert.Equal(t, []int{100, 75, 88, 94, 97, 99, 98}, refine)

	for _, users := range refine {
		assert.True(t, users >= 50 && users < 150, "probe %d outside [50,150)", users)
	}

	state := c.State()
	assert.Equal(t, PhaseStopped, state.Phase)
	assert.Equal(t, 97, state.Optimal)
	assert.Equal(t, 50, state.Previous)
	assert.Equal(t, 98, state.Low)
	assert.Equal(t, 98, state.High)
	assert.Equal(t, 9, state.Probes)
}

func TestCalibrate_LinearProbeAdvances(t *testing.T) {
	prober := &fakeProber{}
	c, err := New(prober, testConfig(10, 10, 35))
	require.NoError(t, err)

	optimal, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 35, optimal)
	assert.Equal(t, []int{10, 20, 30, 40}, prober.probed()[:4])
}

func TestCalibrate_FloorFailsReportsNoOptimal(t *testing.T) {
	t.Run("initial one", func(t *testing.T) {
		prober := &fakeProber{ttft: func(int) float64 { return 1e9 }}
		c, err := New(prober, testConfig(1, 1, 100))
		require.NoError(t, err)

		optimal, err := c.Calibrate(context.Background())
		assert.ErrorIs(t, err, ErrNoOptimalUserCount)
		assert.Zero(t, optimal)
		assert.Equal(t, []int{1}, prober.probed())
	})

	t.Run("initial four", func(t *testing.T) {
		prober := &fakeProber{ttft: func(int) float64 { return 1e9 }}
		c, err := New(prober, testConfig(4, 4, 100))
		require.NoError(t, err)

		_, err = c.Calibrate(context.Background())
		assert.ErrorIs(t, err, ErrNoOptimalUserCount)
		// zero is never probed
		assert.Equal(t, []int{4, 2, 1}, prober.probed())
	})
}

func TestCalibrate_MaxUsersCeiling(t *testing.T) {
	t.Run("satisfied at ceiling", func(t *testing.T) {
		prober := &fakeProber{}
		cfg := testConfig(10, 10, 1000)
		cfg.MaxUsers = 25
		c, err := New(prober, cfg)
		require.NoError(t, err)

		optimal, err := c.Calibrate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 25, optimal)
		assert.Equal(t, []int{10, 20, 25}, prober.probed())
	})

	t.Run("fails at ceiling", func(t *testing.T) {
		prober := &fakeProber{}
		cfg := testConfig(10, 10, 22)
		cfg.MaxUsers = 25
		c, err := New(prober, cfg)
		require.NoError(t, err)

		optimal, err := c.Calibrate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 22, optimal)
		for _, users := range prober.probed() {
			assert.LessOrEqual(t, users, 25)
		}
	})
}

func TestCalibrate_ProbeErrorAborts(t *testing.T) {
	boom := errors.New("connection refused")
	prober := &fakeProber{fail: func(users int) error {
		if users == 20 {
			return boom
		}
		return nil
	}}
	c, err := New(prober, testConfig(10, 10, 1000))
	require.NoError(t, err)

	_, err = c.Calibrate(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var pe *ProbeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseLinearProbe, pe.Phase)
	assert.Equal(t, 20, pe.Users)
	assert.Equal(t, []int{10, 20}, prober.probed())
}

func TestHold_DecrementsOnViolation(t *testing.T) {
	prober := &fakeProber{}
	reporter := &recordingReporter{}
	cfg := testConfig(1, 1, 4)
	cfg.MaxHoldRounds = 5
	c, err := New(prober, cfg, WithReporter(reporter))
	require.NoError(t, err)

	final, err := c.Hold(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 4, final)
	assert.Equal(t, []int{7, 6, 5, 4, 4}, prober.probed())

	require.Len(t, reporter.rows, 2)
	for _, row := range reporter.rows {
		assert.Equal(t, 4, row.Users)
		assert.Equal(t, float64(80), row.TotalThroughput)
	}
	assert.Equal(t, 4, c.State().Optimal)
	assert.Equal(t, 5, c.State().Rounds)
}

func TestHold_StopsAtZero(t *testing.T) {
	prober := &fakeProber{ttft: func(int) float64 { return 1e9 }}
	reporter := &recordingReporter{}
	c, err := New(prober, testConfig(1, 1, 100), WithReporter(reporter))
	require.NoError(t, err)

	final, err := c.Hold(context.Background(), 3)
	require.NoError(t, err)
	assert.Zero(t, final)
	assert.Equal(t, []int{3, 2, 1}, prober.probed())
	assert.Empty(t, reporter.rows)
	assert.Equal(t, PhaseStopped, c.State().Phase)
}

func TestHold_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := New(&fakeProber{}, testConfig(1, 1, 100))
	require.NoError(t, err)

	final, err := c.Hold(ctx, 3)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, final)
}

func TestHold_RejectsZeroUsers(t *testing.T) {
	c, err := New(&fakeProber{}, testConfig(1, 1, 100))
	require.NoError(t, err)
	_, err = c.Hold(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_CalibratesThenHolds(t *testing.T) {
	prober := &fakeProber{}
	reporter := &recordingReporter{}
	cfg := testConfig(2, 2, 5)
	cfg.MaxHoldRounds = 2
	c, err := New(prober, cfg, WithReporter(reporter))
	require.NoError(t, err)

	final, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, final)
	require.Len(t, reporter.rows, 2)
	assert.Equal(t, 5, reporter.rows[0].Users)
}

func TestController_PersistsRunAndProbes(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	store := storage.NewCalibrationStore(db)

	c, err := New(&fakeProber{}, testConfig(2, 2, 3),
		WithStore(store),
		WithRunID("run-1"),
		WithRunInfo(storage.CalibrationRun{Endpoint: "http://mock", Provider: "TGI", InputTokens: 32, OutputTokens: []int{64}}))
	require.NoError(t, err)
	assert.Equal(t, "run-1", c.RunID())

	optimal, err := c.Calibrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, optimal)

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunStatusComplete, run.Status)
	assert.Equal(t, 3, run.OptimalUsers)
	assert.Equal(t, "http://mock", run.Endpoint)
	assert.Equal(t, float64(3), run.TTFTThresholdMs)
	assert.NotNil(t, run.FinishedAt)

	probes, err := store.ListProbes(context.Background(), "run-1")
	require.NoError(t, err)
	// linear 2, 4; refine [2,4): 3, then [4,4)
	require.Len(t, probes, 3)
	assert.Equal(t, string(PhaseLinearProbe), probes[0].Phase)
	assert.True(t, probes[0].Satisfied)
	assert.False(t, probes[1].Satisfied)
	assert.Equal(t, string(PhaseBinaryRefine), probes[2].Phase)
	assert.Equal(t, 3, probes[2].Users)
}

func TestController_NoOptimalStatus(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	store := storage.NewCalibrationStore(db)

	c, err := New(&fakeProber{ttft: func(int) float64 { return 1e9 }}, testConfig(1, 1, 3), WithStore(store))
	require.NoError(t, err)

	_, err = c.Calibrate(context.Background())
	require.ErrorIs(t, err, ErrNoOptimalUserCount)

	run, err := store.GetRun(context.Background(), c.RunID())
	require.NoError(t, err)
	assert.Equal(t, storage.RunStatusNoOptimal, run.Status)
	assert.Contains(t, run.Error, "no optimal user count")
}
