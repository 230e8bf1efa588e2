package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Run status constants
const (
	RunStatusRunning     = "running"
	RunStatusComplete    = "complete"
	RunStatusNoOptimal   = "no_optimal"
	RunStatusFailed      = "failed"
	RunStatusInterrupted = "interrupted"
)

// Run mode constants
const (
	RunModeSuite     = "start"
	RunModeCalibrate = "calibrate"
	RunModeHold      = "hold"
)

// CalibrationRun is one invocation of the benchmark suite or the
// calibration controller
type CalibrationRun struct {
	ID                 string     `json:"id"`
	Mode               string     `json:"mode"`
	Endpoint           string     `json:"endpoint"`
	Provider           string     `json:"provider"`
	Model              string     `json:"model,omitempty"`
	InputTokens        int        `json:"input_tokens"`
	OutputTokens       []int      `json:"output_tokens"`
	InitialUsers       int        `json:"initial_users"`
	Increment          int        `json:"increment"`
	MaxUsers           int        `json:"max_users,omitempty"`
	TTFTThresholdMs    float64    `json:"ttft_threshold_ms"`
	LatencyThresholdMs float64    `json:"latency_threshold_ms"`
	Status             string     `json:"status"`
	OptimalUsers       int        `json:"optimal_users"`
	Error              string     `json:"error,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// Probe is one load run made by the calibration controller
type Probe struct {
	ID              int64     `json:"id"`
	RunID           string    `json:"run_id"`
	Phase           string    `json:"phase"`
	Users           int       `json:"users"`
	RequestsPerUser int       `json:"requests_per_user"`
	TTFTMs          float64   `json:"ttft_ms"`
	TokenLatencyMs  float64   `json:"token_latency_ms"`
	LatencyMs       float64   `json:"latency_ms"`
	Throughput      float64   `json:"throughput"`
	TotalThroughput float64   `json:"total_throughput"`
	Satisfied       bool      `json:"satisfied"`
	Error           string    `json:"error,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	CreatedAt       time.Time `json:"created_at"`
}

// CalibrationStore handles run and probe persistence
type CalibrationStore struct {
	db *DB
}

// NewCalibrationStore creates a new calibration store
func NewCalibrationStore(db *DB) *CalibrationStore {
	return &CalibrationStore{db: db}
}

// CreateRun inserts a new run
func (s *CalibrationStore) CreateRun(ctx context.Context, run *CalibrationRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	outputJSON, err := json.Marshal(run.OutputTokens)
	if err != nil {
		return fmt.Errorf("failed to marshal output_tokens: %w", err)
	}

	query := `
		INSERT INTO calibration_runs (
			id, mode, endpoint, provider, model,
			input_tokens, output_tokens,
			initial_users, increment, max_users,
			ttft_threshold_ms, latency_threshold_ms,
			status, optimal_users, error, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.Mode, run.Endpoint, run.Provider, run.Model,
		run.InputTokens, string(outputJSON),
		run.InitialUsers, run.Increment, run.MaxUsers,
		run.TTFTThresholdMs, run.LatencyThresholdMs,
		run.Status, run.OptimalUsers, run.Error, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create calibration run: %w", err)
	}
	return nil
}

// FinishRun records a run's outcome
func (s *CalibrationStore) FinishRun(ctx context.Context, id, status string, optimalUsers int, errMsg string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE calibration_runs
		SET status = ?, optimal_users = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, status, optimalUsers, errMsg, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to finish calibration run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `
	id, mode, endpoint, provider, model,
	input_tokens, output_tokens,
	initial_users, increment, max_users,
	ttft_threshold_ms, latency_threshold_ms,
	status, optimal_users, error, started_at, finished_at
`

// GetRun retrieves a run by ID
func (s *CalibrationStore) GetRun(ctx context.Context, id string) (*CalibrationRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+" FROM calibration_runs WHERE id = ?", id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get calibration run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all runs.
func (s *CalibrationStore) ListRuns(ctx context.Context, limit int) ([]*CalibrationRun, error) {
	query := "SELECT " + runColumns + " FROM calibration_runs ORDER BY started_at DESC, rowid DESC"
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list calibration runs: %w", err)
	}
	defer rows.Close()

	var runs []*CalibrationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan calibration run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*CalibrationRun, error) {
	run := &CalibrationRun{}
	var outputJSON string
	var finishedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.Mode, &run.Endpoint, &run.Provider, &run.Model,
		&run.InputTokens, &outputJSON,
		&run.InitialUsers, &run.Increment, &run.MaxUsers,
		&run.TTFTThresholdMs, &run.LatencyThresholdMs,
		&run.Status, &run.OptimalUsers, &run.Error, &run.StartedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(outputJSON), &run.OutputTokens); err != nil {
		run.OutputTokens = nil
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// AddProbe appends a probe to a run
func (s *CalibrationStore) AddProbe(ctx context.Context, p *Probe) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO probes (
			run_id, phase, users, requests_per_user,
			ttft_ms, token_latency_ms, latency_ms, throughput, total_throughput,
			satisfied, error, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.RunID, p.Phase, p.Users, p.RequestsPerUser,
		p.TTFTMs, p.TokenLatencyMs, p.LatencyMs, p.Throughput, p.TotalThroughput,
		p.Satisfied, p.Error, p.DurationMs, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add probe: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get probe id: %w", err)
	}
	p.ID = id
	return nil
}

// ListProbes returns a run's probes in the order they were made
func (s *CalibrationStore) ListProbes(ctx context.Context, runID string) ([]*Probe, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase, users, requests_per_user,
			ttft_ms, token_latency_ms, latency_ms, throughput, total_throughput,
			satisfied, error, duration_ms, created_at
		FROM probes
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list probes: %w", err)
	}
	defer rows.Close()

	var probes []*Probe
	for rows.Next() {
		p := &Probe{}
		if err := rows.Scan(
			&p.ID, &p.RunID, &p.Phase, &p.Users, &p.RequestsPerUser,
			&p.TTFTMs, &p.TokenLatencyMs, &p.LatencyMs, &p.Throughput, &p.TotalThroughput,
			&p.Satisfied, &p.Error, &p.DurationMs, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan probe: %w", err)
		}
		probes = append(probes, p)
	}
	return probes, rows.Err()
}
