package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SuiteResult is one averaged row of a benchmark suite run
type SuiteResult struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	Users          int       `json:"users"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Throughput     *float64  `json:"throughput"`
	LatencyMs      *float64  `json:"latency_ms"`
	TTFTMs         *float64  `json:"ttft_ms"`
	TokenLatencyMs *float64  `json:"token_latency_ms"`
	RowsAveraged   int       `json:"rows_averaged"`
	CreatedAt      time.Time `json:"created_at"`
}

// SuiteStore handles suite result persistence
type SuiteStore struct {
	db *DB
}

// NewSuiteStore creates a new suite store
func NewSuiteStore(db *DB) *SuiteStore {
	return &SuiteStore{db: db}
}

// Create inserts a suite result. Nil metrics are stored as NULL.
func (s *SuiteStore) Create(ctx context.Context, r *SuiteResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suite_results (
			id, run_id, users, input_tokens, output_tokens,
			throughput, latency_ms, ttft_ms, token_latency_ms,
			rows_averaged, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.RunID, r.Users, r.InputTokens, r.OutputTokens,
		r.Throughput, r.LatencyMs, r.TTFTMs, r.TokenLatencyMs,
		r.RowsAveraged, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create suite result: %w", err)
	}
	return nil
}

// ListByRun returns a run's results ordered by users, input and output tokens
func (s *SuiteStore) ListByRun(ctx context.Context, runID string) ([]*SuiteResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, users, input_tokens, output_tokens,
			throughput, latency_ms, ttft_ms, token_latency_ms,
			rows_averaged, created_at
		FROM suite_results
		WHERE run_id = ?
		ORDER BY users, input_tokens, output_tokens
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suite results: %w", err)
	}
	defer rows.Close()

	var out []*SuiteResult
	for rows.Next() {
		r := &SuiteResult{}
		var throughput, latency, ttft, tokenLatency sql.NullFloat64
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Users, &r.InputTokens, &r.OutputTokens,
			&throughput, &latency, &ttft, &tokenLatency,
			&r.RowsAveraged, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan suite result: %w", err)
		}
		r.Throughput = nullable(throughput)
		r.LatencyMs = nullable(latency)
		r.TTFTMs = nullable(ttft)
		r.TokenLatencyMs = nullable(tokenLatency)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
