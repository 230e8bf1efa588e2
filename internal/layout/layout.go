// Package layout names the files a benchmark run writes under its output
// directory.
package layout

import (
	"fmt"
	"path/filepath"
)

// ResultsDir is the directory holding copied averages and the summary report
const ResultsDir = "Results"

// SummaryReport is the cumulative hold report file name
const SummaryReport = "summary_report.csv"

// Layout resolves paths under one output directory
type Layout struct {
	Root string
}

// New creates a layout rooted at dir
func New(dir string) Layout {
	return Layout{Root: dir}
}

// UserDir is the directory for one concurrency level
func (l Layout) UserDir(users int) string {
	return filepath.Join(l.Root, fmt.Sprintf("%d_User", users))
}

// RawFile is the per-request metrics file for a concurrency and input bucket
func (l Layout) RawFile(users, inputTokens int) string {
	return filepath.Join(l.UserDir(users), fmt.Sprintf("%d_input_tokens.csv", inputTokens))
}

// AveragedFile is the averaged file next to RawFile
func (l Layout) AveragedFile(users, inputTokens int) string {
	return filepath.Join(l.UserDir(users), fmt.Sprintf("avg_%d_input_tokens.csv", inputTokens))
}

// ResultCopy is where a calibration probe's averaged file is copied
func (l Layout) ResultCopy(users, inputTokens int) string {
	return filepath.Join(l.Root, ResultsDir, fmt.Sprintf("avg_%d_input_token_User%d.csv", inputTokens, users))
}

// Summary is the cumulative report of successful hold rounds
func (l Layout) Summary() string {
	return filepath.Join(l.Root, ResultsDir, SummaryReport)
}
