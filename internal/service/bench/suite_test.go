package bench

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/echoswift/echoswift/internal/dataset"
	"github.com/echoswift/echoswift/internal/layout"
	"github.com/echoswift/echoswift/internal/loadgen"
	"github.com/echoswift/echoswift/internal/provider"
	"github.com/echoswift/echoswift/internal/results"
	"github.com/echoswift/echoswift/internal/storage"
	"github.com/echoswift/echoswift/internal/tokenizer"
	"github.com/echoswift/echoswift/test/mockserver"
)

func newTestSuite(t *testing.T, dir string, opts ...Option) (*Suite, *mockserver.Server) {
	t.Helper()
	srv := mockserver.NewServer(nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	p, err := provider.Lookup("Llamacpp")
	require.NoError(t, err)
	tok, err := tokenizer.New(tokenizer.KindHeuristic)
	require.NoError(t, err)
	runner := loadgen.NewRunner(ts.URL+mockserver.LlamacppPath, p, tok, loadgen.WithSeed(3))

	source := dataset.StaticSource{
		32: {"Summarize the plot of a heist film."},
		64: {"Write a limerick about GPUs.", "List three sorting algorithms."},
	}
	return New(runner, layout.New(dir), source, opts...), srv
}

func TestMatrix_TotalRequests(t *testing.T) {
	m := Matrix{Users: []int{1, 3}, InputTokens: []int{32, 64}, OutputTokens: []int{16, 32, 64}, MaxRequests: 2}
	// (1+3) users * 2 requests * 2 inputs * 3 outputs
	assert.Equal(t, 48, m.TotalRequests())
}

func TestSuite_InvalidMatrix(t *testing.T) {
	s, _ := newTestSuite(t, t.TempDir())
	_, err := s.Run(context.Background(), Matrix{Users: []int{1}, InputTokens: []int{32}, MaxRequests: 1})
	assert.ErrorIs(t, err, ErrInvalidMatrix)
}

func TestSuite_RunsEveryCell(t *testing.T) {
	dir := t.TempDir()
	s, srv := newTestSuite(t, dir)
	m := Matrix{Users: []int{2, 1}, InputTokens: []int{64, 32}, OutputTokens: []int{8, 4}, MaxRequests: 1}

	res, err := s.Run(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, m.TotalRequests(), srv.State().Requests())
	assert.Equal(t, 4, res.Succeeded)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Rows, 8)

	// sorted by users, input, output
	first, last := res.Rows[0], res.Rows[7]
	assert.Equal(t, []int{1, 32, 4}, []int{first.Users, first.InputTokens, first.OutputTokens})
	assert.Equal(t, []int{2, 64, 8}, []int{last.Users, last.InputTokens, last.OutputTokens})
	for _, row := range res.Rows {
		assert.True(t, row.Valid)
		assert.Equal(t, row.Users, row.Rows)
	}

	l := layout.New(dir)
	for _, users := range m.Users {
		for _, in := range m.InputTokens {
			recs, err := results.ReadAveraged(l.AveragedFile(users, in))
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, 8, recs[0].OutputTokens)
			assert.Equal(t, 4, recs[1].OutputTokens)
		}
	}
}

func TestSuite_FailedCellContinues(t *testing.T) {
	s, srv := newTestSuite(t, t.TempDir())
	srv.State().SetFailEvery(1, 500)

	res, err := s.Run(context.Background(), Matrix{Users: []int{1}, InputTokens: []int{32, 64}, OutputTokens: []int{4}, MaxRequests: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Rows, 2)
	for _, row := range res.Rows {
		assert.False(t, row.Valid)
	}
}

func TestSuite_MissingBucketAborts(t *testing.T) {
	s, _ := newTestSuite(t, t.TempDir())
	_, err := s.Run(context.Background(), Matrix{Users: []int{1}, InputTokens: []int{4096}, OutputTokens: []int{4}, MaxRequests: 1})
	assert.ErrorIs(t, err, dataset.ErrEmptyBucket)
}

func TestSuite_PersistsRows(t *testing.T) {
	db, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	runs := storage.NewCalibrationStore(db)
	rows := storage.NewSuiteStore(db)
	s, _ := newTestSuite(t, t.TempDir(),
		WithStores(runs, rows),
		WithRunInfo(storage.CalibrationRun{ID: "suite-1", Endpoint: "http://mock", Provider: "Llamacpp"}))

	res, err := s.Run(context.Background(), Matrix{Users: []int{1}, InputTokens: []int{32}, OutputTokens: []int{4, 8}, MaxRequests: 2})
	require.NoError(t, err)
	assert.Equal(t, "suite-1", res.RunID)

	run, err := runs.GetRun(context.Background(), "suite-1")
	require.NoError(t, err)
	assert.Equal(t, storage.RunModeSuite, run.Mode)
	assert.Equal(t, storage.RunStatusComplete, run.Status)

	saved, err := rows.ListByRun(context.Background(), "suite-1")
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.Equal(t, 4, saved[0].OutputTokens)
	require.NotNil(t, saved[0].Throughput)
	assert.Equal(t, 2, saved[0].RowsAveraged)
}

func TestWriteTable(t *testing.T) {
	rows := []Row{
		{Users: 1, InputTokens: 32, AveragedRecord: results.AveragedRecord{OutputTokens: 64, Throughput: 12.5, LatencyMs: 900, TTFTMs: 120, PerTokenLatencyMs: 12.381, Valid: true}},
		{Users: 2, InputTokens: 32, AveragedRecord: results.AveragedRecord{OutputTokens: 64}},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteTable(&buf, rows))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "USERS"))
	assert.Contains(t, lines[2], "12.500")
	assert.Contains(t, lines[2], "12.381")
	assert.Equal(t, []string{"2", "32", "64", "-", "-", "-", "-"}, strings.Fields(lines[3]))
}

func TestSuite_RawFilesTruncatedPerCell(t *testing.T) {
	dir := t.TempDir()
	s, _ := newTestSuite(t, dir)
	m := Matrix{Users: []int{1}, InputTokens: []int{32}, OutputTokens: []int{4}, MaxRequests: 1}

	_, err := s.Run(context.Background(), m)
	require.NoError(t, err)
	_, err = s.Run(context.Background(), m)
	require.NoError(t, err)

	data, err := os.ReadFile(layout.New(dir).RawFile(1, 32))
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(data), "\n"))
}
