package results

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AveragedHeader is the header row of an averaged file
var AveragedHeader = []string{
	"output tokens",
	"throughput(tokens/second)",
	"latency(ms)",
	"TTFT(ms)",
	"latency_per_token(ms/tokens)",
}

// averagedColumns are the raw columns averaged per block, in output order
var averagedColumns = []string{
	"throughput(tokens/second)",
	"latency(ms)",
	"TTFT(ms)",
	"latency_per_token(ms/tokens)",
}

// AveragedRecord is the mean of one block of a raw metrics file
type AveragedRecord struct {
	OutputTokens      int
	Throughput        float64
	LatencyMs         float64
	TTFTMs            float64
	PerTokenLatencyMs float64
	// Rows is the number of data rows averaged
	Rows int
	// Valid is false when the block had no rows or a non-numeric cell
	Valid bool
}

// Row renders the record in averaged file column order. Invalid records
// keep their output token tag and leave the metric cells empty.
func (a AveragedRecord) Row() []string {
	if !a.Valid {
		return []string{strconv.Itoa(a.OutputTokens), "", "", "", ""}
	}
	return []string{
		strconv.Itoa(a.OutputTokens),
		formatFloat(a.Throughput),
		formatFloat(a.LatencyMs),
		formatFloat(a.TTFTMs),
		formatFloat(a.PerTokenLatencyMs),
	}
}

// block is a contiguous run of raw data rows closed by a marker line
type block struct {
	rows [][]string
}

// Average reduces a raw metrics file to one record per block. Blocks end at
// blank marker lines and a trailing block without a marker is closed
// implicitly. Block i is tagged with tokens[i/blocksPerLength] where
// blocksPerLength is the number of blocks divided by len(tokens).
func Average(path string, tokens []int) ([]AveragedRecord, error) {
	return averageWith(path, tokens, slog.Default())
}

func averageWith(path string, tokens []int, logger *slog.Logger) ([]AveragedRecord, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("average %s: no output token lengths given", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fileErr("open", path, err)
	}
	defer f.Close()

	var (
		header  []string
		blocks  []block
		current block
		open    bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if isMarkerLine(line) {
			blocks = append(blocks, current)
			current = block{}
			open = false
			continue
		}

		fields, err := parseLine(line)
		if err != nil {
			return nil, fileErr("parse", path, err)
		}
		if header == nil {
			header = fields
			continue
		}
		if len(fields) > 0 && fields[0] == header[0] {
			// repeated header from an appended run
			continue
		}
		current.rows = append(current.rows, fields)
		open = true
	}
	if err := scanner.Err(); err != nil {
		return nil, fileErr("read", path, err)
	}
	if header == nil {
		return nil, fileErr("average", path, ErrEmptyFile)
	}
	if open {
		blocks = append(blocks, current)
	}

	indices, err := columnIndices(header)
	if err != nil {
		return nil, fileErr("average", path, err)
	}

	perLength := len(blocks) / len(tokens)
	if perLength < 1 {
		perLength = 1
	}

	records := make([]AveragedRecord, 0, len(blocks))
	for i, b := range blocks {
		slot := i / perLength
		if slot >= len(tokens) {
			logger.Warn("raw file has more blocks than output lengths",
				slog.String("path", path),
				slog.Int("blocks", len(blocks)),
				slog.Int("output_lengths", len(tokens)))
			break
		}
		rec := averageBlock(b, indices)
		rec.OutputTokens = tokens[slot]
		if !rec.Valid {
			logger.Warn("block average unavailable",
				slog.String("path", path),
				slog.Int("block", i),
				slog.Int("output_tokens", rec.OutputTokens))
		}
		records = append(records, rec)
	}
	return records, nil
}

func averageBlock(b block, indices []int) AveragedRecord {
	if len(b.rows) == 0 {
		return AveragedRecord{}
	}

	sums := make([]float64, len(indices))
	for _, row := range b.rows {
		for j, idx := range indices {
			if idx >= len(row) {
				return AveragedRecord{}
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[idx]), 64)
			if err != nil {
				return AveragedRecord{}
			}
			sums[j] += v
		}
	}

	n := float64(len(b.rows))
	return AveragedRecord{
		Throughput:        sums[0] / n,
		LatencyMs:         sums[1] / n,
		TTFTMs:            sums[2] / n,
		PerTokenLatencyMs: sums[3] / n,
		Rows:              len(b.rows),
		Valid:             true,
	}
}

func columnIndices(header []string) ([]int, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		pos[strings.TrimSpace(name)] = i
	}
	indices := make([]int, len(averagedColumns))
	for i, name := range averagedColumns {
		idx, ok := pos[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, name)
		}
		indices[i] = idx
	}
	return indices, nil
}

// isMarkerLine reports a blank line or a row of empty cells
func isMarkerLine(line string) bool {
	return strings.Trim(line, " \t\r,") == ""
}

func parseLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	return r.Read()
}

// WriteAveraged writes records to path, replacing any existing file
func WriteAveraged(path string, records []AveragedRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fileErr("create directory for", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fileErr("create", path, err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(AveragedHeader); err != nil {
		f.Close()
		return fileErr("write header to", path, err)
	}
	for _, rec := range records {
		if err := w.Write(rec.Row()); err != nil {
			f.Close()
			return fileErr("write row to", path, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fileErr("write", path, err)
	}
	if err := f.Close(); err != nil {
		return fileErr("close", path, err)
	}
	return nil
}

// ReadAveraged parses an averaged file
func ReadAveraged(path string) ([]AveragedRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fileErr("open", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fileErr("parse", path, err)
	}
	if len(rows) == 0 {
		return nil, fileErr("read", path, ErrEmptyFile)
	}

	pos := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		pos[strings.TrimSpace(name)] = i
	}
	for _, name := range AveragedHeader {
		if _, ok := pos[name]; !ok {
			return nil, fileErr("read", path, fmt.Errorf("%w: %q", ErrMissingColumn, name))
		}
	}

	records := make([]AveragedRecord, 0, len(rows)-1)
	for _, row := range rows[1:] {
		cell := func(name string) string {
			if i := pos[name]; i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		tokens, err := strconv.Atoi(cell("output tokens"))
		if err != nil {
			return nil, fileErr("parse", path, fmt.Errorf("output tokens %q: %w", cell("output tokens"), err))
		}
		rec := AveragedRecord{OutputTokens: tokens}

		values := make([]float64, 0, 4)
		for _, name := range AveragedHeader[1:] {
			v, err := strconv.ParseFloat(cell(name), 64)
			if err != nil {
				break
			}
			values = append(values, v)
		}
		if len(values) == 4 {
			rec.Throughput = values[0]
			rec.LatencyMs = values[1]
			rec.TTFTMs = values[2]
			rec.PerTokenLatencyMs = values[3]
			rec.Valid = true
		}
		records = append(records, rec)
	}
	return records, nil
}

// Headline returns the measurement a calibration decision is based on: the
// first row of the averaged file. It fails with ErrNoMeasurement when that
// row is missing or unavailable.
func Headline(path string) (AveragedRecord, error) {
	records, err := ReadAveraged(path)
	if err != nil {
		return AveragedRecord{}, err
	}
	if len(records) == 0 || !records[0].Valid {
		return AveragedRecord{}, fileErr("measure", path, ErrNoMeasurement)
	}
	return records[0], nil
}
