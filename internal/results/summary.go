package results

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// SummaryHeader is the header row of the cumulative summary report
var SummaryHeader = []string{"concurrent_user", "ttft", "token_latency", "tokens_per_sec"}

// SummaryRecord is one successful hold round
type SummaryRecord struct {
	ConcurrentUsers int
	TTFTMs          float64
	TokenLatencyMs  float64
	// TokensPerSec is the aggregate throughput: per-user throughput times users
	TokensPerSec float64
}

// NewSummary builds a summary row from the averaged measurement of a round
func NewSummary(users int, m AveragedRecord) SummaryRecord {
	return SummaryRecord{
		ConcurrentUsers: users,
		TTFTMs:          m.TTFTMs,
		TokenLatencyMs:  m.PerTokenLatencyMs,
		TokensPerSec:    m.Throughput * float64(users),
	}
}

// Row renders the record; latencies are reported in whole milliseconds
func (s SummaryRecord) Row() []string {
	return []string{
		strconv.Itoa(s.ConcurrentUsers),
		strconv.Itoa(int(s.TTFTMs)),
		strconv.Itoa(int(s.TokenLatencyMs)),
		formatFloat(s.TokensPerSec),
	}
}

// AppendSummary appends one row to the report at path, writing the header
// first if the file is new or empty.
func AppendSummary(path string, rec SummaryRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fileErr("create directory for", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fileErr("open", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fileErr("stat", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(SummaryHeader); err != nil {
			f.Close()
			return fileErr("write header to", path, err)
		}
	}
	if err := w.Write(rec.Row()); err != nil {
		f.Close()
		return fileErr("write row to", path, err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fileErr("append to", path, err)
	}
	if err := f.Close(); err != nil {
		return fileErr("close", path, err)
	}
	return nil
}

// CopyFile copies src to dst, creating dst's directory
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fileErr("open", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fileErr("create directory for", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fileErr("create", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fileErr("copy to", dst, err)
	}
	if err := out.Close(); err != nil {
		return fileErr("close", dst, err)
	}
	return nil
}
