// Package results computes per-request metrics and owns the CSV files that
// carry them: the raw per-request file, the averaged file and the summary
// report.
package results

import (
	"strconv"
	"time"
)

// RawHeader is the header row of a raw per-request metrics file
var RawHeader = []string{
	"request",
	"start_time",
	"end_time",
	"input_tokens",
	"output_tokens",
	"latency(ms)",
	"throughput(tokens/second)",
	"latency_per_token(ms/tokens)",
	"TTFT(ms)",
}

// TimeLayout is the wall-clock format used for start and end columns
const TimeLayout = "15:04:05.000000"

// minGenerationWindow clamps latency-ttft for streams whose tokens all
// arrive at once
const minGenerationWindow = time.Microsecond

// Observation holds the raw timings of one completed request
type Observation struct {
	Seq          int
	Start        time.Time
	End          time.Time
	TTFT         time.Duration
	InputTokens  int
	OutputTokens int
}

// RequestRecord is one row of the raw metrics file
type RequestRecord struct {
	Request           int
	Start             time.Time
	End               time.Time
	InputTokens       int
	OutputTokens      int
	LatencyMs         float64
	Throughput        float64
	PerTokenLatencyMs float64
	TTFTMs            float64
}

// Compute derives the reported metrics for one request.
//
//	latency           = end - start
//	throughput        = (out-1) / (latency-ttft)          if out > 1, else 0
//	per_token_latency = (latency-ttft) * 1000 / (out-1)   if out > 1, else ttft (ms)
func Compute(obs Observation) RequestRecord {
	latency := obs.End.Sub(obs.Start)

	rec := RequestRecord{
		Request:      obs.Seq,
		Start:        obs.Start,
		End:          obs.End,
		InputTokens:  obs.InputTokens,
		OutputTokens: obs.OutputTokens,
		LatencyMs:    durationMs(latency),
		TTFTMs:       durationMs(obs.TTFT),
	}

	if obs.OutputTokens > 1 {
		window := latency - obs.TTFT
		if window < minGenerationWindow {
			window = minGenerationWindow
		}
		steps := float64(obs.OutputTokens - 1)
		rec.Throughput = steps / window.Seconds()
		rec.PerTokenLatencyMs = window.Seconds() * 1000 / steps
	} else {
		rec.Throughput = 0
		rec.PerTokenLatencyMs = rec.TTFTMs
	}

	return rec
}

// Row renders the record in raw file column order
func (r RequestRecord) Row() []string {
	return []string{
		strconv.Itoa(r.Request),
		r.Start.Format(TimeLayout),
		r.End.Format(TimeLayout),
		strconv.Itoa(r.InputTokens),
		strconv.Itoa(r.OutputTokens),
		formatFloat(r.LatencyMs),
		formatFloat(r.Throughput),
		formatFloat(r.PerTokenLatencyMs),
		formatFloat(r.TTFTMs),
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
