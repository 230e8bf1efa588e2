package results

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func obsAt(latency, ttft time.Duration, out int) Observation {
	start := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC)
	return Observation{
		Seq:          1,
		Start:        start,
		End:          start.Add(latency),
		TTFT:         ttft,
		InputTokens:  32,
		OutputTokens: out,
	}
}

func TestCompute_SingleToken(t *testing.T) {
	rec := Compute(obsAt(400*time.Millisecond, 120*time.Millisecond, 1))

	assert.Equal(t, 0.0, rec.Throughput)
	assert.Equal(t, rec.TTFTMs, rec.PerTokenLatencyMs)
	assert.InDelta(t, 120.0, rec.TTFTMs, 1e-9)
	assert.InDelta(t, 400.0, rec.LatencyMs, 1e-9)
}

func TestCompute_ZeroTokens(t *testing.T) {
	rec := Compute(obsAt(50*time.Millisecond, 50*time.Millisecond, 0))
	assert.Equal(t, 0.0, rec.Throughput)
	assert.Equal(t, rec.TTFTMs, rec.PerTokenLatencyMs)
}

func TestCompute_MultiToken(t *testing.T) {
	tests := []struct {
		latency time.Duration
		ttft    time.Duration
		out     int
	}{
		{2 * time.Second, 500 * time.Millisecond, 64},
		{750 * time.Millisecond, 100 * time.Millisecond, 2},
		{10 * time.Second, 3 * time.Second, 256},
	}

	for _, tt := range tests {
		rec := Compute(obsAt(tt.latency, tt.ttft, tt.out))

		window := (tt.latency - tt.ttft).Seconds()
		assert.InDelta(t, float64(tt.out-1)/window, rec.Throughput, 1e-9)
		assert.InDelta(t, window*1000/float64(tt.out-1), rec.PerTokenLatencyMs, 1e-9)
		assert.InDelta(t, float64(tt.latency.Milliseconds()), rec.LatencyMs, 1e-9)
	}
}

func TestCompute_ZeroWindowIsClamped(t *testing.T) {
	rec := Compute(obsAt(300*time.Millisecond, 300*time.Millisecond, 11))

	assert.InDelta(t, 10/minGenerationWindow.Seconds(), rec.Throughput, 1e-3)
	assert.False(t, math.IsNaN(rec.Throughput))
	assert.False(t, math.IsInf(rec.Throughput, 0))
	assert.Greater(t, rec.PerTokenLatencyMs, 0.0)
}

func TestRequestRecord_Row(t *testing.T) {
	o := obsAt(1500*time.Millisecond, 250*time.Millisecond, 6)
	o.Start = o.Start.Add(123456 * time.Microsecond)
	o.End = o.Start.Add(1500 * time.Millisecond)
	o.Seq = 4

	row := Compute(o).Row()

	assert.Equal(t, []string{
		"4",
		"10:30:00.123456",
		"10:30:01.623456",
		"32",
		"6",
		"1500.000",
		"4.000",
		"250.000",
		"250.000",
	}, row)
	assert.Len(t, row, len(RawHeader))
}
