package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// maxLineBytes bounds a single streamed line
const maxLineBytes = 1 << 20

// StreamResult is the decoded outcome of one streaming response
type StreamResult struct {
	// Text is the reassembled generated text
	Text string
	// TTFT is the offset of the first non-empty chunk from the request start
	TTFT time.Duration
	// Chunks counts non-empty lines read
	Chunks int
	// DecodeErrors counts lines that were skipped as malformed
	DecodeErrors int
	// Terminated is true when an explicit terminator ended the stream
	Terminated bool
}

// Decoder drives a Provider over a response body
type Decoder struct {
	provider Provider
	logger   *slog.Logger
	now      func() time.Time
}

// DecoderOption configures a Decoder
type DecoderOption func(*Decoder)

// WithDecoderLogger sets a custom logger
func WithDecoderLogger(logger *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = logger
	}
}

// WithClock overrides the time source (for tests)
func WithClock(now func() time.Time) DecoderOption {
	return func(d *Decoder) {
		d.now = now
	}
}

// NewDecoder creates a decoder for a provider
func NewDecoder(p Provider, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		provider: p,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Provider returns the wire format this decoder drives
func (d *Decoder) Provider() Provider {
	return d.provider
}

// Decode reads body line by line until EOF or an explicit terminator.
// A malformed line is logged and skipped. If no non-empty chunk arrives the
// returned error wraps ErrNoTokens and TTFT is left unset.
func (d *Decoder) Decode(ctx context.Context, body io.Reader, start time.Time) (*StreamResult, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	result := &StreamResult{}
	var text strings.Builder

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if result.Chunks == 0 {
			result.TTFT = d.now().Sub(start)
			d.logger.DebugContext(ctx, "first chunk received",
				slog.String("provider", string(d.provider.Name())),
				slog.Float64("ttft_ms", float64(result.TTFT.Microseconds())/1000))
		}
		result.Chunks++

		fragment, done, err := d.provider.DecodeLine(line)
		if err != nil {
			result.DecodeErrors++
			d.logger.WarnContext(ctx, "skipping malformed stream chunk",
				slog.String("provider", string(d.provider.Name())),
				slog.String("error", err.Error()))
		} else {
			text.WriteString(fragment)
		}
		if done {
			result.Terminated = true
			break
		}
	}

	result.Text = text.String()

	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("reading %s stream: %w", d.provider.Name(), err)
	}
	if result.Chunks == 0 {
		return result, ErrNoTokens
	}
	return result, nil
}
