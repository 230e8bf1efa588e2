package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/echoswift/echoswift/internal/metrics"
	"github.com/echoswift/echoswift/internal/provider"
	"github.com/echoswift/echoswift/internal/results"
	"github.com/echoswift/echoswift/internal/tokenizer"
)

// UserState is a step of the virtual user loop
type UserState int32

const (
	StateInit UserState = iota
	StateWaitStart
	StateSendRequest
	StateDecodeStream
	StateRecordMetric
	StateWaitEnd
	StateStopped
)

func (s UserState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWaitStart:
		return "wait_start_barrier"
	case StateSendRequest:
		return "send_request"
	case StateDecodeStream:
		return "decode_stream"
	case StateRecordMetric:
		return "record_metric"
	case StateWaitEnd:
		return "wait_end_barrier"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 512

// cohort is the read-only state shared by all users of one run
type cohort struct {
	client       *http.Client
	endpoint     string
	decoder      *provider.Decoder
	tokenizer    tokenizer.Tokenizer
	model        string
	prompts      []string
	outputTokens int
	maxRequests  int
	barrier      *Barrier
	sink         *results.Sink
	logger       *slog.Logger
	now          func() time.Time
	// onWave is called by user 1 after each end barrier release
	onWave func(wave int)
}

// UserStats counts a user's outcomes
type UserStats struct {
	Succeeded int
	Failed    int
	LastError error
}

// VirtualUser issues synchronized streaming requests until its quota is spent
type VirtualUser struct {
	id     int
	cohort *cohort
	rng    *rand.Rand
	state  atomic.Int32
	stats  UserStats
}

func newVirtualUser(id int, c *cohort, seed uint64) *VirtualUser {
	return &VirtualUser{
		id:     id,
		cohort: c,
		rng:    rand.New(rand.NewPCG(seed, uint64(id))),
	}
}

// ID returns the user's 1-based index in its cohort
func (u *VirtualUser) ID() int {
	return u.id
}

// State returns the user's current step
func (u *VirtualUser) State() UserState {
	return UserState(u.state.Load())
}

func (u *VirtualUser) setState(s UserState) {
	u.state.Store(int32(s))
}

// Run executes the user's request loop. Request failures are logged and
// counted; the user still takes part in both barrier waits so the cohort
// stays in step. Run returns early only when the barrier breaks or the
// raw metrics sink rejects a row.
func (u *VirtualUser) Run(ctx context.Context) (UserStats, error) {
	c := u.cohort
	defer u.setState(StateStopped)

	for seq := 1; seq <= c.maxRequests; seq++ {
		u.setState(StateWaitStart)
		if err := u.wait(ctx, "start"); err != nil {
			return u.stats, err
		}

		rec, err := u.request(ctx, seq)
		if err != nil {
			u.stats.Failed++
			u.stats.LastError = err
			metrics.RecordInferenceFailure(string(c.decoder.Provider().Name()))
			c.logger.WarnContext(ctx, "request failed, skipping metric",
				slog.Int("request", seq),
				slog.String("error", err.Error()))
		} else {
			u.setState(StateRecordMetric)
			if err := c.sink.Record(rec); err != nil {
				c.barrier.Break()
				return u.stats, err
			}
			u.stats.Succeeded++
		}

		u.setState(StateWaitEnd)
		if err := u.wait(ctx, "end"); err != nil {
			return u.stats, err
		}
		if u.id == 1 && c.onWave != nil {
			c.onWave(seq)
		}
	}
	return u.stats, nil
}

func (u *VirtualUser) wait(ctx context.Context, position string) error {
	start := time.Now()
	err := u.cohort.barrier.Wait(ctx)
	metrics.RecordBarrierWait(position, time.Since(start))
	return err
}

func (u *VirtualUser) pickPrompt() string {
	prompts := u.cohort.prompts
	return prompts[u.rng.IntN(len(prompts))]
}

// request sends one streaming completion and computes its record
func (u *VirtualUser) request(ctx context.Context, seq int) (results.RequestRecord, error) {
	c := u.cohort
	p := c.decoder.Provider()
	prompt := u.pickPrompt()

	body, err := p.BuildRequest(provider.GenerateParams{
		Model:     c.model,
		Prompt:    prompt,
		MaxTokens: c.outputTokens,
	})
	if err != nil {
		return results.RequestRecord{}, fmt.Errorf("build %s request: %w", p.Name(), err)
	}

	u.setState(StateSendRequest)
	start := c.now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return results.RequestRecord{}, provider.NewStreamError(p.Name(), c.endpoint, 0, "invalid request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return results.RequestRecord{}, provider.NewStreamError(p.Name(), c.endpoint, 0, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return results.RequestRecord{}, provider.NewStreamError(p.Name(), c.endpoint, resp.StatusCode, string(bytes.TrimSpace(msg)), nil)
	}

	u.setState(StateDecodeStream)
	stream, err := c.decoder.Decode(ctx, resp.Body, start)
	if stream != nil {
		metrics.RecordDecodeErrors(string(p.Name()), stream.DecodeErrors)
	}
	if err != nil {
		return results.RequestRecord{}, provider.NewStreamError(p.Name(), c.endpoint, 0, "decode stream", err)
	}
	end := c.now()

	outputTokens := c.tokenizer.Count(stream.Text)
	if outputTokens == 0 {
		msg := "stream generated no text"
		if stream.DecodeErrors > 0 {
			msg = fmt.Sprintf("all %d chunks malformed", stream.DecodeErrors)
		}
		return results.RequestRecord{}, provider.NewStreamError(p.Name(), c.endpoint, 0, msg, provider.ErrNoTokens)
	}

	rec := results.Compute(results.Observation{
		Seq:          seq,
		Start:        start,
		End:          end,
		TTFT:         stream.TTFT,
		InputTokens:  c.tokenizer.Count(prompt),
		OutputTokens: outputTokens,
	})
	metrics.RecordInferenceSuccess(string(p.Name()), end.Sub(start), stream.TTFT, outputTokens)

	c.logger.DebugContext(ctx, "request complete",
		slog.Int("request", seq),
		slog.Int("output_tokens", outputTokens),
		slog.Float64("latency_ms", rec.LatencyMs),
		slog.Float64("ttft_ms", rec.TTFTMs))
	return rec, nil
}
