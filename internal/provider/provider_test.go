package provider

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	for _, name := range []string{"TGI", "Ollama", "Llamacpp", "vLLM", "vllm", " tgi "} {
		t.Run(name, func(t *testing.T) {
			p, err := Lookup(name)
			require.NoError(t, err)
			assert.True(t, strings.EqualFold(strings.TrimSpace(name), string(p.Name())))
		})
	}

	_, err := Lookup("openai")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownProvider))
	assert.Contains(t, err.Error(), "openai")
}

func TestBuildRequest_Shapes(t *testing.T) {
	params := GenerateParams{Model: "llama3", Prompt: "hello", MaxTokens: 64}

	tests := []struct {
		provider Name
		want     map[string]interface{}
	}{
		{TGI, map[string]interface{}{
			"inputs":     "hello",
			"parameters": map[string]interface{}{"max_new_tokens": float64(64)},
		}},
		{Ollama, map[string]interface{}{
			"model": "llama3", "prompt": "hello", "stream": true,
			"options": map[string]interface{}{"num_predict": float64(64)},
		}},
		{Llamacpp, map[string]interface{}{
			"prompt": "hello", "n_predict": float64(64), "stream": true,
		}},
		{VLLM, map[string]interface{}{
			"model": "llama3", "prompt": "hello", "max_tokens": float64(64),
			"min_tokens": float64(64), "stream": true,
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			p, err := Lookup(string(tt.provider))
			require.NoError(t, err)

			body, err := p.BuildRequest(params)
			require.NoError(t, err)

			var got map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildRequest_ModelRequired(t *testing.T) {
	for _, name := range []Name{Ollama, VLLM} {
		p, err := Lookup(string(name))
		require.NoError(t, err)
		_, err = p.BuildRequest(GenerateParams{Prompt: "x", MaxTokens: 1})
		assert.ErrorIs(t, err, ErrMissingModel)
		assert.True(t, RequiresModel(name))
	}
	assert.False(t, RequiresModel(TGI))
	assert.False(t, RequiresModel(Llamacpp))
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name     string
		provider Name
		line     string
		fragment string
		done     bool
		wantErr  bool
	}{
		{"tgi token", TGI, `data:{"token":{"id":1,"text":" the"}}`, " the", false, false},
		{"tgi missing key", TGI, `data:{"generated_text":"x"}`, "", false, true},
		{"tgi bad json", TGI, `data:{not json`, "", false, true},
		{"tgi non data line", TGI, `event: ping`, "", false, false},
		{"ollama response", Ollama, `{"response":"Hi","done":false}`, "Hi", false, false},
		{"ollama final", Ollama, `{"response":"","done":true}`, "", true, false},
		{"ollama bad json", Ollama, `garbage`, "", false, true},
		{"llamacpp bare", Llamacpp, `{"content":"ab","stop":false}`, "ab", false, false},
		{"llamacpp sse", Llamacpp, `data: {"content":"cd"}`, "cd", false, false},
		{"llamacpp wrong key", Llamacpp, `{"response":"x"}`, "", false, true},
		{"vllm text", VLLM, `data: {"choices":[{"index":0,"text":"ok"}]}`, "ok", false, false},
		{"vllm done", VLLM, `data: [DONE]`, "", true, false},
		{"vllm empty choices", VLLM, `data: {"choices":[]}`, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Lookup(string(tt.provider))
			require.NoError(t, err)

			fragment, done, err := p.DecodeLine([]byte(tt.line))
			if tt.wantErr {
				var de *DecodeError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, tt.provider, de.Provider)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.fragment, fragment)
			assert.Equal(t, tt.done, done)
		})
	}
}

// fixedClock advances by step on every call
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(step)
		return current
	}
}

func TestDecoder_ReassemblesTextAndTTFT(t *testing.T) {
	p, err := Lookup("TGI")
	require.NoError(t, err)

	start := time.Unix(1000, 0)
	d := NewDecoder(p, WithClock(fixedClock(start, 25*time.Millisecond)))

	body := strings.Join([]string{
		``,
		`data:{"token":{"text":"Hello"}}`,
		``,
		`data:{broken`,
		`data:{"token":{"text":" world"}}`,
	}, "\n")

	res, err := d.Decode(context.Background(), strings.NewReader(body), start)
	require.NoError(t, err)

	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, 25*time.Millisecond, res.TTFT)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, 1, res.DecodeErrors)
	assert.False(t, res.Terminated)
}

func TestDecoder_StopsAtTerminator(t *testing.T) {
	p, err := Lookup("vLLM")
	require.NoError(t, err)
	d := NewDecoder(p)

	body := strings.Join([]string{
		`data: {"choices":[{"text":"a"}]}`,
		`data: {"choices":[{"text":"b"}]}`,
		`data: [DONE]`,
		`data: {"choices":[{"text":"never"}]}`,
	}, "\n")

	res, err := d.Decode(context.Background(), strings.NewReader(body), time.Now())
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Text)
	assert.True(t, res.Terminated)
	assert.Equal(t, 3, res.Chunks)
}

func TestDecoder_EmptyStreamIsFailure(t *testing.T) {
	p, err := Lookup("Ollama")
	require.NoError(t, err)
	d := NewDecoder(p)

	res, err := d.Decode(context.Background(), strings.NewReader("\n\n  \n"), time.Now())
	require.Error(t, err)
	assert.True(t, IsNoTokens(err))
	assert.Zero(t, res.TTFT)
	assert.Zero(t, res.Chunks)
}

func TestStreamError(t *testing.T) {
	err := NewStreamError(VLLM, "http://host/v1/completions", 503, "overloaded", nil)
	assert.Contains(t, err.Error(), "HTTP 503")
	assert.Contains(t, err.Error(), "http://host/v1/completions")
	assert.True(t, IsHTTPError(err))

	wrapped := NewStreamError(TGI, "http://host", 0, "dial failed", errors.New("connection refused"))
	assert.False(t, IsHTTPError(wrapped))
	assert.Contains(t, wrapped.Error(), "dial failed")
	assert.EqualError(t, errors.Unwrap(wrapped), "connection refused")
}
