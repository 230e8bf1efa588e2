package provider

import (
	"bytes"
	"encoding/json"
)

// vllm speaks the OpenAI-compatible /v1/completions SSE format:
//
//	data: {"choices":[{"index":0,"text":" the"}]}
//	data: [DONE]
type vllm struct{}

var vllmDone = []byte("[DONE]")

type vllmRequest struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	MinTokens int    `json:"min_tokens"`
	Stream    bool   `json:"stream"`
}

type vllmChunk struct {
	Choices []struct {
		Text *string `json:"text"`
	} `json:"choices"`
}

func (vllm) Name() Name { return VLLM }

// BuildRequest pins min_tokens to max_tokens so every request generates the
// configured output length.
func (vllm) BuildRequest(params GenerateParams) ([]byte, error) {
	if params.Model == "" {
		return nil, ErrMissingModel
	}
	return json.Marshal(vllmRequest{
		Model:     params.Model,
		Prompt:    params.Prompt,
		MaxTokens: params.MaxTokens,
		MinTokens: params.MaxTokens,
		Stream:    true,
	})
}

func (vllm) DecodeLine(line []byte) (string, bool, error) {
	payload, ok := ssePayload(line)
	if !ok {
		return "", false, nil
	}
	if bytes.Equal(payload, vllmDone) {
		return "", true, nil
	}
	var chunk vllmChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false, decodeErr(VLLM, line, err)
	}
	if len(chunk.Choices) == 0 || chunk.Choices[0].Text == nil {
		return "", false, decodeErr(VLLM, line, errMissingField)
	}
	return *chunk.Choices[0].Text, false, nil
}
