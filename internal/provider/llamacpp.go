package provider

import "encoding/json"

// llamacpp speaks the llama.cpp server /completion format. The server emits
// JSON objects keyed by "content", with or without an SSE data marker.
type llamacpp struct{}

type llamacppRequest struct {
	Prompt   string `json:"prompt"`
	NPredict int    `json:"n_predict"`
	Stream   bool   `json:"stream"`
}

type llamacppChunk struct {
	Content *string `json:"content"`
	Stop    bool    `json:"stop"`
}

func (llamacpp) Name() Name { return Llamacpp }

func (llamacpp) BuildRequest(params GenerateParams) ([]byte, error) {
	return json.Marshal(llamacppRequest{
		Prompt:   params.Prompt,
		NPredict: params.MaxTokens,
		Stream:   true,
	})
}

func (llamacpp) DecodeLine(line []byte) (string, bool, error) {
	payload := line
	if p, ok := ssePayload(line); ok {
		payload = p
	}
	var chunk llamacppChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false, decodeErr(Llamacpp, line, err)
	}
	if chunk.Content == nil {
		return "", chunk.Stop, decodeErr(Llamacpp, line, errMissingField)
	}
	return *chunk.Content, chunk.Stop, nil
}
