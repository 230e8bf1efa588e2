package provider

import "encoding/json"

// ollama speaks the /api/generate newline-delimited JSON format:
//
//	{"model":"llama3","response":" the","done":false}
type ollama struct{}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

type ollamaChunk struct {
	Response *string `json:"response"`
	Done     bool    `json:"done"`
}

func (ollama) Name() Name { return Ollama }

func (ollama) BuildRequest(params GenerateParams) ([]byte, error) {
	if params.Model == "" {
		return nil, ErrMissingModel
	}
	return json.Marshal(ollamaRequest{
		Model:   params.Model,
		Prompt:  params.Prompt,
		Stream:  true,
		Options: ollamaOptions{NumPredict: params.MaxTokens},
	})
}

func (ollama) DecodeLine(line []byte) (string, bool, error) {
	var chunk ollamaChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false, decodeErr(Ollama, line, err)
	}
	if chunk.Response == nil {
		return "", chunk.Done, decodeErr(Ollama, line, errMissingField)
	}
	return *chunk.Response, chunk.Done, nil
}
