package provider

import "encoding/json"

// tgi speaks the Hugging Face text-generation-inference /generate_stream format:
//
//	data:{"token":{"id":318,"text":" the","special":false},"generated_text":null}
type tgi struct{}

type tgiRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters tgiParameters `json:"parameters"`
}

type tgiParameters struct {
	MaxNewTokens int `json:"max_new_tokens"`
}

type tgiChunk struct {
	Token *struct {
		Text *string `json:"text"`
	} `json:"token"`
}

func (tgi) Name() Name { return TGI }

func (tgi) BuildRequest(params GenerateParams) ([]byte, error) {
	return json.Marshal(tgiRequest{
		Inputs:     params.Prompt,
		Parameters: tgiParameters{MaxNewTokens: params.MaxTokens},
	})
}

func (tgi) DecodeLine(line []byte) (string, bool, error) {
	payload, ok := ssePayload(line)
	if !ok {
		return "", false, nil
	}
	var chunk tgiChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return "", false, decodeErr(TGI, line, err)
	}
	if chunk.Token == nil || chunk.Token.Text == nil {
		return "", false, decodeErr(TGI, line, errMissingField)
	}
	return *chunk.Token.Text, false, nil
}
