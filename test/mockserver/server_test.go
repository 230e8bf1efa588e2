package mockserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/echoswift/echoswift/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func streamOnce(t *testing.T, url string, p provider.Provider, maxTokens int) (*provider.StreamResult, error) {
	t.Helper()

	body, err := p.BuildRequest(provider.GenerateParams{Model: "mock", Prompt: "hello there", MaxTokens: maxTokens})
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	return provider.NewDecoder(p).Decode(context.Background(), resp.Body, time.Now())
}

func TestServer_AllFormatsDecode(t *testing.T) {
	srv := NewServer(nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	paths := map[provider.Name]string{
		provider.TGI:      TGIPath,
		provider.Ollama:   OllamaPath,
		provider.Llamacpp: LlamacppPath,
		provider.VLLM:     VLLMPath,
	}

	for name, path := range paths {
		t.Run(string(name), func(t *testing.T) {
			p, err := provider.Lookup(string(name))
			require.NoError(t, err)

			res, err := streamOnce(t, ts.URL+path, p, 3)
			require.NoError(t, err)
			assert.Equal(t, " lorem ipsum dolor", res.Text)
			assert.Zero(t, res.DecodeErrors)
		})
	}

	assert.Equal(t, 4, srv.State().Requests())
	assert.Equal(t, []string{"hello there", "hello there", "hello there", "hello there"}, srv.State().Prompts())
}

func TestServer_VLLMStopsAtDone(t *testing.T) {
	ts := httptest.NewServer(NewServer(nil).Router())
	defer ts.Close()

	p, err := provider.Lookup("vLLM")
	require.NoError(t, err)

	res, err := streamOnce(t, ts.URL+VLLMPath, p, 2)
	require.NoError(t, err)
	assert.True(t, res.Terminated)
	assert.Equal(t, 3, res.Chunks)
}

func TestServer_MalformedChunksAreSkipped(t *testing.T) {
	srv := NewServer(nil)
	srv.State().SetMalformedEvery(2)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	p, err := provider.Lookup("TGI")
	require.NoError(t, err)

	res, err := streamOnce(t, ts.URL+TGIPath, p, 4)
	require.NoError(t, err)
	assert.Equal(t, " lorem dolor", res.Text)
	assert.Equal(t, 2, res.DecodeErrors)
}

func TestServer_EmptyStream(t *testing.T) {
	srv := NewServer(nil)
	srv.State().SetEmptyStream(true)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	p, err := provider.Lookup("Llamacpp")
	require.NoError(t, err)

	_, err = streamOnce(t, ts.URL+LlamacppPath, p, 4)
	assert.True(t, provider.IsNoTokens(err))
}

func TestServer_InjectedFailures(t *testing.T) {
	srv := NewServer(nil)
	srv.State().SetFailEvery(2, http.StatusTooManyRequests)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := http.Post(ts.URL+TGIPath, "application/json", bytes.NewReader([]byte(`{"inputs":"x","parameters":{"max_new_tokens":1}}`)))
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{200, 429, 200, 429}, statuses)
	assert.Equal(t, 2, srv.State().Failures())
}

func TestServer_ModelRequired(t *testing.T) {
	srv := NewServer(nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, OllamaPath, bytes.NewReader([]byte(`{"prompt":"x"}`)))
	srv.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_TestControlEndpoints(t *testing.T) {
	srv := NewServer(nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/_test/config", bytes.NewReader([]byte(`{"fail_every":1,"fail_status":500}`)))
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, TGIPath, bytes.NewReader([]byte(`{"inputs":"x"}`)))
	srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/_test/reset", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, srv.State().Requests())

	w = httptest.NewRecorder()
	srv.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
