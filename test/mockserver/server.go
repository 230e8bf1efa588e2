// Package mockserver is an in-process text generation server that streams
// responses in the TGI, Ollama, llama.cpp and vLLM wire formats.
package mockserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
)

// Endpoint paths served for each wire format
const (
	TGIPath      = "/generate_stream"
	OllamaPath   = "/api/generate"
	LlamacppPath = "/completion"
	VLLMPath     = "/v1/completions"
)

// words are emitted one per token; each counts as a single token
var words = []string{"lorem", "ipsum", "dolor", "sit", "amet", "elit", "sed", "magna"}

// Server is the mock inference server
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock inference server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	s.router.POST(TGIPath, s.handleStream(tgiFormat{}))
	s.router.POST(OllamaPath, s.handleStream(ollamaFormat{}))
	s.router.POST(LlamacppPath, s.handleStream(llamacppFormat{}))
	s.router.POST(VLLMPath, s.handleStream(vllmFormat{}))

	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
}

// generateRequest accepts the request fields of every supported format
type generateRequest struct {
	Inputs     string `json:"inputs"`
	Prompt     string `json:"prompt"`
	Model      string `json:"model"`
	Stream     bool   `json:"stream"`
	NPredict   int    `json:"n_predict"`
	MaxTokens  int    `json:"max_tokens"`
	Parameters struct {
		MaxNewTokens int `json:"max_new_tokens"`
	} `json:"parameters"`
	Options struct {
		NumPredict int `json:"num_predict"`
	} `json:"options"`
}

func (r generateRequest) prompt() string {
	if r.Inputs != "" {
		return r.Inputs
	}
	return r.Prompt
}

func (r generateRequest) maxTokens() int {
	for _, n := range []int{r.Parameters.MaxNewTokens, r.Options.NumPredict, r.NPredict, r.MaxTokens} {
		if n > 0 {
			return n
		}
	}
	return 0
}

// format renders one wire variant
type format interface {
	contentType() string
	chunk(index int, text string) []byte
	final(model string) []byte
	malformed() []byte
	modelRequired() bool
}

func (s *Server) handleStream(f format) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req generateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if f.modelRequired() && req.Model == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
			return
		}

		p := s.state.begin(req.prompt(), req.maxTokens())
		if p.fail {
			status := p.status
			if status == 0 {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": "injected failure"})
			return
		}
		defer s.state.end()

		ctx := c.Request.Context()
		c.Header("Content-Type", f.contentType())
		c.Status(http.StatusOK)

		if !sleep(ctx, p.first) {
			return
		}
		if p.empty {
			c.Writer.Flush()
			return
		}

		for i := 0; i < p.tokens; i++ {
			if i > 0 && !sleep(ctx, p.perToken) {
				return
			}
			line := f.chunk(i, " "+words[i%len(words)])
			if p.malformed > 0 && (i+1)%p.malformed == 0 {
				line = f.malformed()
			}
			if _, err := c.Writer.Write(line); err != nil {
				s.logger.Warn("mock stream write failed", slog.String("error", err.Error()))
				return
			}
			c.Writer.Flush()
		}

		if final := f.final(req.Model); final != nil {
			_, _ = c.Writer.Write(final)
			c.Writer.Flush()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig is the body of POST /_test/config
type TestConfig struct {
	FirstTokenDelayMs int  `json:"first_token_delay_ms"`
	TokenDelayMs      int  `json:"token_delay_ms"`
	FailEvery         int  `json:"fail_every"`
	FailStatus        int  `json:"fail_status"`
	EmptyStream       bool `json:"empty_stream"`
	MalformedEvery    int  `json:"malformed_every"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.state.SetDelays(
		time.Duration(config.FirstTokenDelayMs)*time.Millisecond,
		time.Duration(config.TokenDelayMs)*time.Millisecond)
	s.state.SetFailEvery(config.FailEvery, config.FailStatus)
	s.state.SetEmptyStream(config.EmptyStream)
	s.state.SetMalformedEvery(config.MalformedEvery)

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func sse(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return []byte(fmt.Sprintf("data:%s\n\n", b))
}

func ndjson(v interface{}) []byte {
	b, _ := json.Marshal(v)
	return append(b, '\n')
}

type tgiFormat struct{}

func (tgiFormat) contentType() string { return "text/event-stream" }
func (tgiFormat) modelRequired() bool { return false }
func (tgiFormat) malformed() []byte   { return []byte("data:{\"token\":\n\n") }
func (tgiFormat) final(string) []byte { return nil }
func (tgiFormat) chunk(i int, text string) []byte {
	return sse(gin.H{"token": gin.H{"id": i, "text": text, "logprob": 0, "special": false}})
}

type ollamaFormat struct{}

func (ollamaFormat) contentType() string { return "application/x-ndjson" }
func (ollamaFormat) modelRequired() bool { return true }
func (ollamaFormat) malformed() []byte   { return []byte("{\"response\":\n") }
func (ollamaFormat) final(model string) []byte {
	return ndjson(gin.H{"model": model, "response": "", "done": true})
}
func (ollamaFormat) chunk(_ int, text string) []byte {
	return ndjson(gin.H{"response": text, "done": false})
}

type llamacppFormat struct{}

func (llamacppFormat) contentType() string { return "text/event-stream" }
func (llamacppFormat) modelRequired() bool { return false }
func (llamacppFormat) malformed() []byte   { return []byte("data: {\"content\"\n\n") }
func (llamacppFormat) final(string) []byte {
	return sse(gin.H{"content": "", "stop": true})
}
func (llamacppFormat) chunk(_ int, text string) []byte {
	return sse(gin.H{"content": text, "stop": false})
}

type vllmFormat struct{}

func (vllmFormat) contentType() string { return "text/event-stream" }
func (vllmFormat) modelRequired() bool { return true }
func (vllmFormat) malformed() []byte   { return []byte("data: {\"choices\":[\n\n") }
func (vllmFormat) final(string) []byte { return []byte("data: [DONE]\n\n") }
func (vllmFormat) chunk(i int, text string) []byte {
	return sse(gin.H{"id": "cmpl-mock", "object": "text_completion", "choices": []gin.H{{"index": 0, "text": text}}})
}
