package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		OutDir:             "out",
		BaseURL:            "http://localhost:8000/v1/completions",
		InferenceServer:    "vLLM",
		Model:              "meta-llama/Meta-Llama-3-8B",
		DatasetDir:         "Input_Dataset",
		MaxRequests:        5,
		UserCounts:         []int{3},
		InputTokens:        []int{32},
		OutputTokens:       []int{256},
		IncrementUser:      10,
		TTFTThresholdMs:    2000,
		LatencyThresholdMs: 200,
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test_results", cfg.OutDir)
	assert.Equal(t, "vLLM", cfg.InferenceServer)
	assert.Equal(t, 5, cfg.MaxRequests)
	assert.Equal(t, []int{3}, cfg.UserCounts)
	assert.Equal(t, []int{32}, cfg.InputTokens)
	assert.Equal(t, []int{256}, cfg.OutputTokens)
	assert.Equal(t, 10, cfg.IncrementUser)
	assert.Equal(t, 30*time.Second, cfg.HoldInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.Database.Path)
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
  "_comment": "EchoSwift Configuration",
  "out_dir": "results",
  "base_url": "http://10.0.0.5:8080/generate_stream",
  "inference_server": "TGI",
  "max_requests": 2,
  "user_counts": [1, 4, 8],
  "input_tokens": [32, 64],
  "output_tokens": [128, 256],
  "ttft_threshold_ms": 1500,
  "hold_interval": "5s",
  "database": {"path": "history.db"}
}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "results", cfg.OutDir)
	assert.Equal(t, "TGI", cfg.InferenceServer)
	assert.Equal(t, []int{1, 4, 8}, cfg.UserCounts)
	assert.Equal(t, []int{128, 256}, cfg.OutputTokens)
	assert.Equal(t, 1500.0, cfg.TTFTThresholdMs)
	assert.Equal(t, 5*time.Second, cfg.HoldInterval)
	assert.Equal(t, "history.db", cfg.Database.Path)
	assert.Equal(t, 1, cfg.InitialUserCount())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("inference_server: Llamacpp\nmax_users: 40\nlogging:\n  format: text\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "Llamacpp", cfg.InferenceServer)
	assert.Equal(t, 40, cfg.MaxUsers)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "absent.json")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ECHOSWIFT_MAX_REQUESTS", "9")
	t.Setenv("ECHOSWIFT_MODEL", "llama3")
	t.Setenv("ECHOSWIFT_LOGGING_LEVEL", "debug")
	t.Setenv("API_URL", "http://gpu-host:11434/api/generate")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxRequests)
	assert.Equal(t, "llama3", cfg.Model)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "http://gpu-host:11434/api/generate", cfg.BaseURL)
}

func TestLoad_LogLevelEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestConfig_Validate_Success(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate_FieldErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"base url", func(c *Config) { c.BaseURL = "not a url" }, "base_url must be a valid URL"},
		{"max requests", func(c *Config) { c.MaxRequests = 0 }, "max_requests must be at least 1"},
		{"empty user counts", func(c *Config) { c.UserCounts = nil }, "user_counts is required"},
		{"zero user count", func(c *Config) { c.UserCounts = []int{3, 0} }, "user_counts[1] must be at least 1"},
		{"ttft threshold", func(c *Config) { c.TTFTThresholdMs = 0 }, "ttft_threshold_ms must be greater than 0"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format must be one of"},
		{"tokenizer", func(c *Config) { c.Tokenizer = "bpe" }, "tokenizer must be one of"},
		{"listen", func(c *Config) { c.Server.Listen = "no-port" }, "server.listen must be host:port"},
		{"tokenizer path", func(c *Config) { c.TokenizerPath = "/nonexistent/tokenizer.json" }, "tokenizer_path must be an existing file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Validate_Provider(t *testing.T) {
	cfg := validConfig()
	cfg.InferenceServer = "openai"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inference_server")

	cfg = validConfig()
	cfg.InferenceServer = "Ollama"
	cfg.Model = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model is required")

	cfg.InferenceServer = "TGI"
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_HFTokenizer(t *testing.T) {
	cfg := validConfig()
	cfg.Tokenizer = "hf"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tokenizer_path is required")

	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0644))
	cfg.TokenizerPath = path
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate_MaxUsers(t *testing.T) {
	cfg := validConfig()
	cfg.InitialUsers = 20
	cfg.MaxUsers = 10
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_users")
}

func TestInitialUserCount(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 3, cfg.InitialUserCount())
	cfg.InitialUsers = 7
	assert.Equal(t, 7, cfg.InitialUserCount())
	cfg.InitialUsers, cfg.UserCounts = 0, nil
	assert.Equal(t, 1, cfg.InitialUserCount())
}

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"BaseURL":            "base_url",
		"TTFTThresholdMs":    "ttft_threshold_ms",
		"LatencyThresholdMs": "latency_threshold_ms",
		"MaxUsers":           "max_users",
		"Listen":             "listen",
	}
	for in, want := range tests {
		assert.Equal(t, want, toSnakeCase(in), in)
	}
}
