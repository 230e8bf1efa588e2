package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/echoswift/echoswift/internal/provider"
	"github.com/echoswift/echoswift/internal/tokenizer"
)

// EnvPrefix prefixes every environment override, e.g. ECHOSWIFT_MAX_REQUESTS
const EnvPrefix = "ECHOSWIFT"

// Config holds all application configuration. Top-level keys match the
// JSON config file format.
type Config struct {
	OutDir          string `mapstructure:"out_dir" validate:"required"`
	BaseURL         string `mapstructure:"base_url" validate:"required,url"`
	InferenceServer string `mapstructure:"inference_server" validate:"required"`
	Model           string `mapstructure:"model"`
	DatasetDir      string `mapstructure:"dataset_dir" validate:"required"`
	Tokenizer       string `mapstructure:"tokenizer" validate:"omitempty,oneof=heuristic chars hf"`

	// TokenizerPath is the tokenizer.json loaded by the hf tokenizer
	TokenizerPath string `mapstructure:"tokenizer_path" validate:"omitempty,file"`

	MaxRequests  int   `mapstructure:"max_requests" validate:"min=1"`
	UserCounts   []int `mapstructure:"user_counts" validate:"required,min=1,dive,min=1"`
	InputTokens  []int `mapstructure:"input_tokens" validate:"required,min=1,dive,min=1"`
	OutputTokens []int `mapstructure:"output_tokens" validate:"required,min=1,dive,min=1"`

	// InitialUsers starts calibration; zero means the first user count
	InitialUsers       int           `mapstructure:"initial_users" validate:"min=0"`
	IncrementUser      int           `mapstructure:"increment_user" validate:"min=1"`
	MaxUsers           int           `mapstructure:"max_users" validate:"min=0"`
	TTFTThresholdMs    float64       `mapstructure:"ttft_threshold_ms" validate:"gt=0"`
	LatencyThresholdMs float64       `mapstructure:"latency_threshold_ms" validate:"gt=0"`
	HoldInterval       time.Duration `mapstructure:"hold_interval" validate:"min=0"`
	HoldRounds         int           `mapstructure:"hold_rounds" validate:"min=0"`

	SpawnRate      float64       `mapstructure:"spawn_rate" validate:"min=0"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=0"`

	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Path of the SQLite history database; empty disables history
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json text"` // "json" or "text"
}

// ServerConfig holds status server configuration
type ServerConfig struct {
	// Listen is the status server address; empty disables the server
	Listen string `mapstructure:"listen" validate:"omitempty,hostname_port"`
}

// InitialUserCount is the concurrency calibration starts at
func (c *Config) InitialUserCount() int {
	if c.InitialUsers > 0 {
		return c.InitialUsers
	}
	if len(c.UserCounts) > 0 {
		return c.UserCounts[0]
	}
	return 1
}

// Load loads configuration from file and environment. The file is optional
// and may be JSON or YAML, chosen by extension.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("out_dir", "test_results")
	v.SetDefault("base_url", "http://localhost:8000/v1/completions")
	v.SetDefault("inference_server", string(provider.VLLM))
	v.SetDefault("model", "")
	v.SetDefault("dataset_dir", "Input_Dataset")
	v.SetDefault("tokenizer", "heuristic")
	v.SetDefault("tokenizer_path", "")

	v.SetDefault("max_requests", 5)
	v.SetDefault("user_counts", []int{3})
	v.SetDefault("input_tokens", []int{32})
	v.SetDefault("output_tokens", []int{256})

	// Calibration defaults
	v.SetDefault("initial_users", 0)
	v.SetDefault("increment_user", 10)
	v.SetDefault("max_users", 0)
	v.SetDefault("ttft_threshold_ms", 2000.0)
	v.SetDefault("latency_threshold_ms", 200.0)
	v.SetDefault("hold_interval", 30*time.Second)
	v.SetDefault("hold_rounds", 0)

	v.SetDefault("spawn_rate", 0.0)
	v.SetDefault("request_timeout", time.Duration(0))

	v.SetDefault("database.path", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("server.listen", "")
}

func bindEnvVars(v *viper.Viper) {
	// BindEnv errors are non-fatal but should be logged
	bindEnv := func(key string, envVars ...string) {
		if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.Any("env_vars", envVars),
				slog.String("error", err.Error()))
		}
	}

	// legacy unprefixed names are still honoured; the prefixed name wins
	bindEnv("base_url", EnvPrefix+"_BASE_URL", "API_URL")
	bindEnv("logging.level", EnvPrefix+"_LOGGING_LEVEL", "LOG_LEVEL")
	bindEnv("logging.format", EnvPrefix+"_LOGGING_FORMAT", "LOG_FORMAT")
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return sanitizeValidationError(err)
	}

	name, err := provider.Lookup(c.InferenceServer)
	if err != nil {
		return fmt.Errorf("inference_server: %w", err)
	}
	if provider.RequiresModel(name.Name()) && c.Model == "" {
		return fmt.Errorf("model is required when inference_server is %s", name.Name())
	}
	if c.Tokenizer == tokenizer.KindHF && c.TokenizerPath == "" {
		return fmt.Errorf("tokenizer_path is required when tokenizer is %s", tokenizer.KindHF)
	}
	if c.MaxUsers > 0 && c.MaxUsers < c.InitialUserCount() {
		return fmt.Errorf("max_users %d is below the initial user count %d", c.MaxUsers, c.InitialUserCount())
	}
	return nil
}

// sanitizeValidationError reports validation failures by their config key
func sanitizeValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	messages := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		key := configKey(fe.Namespace())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", key))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", key, fe.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", key, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", key, fe.Param()))
		case "url":
			messages = append(messages, fmt.Sprintf("%s must be a valid URL", key))
		case "hostname_port":
			messages = append(messages, fmt.Sprintf("%s must be host:port", key))
		case "file":
			messages = append(messages, fmt.Sprintf("%s must be an existing file", key))
		default:
			messages = append(messages, fmt.Sprintf("%s is invalid", key))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

// configKey maps a validator namespace like Config.Logging.Level[0] to the
// snake_case config key logging.level[0]
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnakeCase(p)
	}
	return strings.Join(parts, ".")
}

func toSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper {
			// acronym runs like URL or TTFT stay together
			prevLower := i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i > 0 && i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z' && runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
