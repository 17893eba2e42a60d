// Package config loads the contentflow configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("contentflow.yaml").
//	    WithEnvPrefix("CONTENTFLOW").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full contentflow configuration.
type Config struct {
	Router    RouterConfig            `yaml:"router" env:"ROUTER"`
	Workflow  WorkflowConfig          `yaml:"workflow" env:"WORKFLOW"`
	Providers map[string]ProviderConf `yaml:"providers" env:"-"`
	Database  DatabaseConfig          `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig             `yaml:"redis" env:"REDIS"`
	Log       LogConfig               `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig         `yaml:"telemetry" env:"TELEMETRY"`
}

// RouterConfig tunes the provider router.
type RouterConfig struct {
	// ConfigCacheTTL bounds how stale the model catalog may get.
	ConfigCacheTTL time.Duration `yaml:"config_cache_ttl" env:"CONFIG_CACHE_TTL"`
	// QualityThreshold is the default minimum model quality score.
	QualityThreshold float64 `yaml:"quality_threshold" env:"QUALITY_THRESHOLD"`
	// MaxRetriesPerModel is the default per-handler retry budget.
	MaxRetriesPerModel int `yaml:"max_retries_per_model" env:"MAX_RETRIES_PER_MODEL"`
	// ResponseCacheTTL is the redis response cache TTL; 0 disables caching.
	ResponseCacheTTL time.Duration `yaml:"response_cache_ttl" env:"RESPONSE_CACHE_TTL"`
}

// WorkflowConfig tunes the orchestration engine.
type WorkflowConfig struct {
	// MaxBackoff caps the exponential backoff between phase retries.
	MaxBackoff time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// DefaultPhaseTimeout applies when a phase declares none.
	DefaultPhaseTimeout time.Duration `yaml:"default_phase_timeout" env:"DEFAULT_PHASE_TIMEOUT"`
	// HistoryLimit bounds the in-memory history store.
	HistoryLimit int `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

// ProviderConf configures one provider transport. Keys of the Providers map
// are provider tags (ollama, openai, anthropic, gemini).
type ProviderConf struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

// DatabaseConfig configures the sqlite store.
type DatabaseConfig struct {
	// Path is the sqlite file path, or ":memory:".
	Path string `yaml:"path" env:"PATH"`
	// Seed loads the starter model catalog when the table is empty.
	Seed bool `yaml:"seed" env:"SEED"`
}

// RedisConfig configures the response cache backend.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
	PoolSize int    `yaml:"pool_size" env:"POOL_SIZE"`
}

// LogConfig configures zap.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json or console.
	Format string `yaml:"format" env:"FORMAT"`
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
	// MetricsPort serves the prometheus scrape endpoint; 0 disables it.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			ConfigCacheTTL:     5 * time.Minute,
			QualityThreshold:   0.7,
			MaxRetriesPerModel: 3,
			ResponseCacheTTL:   time.Hour,
		},
		Workflow: WorkflowConfig{
			MaxBackoff:          30 * time.Second,
			DefaultPhaseTimeout: 2 * time.Minute,
			HistoryLimit:        1000,
		},
		Providers: map[string]ProviderConf{
			"ollama": {BaseURL: "http://localhost:11434"},
		},
		Database: DatabaseConfig{
			Path: "contentflow.db",
			Seed: true,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
		Telemetry: TelemetryConfig{
			ServiceName: "contentflow",
			SampleRate:  1.0,
			MetricsPort: 9090,
		},
	}
}

// Loader loads configuration with builder-style options.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the CONTENTFLOW env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "CONTENTFLOW"}
}

// WithConfigPath sets the YAML file path. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends a validation hook run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then YAML, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		if err := setFieldValue(field, raw); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
			return nil
		}
		return fmt.Errorf("unsupported slice type %s", field.Type())
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Router.ConfigCacheTTL <= 0 {
		return fmt.Errorf("router.config_cache_ttl must be positive")
	}
	if c.Router.QualityThreshold < 0 || c.Router.QualityThreshold > 1 {
		return fmt.Errorf("router.quality_threshold must be in [0, 1]")
	}
	if c.Router.MaxRetriesPerModel < 1 {
		return fmt.Errorf("router.max_retries_per_model must be at least 1")
	}
	if c.Workflow.MaxBackoff <= 0 {
		return fmt.Errorf("workflow.max_backoff must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// MustLoad loads from path and panics on error. Intended for main().
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("config load failed: %v", err))
	}
	return cfg
}
