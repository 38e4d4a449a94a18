// Package config loads server and CLI settings. Precedence, highest first:
// flags bound by the caller, MODERATION_* environment variables, the optional
// YAML file, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/triage-ai/palisade/moderation/internal/audit"
	"github.com/triage-ai/palisade/moderation/internal/decision"
	"github.com/triage-ai/palisade/moderation/internal/model"
	"github.com/triage-ai/palisade/moderation/internal/moderator"
	"go.uber.org/zap"
)

// EnvPrefix is prepended to every key to form its environment variable.
const EnvPrefix = "MODERATION"

// Auth modes.
const (
	AuthNone     = "none"
	AuthStatic   = "static"
	AuthPostgres = "postgres"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved configuration.
type Config struct {
	HTTPPort  int    `mapstructure:"http_port" yaml:"http_port"`
	GRPCPort  string `mapstructure:"grpc_port" yaml:"grpc_port"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`

	ModelPath     string `mapstructure:"model_path" yaml:"model_path"`
	ModelEndpoint string `mapstructure:"model_endpoint" yaml:"model_endpoint"`
	S3Endpoint    string `mapstructure:"s3_endpoint" yaml:"s3_endpoint"`
	S3Region      string `mapstructure:"s3_region" yaml:"s3_region"`
	S3AccessKey   string `mapstructure:"s3_access_key" yaml:"s3_access_key"`
	S3SecretKey   string `mapstructure:"s3_secret_key" yaml:"-"`

	BenignLabel              string   `mapstructure:"benign_label" yaml:"benign_label"`
	ConfidenceThreshold      float64  `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	ReviewThreshold          float64  `mapstructure:"review_threshold" yaml:"review_threshold"`
	BatchConfidenceThreshold *float64 `mapstructure:"batch_confidence_threshold" yaml:"batch_confidence_threshold,omitempty"`
	BatchReviewThreshold     *float64 `mapstructure:"batch_review_threshold" yaml:"batch_review_threshold,omitempty"`

	MaxTextLength     int `mapstructure:"max_text_length" yaml:"max_text_length"`
	DisplayTextLength int `mapstructure:"display_text_length" yaml:"display_text_length"`
	MaxInputLength    int `mapstructure:"max_input_length" yaml:"max_input_length"`
	ExplainTopN       int `mapstructure:"explain_top_n" yaml:"explain_top_n"`
	MaxBatchSize      int `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	MaxHistory        int `mapstructure:"max_history" yaml:"max_history"`
	DefaultHistory    int `mapstructure:"default_history" yaml:"default_history"`

	DBDSN         string `mapstructure:"db_dsn" yaml:"db_dsn"`
	ClickHouseDSN string `mapstructure:"clickhouse_dsn" yaml:"clickhouse_dsn"`

	APIKey        string `mapstructure:"api_key" yaml:"-"`
	AuthMode      string `mapstructure:"auth_mode" yaml:"auth_mode"`
	AuthDSN       string `mapstructure:"auth_dsn" yaml:"auth_dsn"`
	AuthCacheTTLS int    `mapstructure:"auth_cache_ttl_s" yaml:"auth_cache_ttl_s"`

	RateLimit string `mapstructure:"rate_limit" yaml:"rate_limit"`
}

var defaults = map[string]any{
	"http_port":            8000,
	"grpc_port":            "50054",
	"log_level":            "info",
	"log_format":           "json",
	"model_path":           "models",
	"model_endpoint":       "",
	"s3_endpoint":          "",
	"s3_region":            "us-east-1",
	"s3_access_key":        "",
	"s3_secret_key":        "",
	"benign_label":         "product",
	"confidence_threshold": 0.5,
	"review_threshold":     0.7,
	"max_text_length":      audit.DefaultMaxTextLength,
	"display_text_length":  100,
	"max_input_length":     5000,
	"explain_top_n":        10,
	"max_batch_size":       100,
	"max_history":          audit.DefaultMaxRecent,
	"default_history":      20,
	"db_dsn":               "sqlite://data/predictions.db",
	"clickhouse_dsn":       "",
	"api_key":              "",
	"auth_mode":            "",
	"auth_dsn":             "",
	"auth_cache_ttl_s":     30,
	"rate_limit":           "60/minute",
}

// Keys without a default; present only when set in a file or the environment.
var optionalKeys = []string{"batch_confidence_threshold", "batch_review_threshold"}

// extraEnv lists unprefixed variables honored in addition to MODERATION_<KEY>.
var extraEnv = map[string][]string{
	"clickhouse_dsn": {"CLICKHOUSE_DSN"},
	"model_endpoint": {"MODEL_ENDPOINT"},
	"db_dsn":         {"DATABASE_URL"},
}

// New returns a viper instance with defaults and environment bindings
// installed. Callers may bind flags on it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		bindEnv(v, key)
	}
	for _, key := range optionalKeys {
		bindEnv(v, key)
	}
	return v
}

func bindEnv(v *viper.Viper, key string) {
	names := append([]string{EnvPrefix + "_" + strings.ToUpper(key)}, extraEnv[key]...)
	_ = v.BindEnv(append([]string{key}, names...)...)
}

// Load reads the YAML file at path (skipped when empty), resolves every key
// and validates the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.HTTPPort > 0 && c.HTTPPort < 65536, "http_port %d out of range", c.HTTPPort)
	check(c.MaxInputLength > 0, "max_input_length must be positive")
	check(c.MaxBatchSize > 0, "max_batch_size must be positive")
	check(c.MaxTextLength > 0, "max_text_length must be positive")
	check(c.DisplayTextLength > 0, "display_text_length must be positive")
	check(c.ExplainTopN > 0, "explain_top_n must be positive")
	check(c.MaxHistory > 0, "max_history must be positive")
	check(c.DefaultHistory > 0 && c.DefaultHistory <= c.MaxHistory,
		"default_history %d must be in 1..max_history (%d)", c.DefaultHistory, c.MaxHistory)
	check(c.DBDSN != "", "db_dsn is required")
	check(c.AuthCacheTTLS >= 0, "auth_cache_ttl_s must not be negative")
	check(c.LogFormat == "json" || c.LogFormat == "console", "log_format %q must be json or console", c.LogFormat)

	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy().With(c.BatchOverrides()).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("batch: %w", err))
	}

	switch c.EffectiveAuthMode() {
	case AuthNone:
	case AuthStatic:
		check(c.APIKey != "", "auth_mode static requires api_key")
	case AuthPostgres:
		check(c.AuthDSN != "", "auth_mode postgres requires auth_dsn")
	default:
		errs = append(errs, fmt.Errorf("auth_mode %q must be none, static or postgres", c.AuthMode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// EffectiveAuthMode resolves an empty auth_mode: static when api_key is set,
// none otherwise.
func (c *Config) EffectiveAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.APIKey != "" {
		return AuthStatic
	}
	return AuthNone
}

// GRPCEnabled reports whether the gRPC listener should start.
func (c *Config) GRPCEnabled() bool {
	return c.GRPCPort != "" && c.GRPCPort != "0"
}

// AuthCacheTTL returns auth_cache_ttl_s as a duration.
func (c *Config) AuthCacheTTL() time.Duration {
	return time.Duration(c.AuthCacheTTLS) * time.Second
}

// ModelLocation is where model.Open should load from. model_endpoint wins
// over model_path.
func (c *Config) ModelLocation() string {
	if c.ModelEndpoint == "" {
		return c.ModelPath
	}
	if strings.HasPrefix(c.ModelEndpoint, "grpc://") {
		return c.ModelEndpoint
	}
	return "grpc://" + c.ModelEndpoint
}

// Policy is the single-request decision policy.
func (c *Config) Policy() decision.Policy {
	return decision.Policy{
		BenignLabel:         c.BenignLabel,
		ConfidenceThreshold: c.ConfidenceThreshold,
		ReviewThreshold:     c.ReviewThreshold,
	}
}

// BatchOverrides holds the batch-only thresholds; nil fields inherit Policy.
func (c *Config) BatchOverrides() decision.Overrides {
	return decision.Overrides{
		ConfidenceThreshold: c.BatchConfidenceThreshold,
		ReviewThreshold:     c.BatchReviewThreshold,
	}
}

// Moderator builds the gateway configuration.
func (c *Config) Moderator() moderator.Config {
	return moderator.Config{
		Policy:            c.Policy(),
		BatchOverrides:    c.BatchOverrides(),
		MaxInputLength:    c.MaxInputLength,
		MaxBatchSize:      c.MaxBatchSize,
		DisplayTextLength: c.DisplayTextLength,
		ExplainTopN:       c.ExplainTopN,
		DefaultHistory:    c.DefaultHistory,
		MaxHistory:        c.MaxHistory,
	}
}

// AuditOptions builds audit store options; sink and logger are left to the caller.
func (c *Config) AuditOptions() audit.Options {
	return audit.Options{
		MaxTextLength: c.MaxTextLength,
		MaxRecent:     c.MaxHistory,
	}
}

// ModelOptions builds artifact fetch options.
func (c *Config) ModelOptions(logger *zap.Logger) model.OpenOptions {
	return model.OpenOptions{
		S3Endpoint:  c.S3Endpoint,
		S3Region:    c.S3Region,
		S3AccessKey: c.S3AccessKey,
		S3SecretKey: c.S3SecretKey,
		Logger:      logger,
	}
}
