package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/storycraft/deploy/pkg/logger"
)

// Config holds stack inputs and process settings loaded from environment
// variables, .env files, or storycraft.yaml.
type Config struct {
	AppEnv string `mapstructure:"APP_ENV" validate:"required,oneof=development staging production test"`

	LogLevel  string `mapstructure:"LOG_LEVEL" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"LOG_FORMAT" validate:"required,oneof=json console"`

	// Stack inputs.
	ProjectID           string `mapstructure:"PROJECT_ID" validate:"required"`
	Region              string `mapstructure:"REGION" validate:"required"`
	FirestoreDatabaseID string `mapstructure:"FIRESTORE_DATABASE_ID" validate:"required"`
	FirestoreRegion     string `mapstructure:"FIRESTORE_REGION"`
	ServiceName         string `mapstructure:"SERVICE_NAME" validate:"required,max=49"`
	GoogleClientID      string `mapstructure:"GOOGLE_CLIENT_ID" validate:"required"`
	GoogleClientSecret  string `mapstructure:"GOOGLE_CLIENT_SECRET" validate:"required"`
	EnablePublicAccess  bool   `mapstructure:"ENABLE_PUBLIC_ACCESS"`
	ExtraEnvFile        string `mapstructure:"EXTRA_ENV_FILE"`
	AppDir              string `mapstructure:"APP_DIR" validate:"required"`

	// ExtraEnv is the union of extra_env in storycraft.yaml, EXTRA_ENV and
	// EXTRA_ENV_FILE, later sources winning.
	ExtraEnv map[string]string `mapstructure:"-"`

	// Engine and state.
	WorkingDir   string `mapstructure:"WORKING_DIR"`
	StateDir     string `mapstructure:"STATE_DIR" validate:"required"`
	TerraformBin string `mapstructure:"TERRAFORM_BIN"`
	DatabaseURL  string `mapstructure:"DATABASE_URL" validate:"omitempty,url|uri"`

	// StorycraftBin is the CLI the build action runs. Defaults to the
	// running CLI, or "storycraft" on PATH for the worker.
	StorycraftBin string `mapstructure:"STORYCRAFT_BIN"`

	// Queue and API.
	RedisAddr        string        `mapstructure:"REDIS_ADDR" validate:"omitempty,hostname_port"`
	RedisPassword    string        `mapstructure:"REDIS_PASSWORD"`
	AsynqConcurrency int           `mapstructure:"ASYNQ_CONCURRENCY" validate:"gte=1,lte=16"`
	HTTPAddr         string        `mapstructure:"HTTP_ADDR" validate:"required,hostname_port"`
	ShutdownTimeout  time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" validate:"required"`
	APIToken         string        `mapstructure:"API_TOKEN"`
	APIRateLimit     float64       `mapstructure:"API_RATE_LIMIT" validate:"gte=0"`
	APIRateBurst     int           `mapstructure:"API_RATE_BURST" validate:"gte=1"`

	GoMaxProcs int `mapstructure:"GOMAXPROCS" validate:"gte=0,lte=4096"`
}

var (
	cfg      *Config
	validate = validator.New(validator.WithRequiredStructEnabled())

	keys = []string{
		"APP_ENV",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"PROJECT_ID",
		"REGION",
		"FIRESTORE_DATABASE_ID",
		"FIRESTORE_REGION",
		"SERVICE_NAME",
		"GOOGLE_CLIENT_ID",
		"GOOGLE_CLIENT_SECRET",
		"ENABLE_PUBLIC_ACCESS",
		"EXTRA_ENV",
		"EXTRA_ENV_FILE",
		"APP_DIR",
		"WORKING_DIR",
		"STATE_DIR",
		"TERRAFORM_BIN",
		"DATABASE_URL",
		"STORYCRAFT_BIN",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"ASYNQ_CONCURRENCY",
		"HTTP_ADDR",
		"SHUTDOWN_TIMEOUT",
		"API_TOKEN",
		"API_RATE_LIMIT",
		"API_RATE_BURST",
		"GOMAXPROCS",
	}
)

// Load initializes configuration using Viper. It loads from .env if present,
// applies defaults, binds env vars, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("storycraft")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./deploy")
	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "console")
	v.SetDefault("FIRESTORE_DATABASE_ID", "(default)")
	v.SetDefault("SERVICE_NAME", "storycraft")
	v.SetDefault("ENABLE_PUBLIC_ACCESS", true)
	v.SetDefault("APP_DIR", "./app")
	v.SetDefault("STATE_DIR", ".storycraft")
	v.SetDefault("ASYNQ_CONCURRENCY", 1)
	v.SetDefault("HTTP_ADDR", "0.0.0.0:8080")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")
	v.SetDefault("API_RATE_LIMIT", 2)
	v.SetDefault("API_RATE_BURST", 10)
	v.SetDefault("GOMAXPROCS", 0)

	fileExtra := map[string]string{}
	if err := v.ReadInConfig(); err == nil {
		if fileExtra, err = fileExtraEnv(v.ConfigFileUsed()); err != nil {
			return nil, err
		}
	}

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}

	if s := v.GetString("SHUTDOWN_TIMEOUT"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
		}
		c.ShutdownTimeout = d
	}

	if c.FirestoreRegion == "" {
		c.FirestoreRegion = c.Region
	}

	extra := fileExtra
	if raw, ok := v.Get("EXTRA_ENV").(string); ok {
		fromEnv, err := ParseExtraEnv(raw)
		if err != nil {
			return nil, err
		}
		for k, val := range fromEnv {
			extra[k] = val
		}
	}
	if c.ExtraEnvFile != "" {
		fromFile, err := godotenv.Read(c.ExtraEnvFile)
		if err != nil {
			return nil, fmt.Errorf("read EXTRA_ENV_FILE: %w", err)
		}
		for k, val := range fromFile {
			extra[k] = val
		}
	}
	c.ExtraEnv = extra

	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if c.GoMaxProcs > 0 {
		runtime.GOMAXPROCS(c.GoMaxProcs)
	}

	cfg = &c
	return cfg, nil
}

// ParseExtraEnv parses "NAME=value,OTHER=value" into a map. Values may
// contain '=' but not ','; use EXTRA_ENV_FILE for anything richer.
func ParseExtraEnv(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid EXTRA_ENV entry %q: want NAME=value", pair)
		}
		out[name] = value
	}
	return out, nil
}

// fileExtraEnv reads extra_env from the config file at path. viper
// lowercases nested keys, so the file is decoded directly to keep variable
// names intact. The value may be a map or a NAME=value list.
func fileExtraEnv(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, raw := range doc {
		if !strings.EqualFold(k, "extra_env") {
			continue
		}
		switch val := raw.(type) {
		case nil:
		case string:
			return ParseExtraEnv(val)
		case map[string]any:
			out := make(map[string]string, len(val))
			for name, x := range val {
				out[name] = fmt.Sprint(x)
			}
			return out, nil
		default:
			return nil, fmt.Errorf("invalid extra_env in %s: want a map or NAME=value list", path)
		}
	}
	return map[string]string{}, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad() *Config {
	c, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Get returns the loaded configuration. Panics if not loaded.
func Get() *Config {
	if cfg == nil {
		panic("config not loaded: call config.Load or config.MustLoad first")
	}
	return cfg
}

// LogFields describes the stack inputs for logging. Secrets are redacted.
func (c *Config) LogFields() []zap.Field {
	names := make([]string, 0, len(c.ExtraEnv))
	for k := range c.ExtraEnv {
		names = append(names, k)
	}
	sort.Strings(names)
	return []zap.Field{
		zap.String("project_id", c.ProjectID),
		zap.String("region", c.Region),
		zap.String("firestore_database_id", c.FirestoreDatabaseID),
		zap.String("firestore_region", c.FirestoreRegion),
		zap.String("service_name", c.ServiceName),
		zap.String("google_client_id", c.GoogleClientID),
		logger.Redacted("google_client_secret"),
		zap.Bool("enable_public_access", c.EnablePublicAccess),
		zap.Strings("extra_env", names),
	}
}
