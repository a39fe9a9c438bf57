package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

// ConfigurationError is returned when startup configuration is absent or invalid.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Key, e.Reason)
}

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Store         StoreConfig
	Query         QueryConfig
	Session       SessionConfig
	AI            AIConfig
	Ledger        LedgerConfig
	ObjectStore   ObjectStoreConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address        string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxUploadBytes int64
}

type StoreConfig struct {
	Engine  string
	DataDir string
}

type QueryConfig struct {
	RowLimit     int
	PreviewRows  int
	QueryTimeout time.Duration
}

type SessionConfig struct {
	IdleTTL           time.Duration
	RetentionInterval time.Duration
	OrphanSafetyAge   time.Duration
}

type AIConfig struct {
	TranslateEnabled bool
	Provider         string
	BaseURL          string
	APIKey           string
	Model            string
	Temperature      float64
	Timeout          time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	CacheTTL         time.Duration
}

type LedgerConfig struct {
	Backend         string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type ObjectStoreConfig struct {
	Enabled          bool
	Endpoint         string
	Region           string
	Bucket           string
	AccessKeyID      string
	SecretAccessKey  string
	UseSSL           bool
	Prefix           string
	AutoCreateBucket bool
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	if path, ok := lookup("TABLETALK_CONFIG_FILE"); ok && strings.TrimSpace(path) != "" {
		fileValues, err := readFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, &ConfigurationError{Key: "TABLETALK_CONFIG_FILE", Reason: err.Error()}
		}
		lookup = layered(lookup, fileValues)
	}

	profile := ProfileDev
	if raw, ok := lookup("TABLETALK_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid TABLETALK_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	bindings := []binding{
		{"TABLETALK_SERVICE_NAME", text(&cfg.Service.Name)},
		{"TABLETALK_HTTP_ADDR", text(&cfg.HTTP.Address)},
		{"TABLETALK_HTTP_READ_TIMEOUT", duration(&cfg.HTTP.ReadTimeout)},
		{"TABLETALK_HTTP_WRITE_TIMEOUT", duration(&cfg.HTTP.WriteTimeout)},
		{"TABLETALK_HTTP_IDLE_TIMEOUT", duration(&cfg.HTTP.IdleTimeout)},
		{"TABLETALK_HTTP_MAX_UPLOAD_BYTES", integer(&cfg.HTTP.MaxUploadBytes)},
		{"TABLETALK_STORE_ENGINE", text(&cfg.Store.Engine)},
		{"TABLETALK_STORE_DATA_DIR", text(&cfg.Store.DataDir)},
		{"TABLETALK_QUERY_ROW_LIMIT", integer(&cfg.Query.RowLimit)},
		{"TABLETALK_QUERY_PREVIEW_ROWS", integer(&cfg.Query.PreviewRows)},
		{"TABLETALK_QUERY_TIMEOUT", duration(&cfg.Query.QueryTimeout)},
		{"TABLETALK_SESSION_IDLE_TTL", duration(&cfg.Session.IdleTTL)},
		{"TABLETALK_SESSION_RETENTION_INTERVAL", duration(&cfg.Session.RetentionInterval)},
		{"TABLETALK_SESSION_ORPHAN_SAFETY_AGE", duration(&cfg.Session.OrphanSafetyAge)},
		{"TABLETALK_AI_TRANSLATE_ENABLED", boolean(&cfg.AI.TranslateEnabled)},
		{"TABLETALK_AI_PROVIDER", text(&cfg.AI.Provider)},
		{"TABLETALK_AI_BASE_URL", text(&cfg.AI.BaseURL)},
		{"GOOGLE_API_KEY", text(&cfg.AI.APIKey)},
		{"TABLETALK_AI_API_KEY", text(&cfg.AI.APIKey)},
		{"TABLETALK_AI_MODEL", text(&cfg.AI.Model)},
		{"TABLETALK_AI_TEMPERATURE", decimal(&cfg.AI.Temperature)},
		{"TABLETALK_AI_TIMEOUT", duration(&cfg.AI.Timeout)},
		{"TABLETALK_AI_MAX_ATTEMPTS", integer(&cfg.AI.MaxAttempts)},
		{"TABLETALK_AI_RETRY_BACKOFF", duration(&cfg.AI.RetryBackoff)},
		{"TABLETALK_AI_CACHE_TTL", duration(&cfg.AI.CacheTTL)},
		{"TABLETALK_LEDGER_BACKEND", text(&cfg.Ledger.Backend)},
		{"TABLETALK_LEDGER_DSN", text(&cfg.Ledger.DSN)},
		{"TABLETALK_LEDGER_MAX_OPEN_CONNS", integer(&cfg.Ledger.MaxOpenConns)},
		{"TABLETALK_LEDGER_MAX_IDLE_CONNS", integer(&cfg.Ledger.MaxIdleConns)},
		{"TABLETALK_LEDGER_CONN_MAX_IDLE_TIME", duration(&cfg.Ledger.ConnMaxIdleTime)},
		{"TABLETALK_LEDGER_CONN_MAX_LIFETIME", duration(&cfg.Ledger.ConnMaxLifetime)},
		{"TABLETALK_LEDGER_AUTO_MIGRATE", boolean(&cfg.Ledger.AutoMigrate)},
		{"TABLETALK_OBJECTSTORE_ENABLED", boolean(&cfg.ObjectStore.Enabled)},
		{"TABLETALK_OBJECTSTORE_ENDPOINT", text(&cfg.ObjectStore.Endpoint)},
		{"TABLETALK_OBJECTSTORE_REGION", text(&cfg.ObjectStore.Region)},
		{"TABLETALK_OBJECTSTORE_BUCKET", text(&cfg.ObjectStore.Bucket)},
		{"TABLETALK_OBJECTSTORE_ACCESS_KEY", text(&cfg.ObjectStore.AccessKeyID)},
		{"TABLETALK_OBJECTSTORE_SECRET_KEY", text(&cfg.ObjectStore.SecretAccessKey)},
		{"TABLETALK_OBJECTSTORE_USE_SSL", boolean(&cfg.ObjectStore.UseSSL)},
		{"TABLETALK_OBJECTSTORE_PREFIX", text(&cfg.ObjectStore.Prefix)},
		{"TABLETALK_OBJECTSTORE_AUTO_CREATE_BUCKET", boolean(&cfg.ObjectStore.AutoCreateBucket)},
		{"TABLETALK_LOG_JSON", boolean(&cfg.Observability.LogJSON)},
		{"TABLETALK_LOG_LEVEL", logLevel(&cfg.Observability.LogLevel)},
		{"TABLETALK_AUTH_REQUIRED", boolean(&cfg.Auth.Required)},
		{"TABLETALK_AUTH_STATIC_KEYS", text(&cfg.Auth.StaticKeys)},
	}
	for _, b := range bindings {
		raw, ok := lookup(b.key)
		if !ok {
			continue
		}
		if err := b.set(strings.TrimSpace(raw)); err != nil {
			return Config{}, &ConfigurationError{Key: b.key, Reason: err.Error()}
		}
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Service.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return fmt.Errorf("http address is required")
	}
	switch cfg.Store.Engine {
	case "sqlite", "duckdb":
	default:
		return &ConfigurationError{Key: "TABLETALK_STORE_ENGINE", Reason: fmt.Sprintf("unsupported engine %q", cfg.Store.Engine)}
	}
	if cfg.Store.DataDir == "" {
		return &ConfigurationError{Key: "TABLETALK_STORE_DATA_DIR", Reason: "data directory is required"}
	}
	if cfg.AI.TranslateEnabled {
		switch cfg.AI.Provider {
		case "openai", "gemini":
		default:
			return &ConfigurationError{Key: "TABLETALK_AI_PROVIDER", Reason: fmt.Sprintf("unsupported provider %q", cfg.AI.Provider)}
		}
		if cfg.AI.APIKey == "" {
			return &ConfigurationError{Key: "TABLETALK_AI_API_KEY", Reason: "language model API key is required"}
		}
	}
	switch cfg.Ledger.Backend {
	case "memory":
	case "postgres":
		if cfg.Ledger.DSN == "" {
			return &ConfigurationError{Key: "TABLETALK_LEDGER_DSN", Reason: "dsn is required for postgres ledger"}
		}
	default:
		return &ConfigurationError{Key: "TABLETALK_LEDGER_BACKEND", Reason: fmt.Sprintf("unsupported backend %q", cfg.Ledger.Backend)}
	}
	if cfg.ObjectStore.Enabled && (cfg.ObjectStore.Endpoint == "" || cfg.ObjectStore.Bucket == "") {
		return &ConfigurationError{Key: "TABLETALK_OBJECTSTORE_ENDPOINT", Reason: "endpoint and bucket are required when the object store is enabled"}
	}
	return nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "tabletalk-api"},
		HTTP: HTTPConfig{
			Address:        ":8080",
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   90 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxUploadBytes: 32 << 20,
		},
		Store: StoreConfig{
			Engine:  "sqlite",
			DataDir: ".",
		},
		Query: QueryConfig{
			RowLimit:     1000,
			PreviewRows:  50,
			QueryTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			IdleTTL:           2 * time.Hour,
			RetentionInterval: 5 * time.Minute,
			OrphanSafetyAge:   30 * time.Minute,
		},
		AI: AIConfig{
			TranslateEnabled: true,
			Provider:         "gemini",
			BaseURL:          "https://generativelanguage.googleapis.com",
			Model:            "gemini-pro",
			Temperature:      0.1,
			Timeout:          20 * time.Second,
			MaxAttempts:      3,
			RetryBackoff:     500 * time.Millisecond,
			CacheTTL:         10 * time.Minute,
		},
		Ledger: LedgerConfig{
			Backend:         "memory",
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		ObjectStore: ObjectStoreConfig{
			Region:           "us-east-1",
			Bucket:           "tabletalk",
			AutoCreateBucket: true,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.AI.TranslateEnabled = false
		cfg.AI.CacheTTL = 0
		cfg.Session.IdleTTL = 0
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
		cfg.ObjectStore.UseSSL = true
		cfg.ObjectStore.AutoCreateBucket = false
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

// binding maps one environment key onto a config field. Values arrive trimmed.
type binding struct {
	key string
	set func(raw string) error
}

func text(dst *string) func(string) error {
	return func(raw string) error {
		*dst = raw
		return nil
	}
}

func parsed[T any](dst *T, parse func(string) (T, error)) func(string) error {
	return func(raw string) error {
		value, err := parse(raw)
		if err != nil {
			return err
		}
		*dst = value
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return parsed(dst, time.ParseDuration)
}

func boolean(dst *bool) func(string) error {
	return parsed(dst, strconv.ParseBool)
}

func decimal(dst *float64) func(string) error {
	return parsed(dst, func(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) })
}

func integer[T int | int64](dst *T) func(string) error {
	return parsed(dst, func(raw string) (T, error) {
		value, err := strconv.ParseInt(raw, 10, 64)
		return T(value), err
	})
}

func logLevel(dst *slog.Level) func(string) error {
	return parsed(dst, func(raw string) (slog.Level, error) {
		switch strings.ToLower(raw) {
		case "debug":
			return slog.LevelDebug, nil
		case "info":
			return slog.LevelInfo, nil
		case "warn", "warning":
			return slog.LevelWarn, nil
		case "error":
			return slog.LevelError, nil
		}
		return 0, fmt.Errorf("unknown log level %q", raw)
	})
}
