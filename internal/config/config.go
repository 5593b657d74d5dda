// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/service/corpus"
)

// History backends.
const (
	HistoryMemory   = "memory"
	HistoryPostgres = "postgres"
	HistorySQLite   = "sqlite"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Admission settings (initial values; PATCH /v1/config changes them at runtime).
	Pipeline model.PipelineConfig

	// History persistence.
	HistoryBackend string // "memory", "postgres" or "sqlite"
	DatabaseURL    string
	NotifyURL      string // Direct Postgres URL for LISTEN/NOTIFY; defaults to DatabaseURL.
	SQLitePath     string

	// Rate limiting. RedisURL switches from the in-process limiter to Redis.
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int
	RedisURL         string
	TrustProxy       bool

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// Operator API keys. Each entry is principal:role:key.
	Operators   string
	AdminAPIKey string // Shortcut for an "admin" principal.

	// Training backends.
	DispatchTimeout time.Duration
	MirrorDir       string
	BackendA        BackendConfig
	BackendB        BackendConfig

	// Dispatch notifications.
	PubSubProject string
	PubSubTopic   string
	HookTimeout   time.Duration

	// OTEL settings.
	OTELEndpoint    string
	OTELInsecure    bool
	ServiceName     string
	OTELSampleRatio float64

	// ShutdownTimeout bounds the HTTP drain and the dispatch hook drain separately.
	ShutdownTimeout time.Duration

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// BackendConfig configures one training backend: blob storage plus the job API.
type BackendConfig struct {
	Enabled   bool
	Name      string
	BaseModel string
	Bucket    string
	KeyPrefix string
	Format    string // corpus line schema: "prompt_completion" or "contents"

	// Blob store (S3-compatible endpoint; GCS via its XML interop endpoint).
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageUseSSL    bool

	// Job API.
	Region            string
	Project           string
	RoleARN           string
	EstimatedDuration time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	l := loader{errs: &errs}

	cfg := Config{
		Port:         l.int("HIKAKU_PORT", 8080),
		ReadTimeout:  l.duration("HIKAKU_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: l.duration("HIKAKU_WRITE_TIMEOUT", 30*time.Second),
		Pipeline: model.PipelineConfig{
			AdmissionThreshold: l.int("HIKAKU_ADMISSION_THRESHOLD", model.DefaultAdmissionThreshold),
			QualityThreshold:   l.int("HIKAKU_QUALITY_THRESHOLD", model.DefaultQualityThreshold),
			CooldownSeconds:    l.int("HIKAKU_COOLDOWN_SECONDS", model.DefaultCooldownSeconds),
		},
		HistoryBackend:    envStr("HIKAKU_HISTORY_BACKEND", HistoryMemory),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		NotifyURL:         envStr("NOTIFY_URL", ""),
		SQLitePath:        envStr("HIKAKU_SQLITE_PATH", "hikaku.db"),
		RateLimitEnabled:  l.bool("HIKAKU_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:      l.float("HIKAKU_RATE_LIMIT_RPS", 5),
		RateLimitBurst:    l.int("HIKAKU_RATE_LIMIT_BURST", 20),
		RedisURL:          envStr("REDIS_URL", ""),
		TrustProxy:        l.bool("HIKAKU_TRUST_PROXY", false),
		JWTPrivateKeyPath: envStr("HIKAKU_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:  envStr("HIKAKU_JWT_PUBLIC_KEY", ""),
		JWTExpiration:     l.duration("HIKAKU_JWT_EXPIRATION", 24*time.Hour),
		Operators:         envStr("HIKAKU_OPERATORS", ""),
		AdminAPIKey:       envStr("HIKAKU_ADMIN_API_KEY", ""),
		DispatchTimeout:   l.duration("HIKAKU_DISPATCH_TIMEOUT", 2*time.Minute),
		MirrorDir:         envStr("HIKAKU_MIRROR_DIR", ""),
		BackendA:          l.backend("A", "claude", "us-east-1", "prompt_completion", 2*time.Hour),
		BackendB:          l.backend("B", "gemini", "us-central1", "contents", time.Hour),
		PubSubProject:     envStr("HIKAKU_PUBSUB_PROJECT", ""),
		PubSubTopic:       envStr("HIKAKU_PUBSUB_TOPIC", "hikaku-dispatch"),
		HookTimeout:       l.duration("HIKAKU_HOOK_TIMEOUT", 30*time.Second),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:      l.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "hikaku"),
		OTELSampleRatio:   l.float("OTEL_TRACES_SAMPLER_ARG", 1),
		ShutdownTimeout:   l.duration("HIKAKU_SHUTDOWN_TIMEOUT", 10*time.Second),
		LogLevel:          envStr("HIKAKU_LOG_LEVEL", "info"),
	}
	cfg.MaxRequestBodyBytes = int64(l.int("HIKAKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024)) // 1 MB default

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.HistoryBackend {
	case HistoryMemory:
	case HistoryPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when HIKAKU_HISTORY_BACKEND=postgres")
		}
	case HistorySQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: HIKAKU_SQLITE_PATH is required when HIKAKU_HISTORY_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("config: HIKAKU_HISTORY_BACKEND must be memory, postgres or sqlite, got %q", c.HistoryBackend)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: HIKAKU_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.DispatchTimeout <= 0 {
		return fmt.Errorf("config: HIKAKU_DISPATCH_TIMEOUT must be positive")
	}
	if c.RateLimitEnabled && c.RateLimitBurst < 1 {
		return fmt.Errorf("config: HIKAKU_RATE_LIMIT_BURST must be >= 1")
	}
	if c.RateLimitEnabled && c.RateLimitRPS <= 0 {
		return fmt.Errorf("config: HIKAKU_RATE_LIMIT_RPS must be positive")
	}
	if c.OTELSampleRatio < 0 || c.OTELSampleRatio > 1 {
		return fmt.Errorf("config: OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	for id, b := range map[string]BackendConfig{"A": c.BackendA, "B": c.BackendB} {
		if _, err := corpus.ParseFormat(b.Format); err != nil {
			return fmt.Errorf("config: HIKAKU_BACKEND_%s_FORMAT: %w", id, err)
		}
	}
	if c.BackendA.Name == c.BackendB.Name {
		return fmt.Errorf("config: backend names must differ (both %q)", c.BackendA.Name)
	}
	if _, err := ParseOperators(c.Operators); err != nil {
		return err
	}
	return nil
}

// OperatorKey is one configured API credential.
type OperatorKey struct {
	Principal string
	Role      model.OperatorRole
	APIKey    string
}

// ParseOperators parses a comma-separated list of principal:role:key entries.
func ParseOperators(s string) ([]OperatorKey, error) {
	var out []OperatorKey
	for entry := range strings.SplitSeq(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, fmt.Errorf("config: HIKAKU_OPERATORS entry %q must be principal:role:key", redact(entry))
		}
		if err := model.ValidatePrincipal(parts[0]); err != nil {
			return nil, fmt.Errorf("config: HIKAKU_OPERATORS: %w", err)
		}
		role := model.OperatorRole(parts[1])
		if model.RoleRank(role) == 0 {
			return nil, fmt.Errorf("config: HIKAKU_OPERATORS: unknown role %q for %s", parts[1], parts[0])
		}
		out = append(out, OperatorKey{Principal: parts[0], Role: role, APIKey: parts[2]})
	}
	return out, nil
}

// OperatorKeys returns every configured credential, including the admin shortcut.
func (c Config) OperatorKeys() []OperatorKey {
	keys, _ := ParseOperators(c.Operators)
	if c.AdminAPIKey != "" {
		keys = append(keys, OperatorKey{Principal: "admin", Role: model.RoleAdmin, APIKey: c.AdminAPIKey})
	}
	return keys
}

func redact(entry string) string {
	if i := strings.LastIndex(entry, ":"); i >= 0 {
		return entry[:i+1] + "***"
	}
	return "***"
}

type loader struct {
	errs *[]error
}

func (l loader) int(key string, def int) int {
	v, err := envInt(key, def)
	if err != nil {
		*l.errs = append(*l.errs, err)
	}
	return v
}

func (l loader) float(key string, def float64) float64 {
	v, err := envFloat(key, def)
	if err != nil {
		*l.errs = append(*l.errs, err)
	}
	return v
}

func (l loader) bool(key string, def bool) bool {
	v, err := envBool(key, def)
	if err != nil {
		*l.errs = append(*l.errs, err)
	}
	return v
}

func (l loader) duration(key string, def time.Duration) time.Duration {
	v, err := envDuration(key, def)
	if err != nil {
		*l.errs = append(*l.errs, err)
	}
	return v
}

func (l loader) backend(id, name, region, format string, eta time.Duration) BackendConfig {
	p := "HIKAKU_BACKEND_" + id + "_"
	return BackendConfig{
		Enabled:           l.bool(p+"ENABLED", true),
		Name:              envStr(p+"NAME", name),
		BaseModel:         envStr(p+"BASE_MODEL", ""),
		Bucket:            envStr(p+"BUCKET", ""),
		KeyPrefix:         envStr(p+"KEY_PREFIX", "training-data"),
		Format:            envStr(p+"FORMAT", format),
		StorageEndpoint:   envStr(p+"STORAGE_ENDPOINT", ""),
		StorageAccessKey:  envStr(p+"STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:  envStr(p+"STORAGE_SECRET_KEY", ""),
		StorageUseSSL:     l.bool(p+"STORAGE_USE_SSL", true),
		Region:            envStr(p+"REGION", region),
		Project:           envStr(p+"PROJECT", ""),
		RoleARN:           envStr(p+"ROLE_ARN", ""),
		EstimatedDuration: l.duration(p+"ESTIMATED_DURATION", eta),
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
