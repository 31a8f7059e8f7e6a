// Package config provides the configuration schema, loader, provider registry
// and file watcher for the voxtalk server.
package config

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voxtalk/pkg/types"
)

// LogLevel controls log verbosity for the voxtalk server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l onto the slog level scale. Unknown levels map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PersistenceBackend selects where session snapshots are kept.
type PersistenceBackend string

const (
	PersistenceFile     PersistenceBackend = "file"
	PersistencePostgres PersistenceBackend = "postgres"
	PersistenceRedis    PersistenceBackend = "redis"
)

// IsValid reports whether b is a recognised snapshot backend.
func (b PersistenceBackend) IsValid() bool {
	switch b {
	case PersistenceFile, PersistencePostgres, PersistenceRedis:
		return true
	}
	return false
}

// PersonaBackend selects where characters and session rows are kept.
type PersonaBackend string

const (
	PersonaMemory   PersonaBackend = "memory"
	PersonaPostgres PersonaBackend = "postgres"
)

// IsValid reports whether b is a recognised persona backend.
func (b PersonaBackend) IsValid() bool {
	return b == PersonaMemory || b == PersonaPostgres
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultConfigPath   = "config.yaml"
	DefaultSnapshotDir  = "data"
	DefaultBusinessType = "chat"
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 30
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Minute
	DefaultServiceName  = "voxtalk"
)

// Config is the root configuration structure for voxtalk.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Audio       AudioConfig       `yaml:"audio"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Personas    PersonasConfig    `yaml:"personas"`
	Chat        ChatConfig        `yaml:"chat"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ServerConfig holds network, auth and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is applied again on hot reload.
	LogLevel LogLevel `yaml:"log_level"`

	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout must cover a full voice turn, including up to
	// max_attempts × poll_interval of recognition polling.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig enables bearer-token auth on the /api routes when JWTSecret is
// set.
type AuthConfig struct {
	// JWTSecret is the HS256 signing key. Empty disables auth.
	JWTSecret string `yaml:"jwt_secret"`

	// Issuer, if set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// ProvidersConfig declares which provider implementation to use for each
// stage. Each entry selects a named provider registered in the [Registry].
// Fallback lists are tried in order after the primary.
type ProvidersConfig struct {
	ASR          ProviderEntry   `yaml:"asr"`
	ASRFallbacks []ProviderEntry `yaml:"asr_fallbacks"`
	LLM          ProviderEntry   `yaml:"llm"`
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
	TTS          ProviderEntry   `yaml:"tts"`
	TTSFallbacks []ProviderEntry `yaml:"tts_fallbacks"`
	Storage      ProviderEntry   `yaml:"storage"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "aliyun", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o-mini", "nova-2").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above. Values may be strings, numbers, booleans, or nested maps.
	Options map[string]any `yaml:"options"`
}

// OptionString returns Options[key] as a string, or "" when absent or not a
// string.
func (e ProviderEntry) OptionString(key string) string {
	s, _ := e.Options[key].(string)
	return s
}

// OptionBool returns Options[key] as a bool, or def when absent.
func (e ProviderEntry) OptionBool(key string, def bool) bool {
	if b, ok := e.Options[key].(bool); ok {
		return b
	}
	return def
}

// RecognitionConfig configures the Aliyun file-transcription client used by
// the "aliyun" ASR provider.
type RecognitionConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	AppKey          string `yaml:"app_key"`

	// Endpoint overrides the regional service URL.
	Endpoint string `yaml:"endpoint"`

	// PollInterval is the single wait between poll attempts.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxAttempts bounds the number of poll requests per task.
	MaxAttempts int `yaml:"max_attempts"`

	EnableWords bool `yaml:"enable_words"`

	// Language is an optional recognition hint passed to every provider.
	Language string `yaml:"language"`
}

// AudioConfig bounds the recordings accepted by a voice turn.
type AudioConfig struct {
	MaxBytes       int      `yaml:"max_bytes"`
	MinBytes       int      `yaml:"min_bytes"`
	AllowedFormats []string `yaml:"allowed_formats"`

	// RequireMonoWAV rejects multi-channel WAV uploads. Nil means true.
	RequireMonoWAV *bool `yaml:"require_mono_wav"`
}

// MonoWAVRequired resolves the RequireMonoWAV default.
func (a AudioConfig) MonoWAVRequired() bool {
	return a.RequireMonoWAV == nil || *a.RequireMonoWAV
}

// PersistenceConfig selects and configures the session snapshot backend.
type PersistenceConfig struct {
	Backend PersistenceBackend `yaml:"backend"`

	// Dir holds the three JSON documents of the file backend.
	Dir string `yaml:"dir"`

	PostgresDSN string `yaml:"postgres_dsn"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`

	// CheckpointInterval, when positive, flushes a snapshot periodically in
	// addition to the flush at shutdown.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// PersonasConfig configures the character catalogue.
type PersonasConfig struct {
	Backend     PersonaBackend `yaml:"backend"`
	PostgresDSN string         `yaml:"postgres_dsn"`

	// Characters are upserted into the store at startup and on reload. Every
	// entry needs an explicit positive id so reseeding is idempotent.
	Characters []types.Character `yaml:"characters"`
}

// ChatConfig tunes the conversation streamer.
type ChatConfig struct {
	// BusinessType is the listing bucket turns are recorded under.
	BusinessType string `yaml:"business_type"`

	// MaxHistory is the number of prior messages sent with each request.
	// Zero uses the streamer default; negative sends the whole history.
	MaxHistory int `yaml:"max_history"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// TelemetryConfig configures metrics export.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// MetricsEnabled serves /metrics. Nil means true.
	MetricsEnabled *bool `yaml:"metrics_enabled"`
}

// MetricsOn resolves the MetricsEnabled default.
func (t TelemetryConfig) MetricsOn() bool {
	return t.MetricsEnabled == nil || *t.MetricsEnabled
}
