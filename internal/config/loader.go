package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr":     {"aliyun", "whisper", "deepgram"},
	"llm":     {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts":     {"unifiedtts", "elevenlabs", "coqui"},
	"storage": {"s3", "oss", "local"},
}

// supportedFormats are the recording containers a voice turn can accept.
var supportedFormats = []string{"wav", "mp3", "aac", "flac", "amr", "m4a"}

// maxAudioBytes is the hard cap on audio.max_bytes.
const maxAudioBytes = 512 << 20

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Providers.ASR.Name == "" {
		cfg.Providers.ASR.Name = "aliyun"
	}
	if cfg.Providers.Storage.Name == "" {
		cfg.Providers.Storage.Name = "local"
	}
	if cfg.Recognition.PollInterval == 0 {
		cfg.Recognition.PollInterval = DefaultPollInterval
	}
	if cfg.Recognition.MaxAttempts == 0 {
		cfg.Recognition.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Persistence.Backend == "" {
		cfg.Persistence.Backend = PersistenceFile
	}
	if cfg.Persistence.Backend == PersistenceFile && cfg.Persistence.Dir == "" {
		cfg.Persistence.Dir = DefaultSnapshotDir
	}
	if cfg.Personas.Backend == "" {
		cfg.Personas.Backend = PersonaMemory
	}
	if cfg.Personas.Backend == PersonaPostgres && cfg.Personas.PostgresDSN == "" {
		cfg.Personas.PostgresDSN = cfg.Persistence.PostgresDSN
	}
	if cfg.Chat.BusinessType == "" {
		cfg.Chat.BusinessType = DefaultBusinessType
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadTimeout < 0 || cfg.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("server timeouts must not be negative"))
	}
	if cfg.Server.Auth.Issuer != "" && cfg.Server.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("server.auth.issuer is set but server.auth.jwt_secret is empty"))
	}

	// Provider name validation: warn for unknown provider names.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	for _, e := range cfg.Providers.ASRFallbacks {
		validateProviderName("asr", e.Name)
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, e := range cfg.Providers.LLMFallbacks {
		validateProviderName("llm", e.Name)
	}
	validateProviderName("tts", cfg.Providers.TTS.Name)
	for _, e := range cfg.Providers.TTSFallbacks {
		validateProviderName("tts", e.Name)
	}
	validateProviderName("storage", cfg.Providers.Storage.Name)

	if cfg.Providers.ASR.Name == "" {
		errs = append(errs, errors.New("providers.asr.name is required"))
	}
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.Storage.Name == "" {
		errs = append(errs, errors.New("providers.storage.name is required"))
	}
	for i, e := range cfg.Providers.ASRFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.asr_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
	}
	for i, e := range cfg.Providers.TTSFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.tts_fallbacks[%d].name is required", i))
		}
	}

	// Recognition credentials are checked before any network call.
	if usesProvider("aliyun", cfg.Providers.ASR, cfg.Providers.ASRFallbacks) {
		if cfg.Recognition.AccessKeyID == "" {
			errs = append(errs, errors.New("recognition.access_key_id is required for the aliyun asr provider"))
		}
		if cfg.Recognition.AccessKeySecret == "" {
			errs = append(errs, errors.New("recognition.access_key_secret is required for the aliyun asr provider"))
		}
		if cfg.Recognition.AppKey == "" {
			errs = append(errs, errors.New("recognition.app_key is required for the aliyun asr provider"))
		}
	}
	if cfg.Recognition.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("recognition.poll_interval %s must not be negative", cfg.Recognition.PollInterval))
	}
	if cfg.Recognition.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("recognition.max_attempts %d must not be negative", cfg.Recognition.MaxAttempts))
	}

	// Audio
	if cfg.Audio.MinBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.min_bytes %d must not be negative", cfg.Audio.MinBytes))
	}
	if cfg.Audio.MaxBytes < 0 || cfg.Audio.MaxBytes > maxAudioBytes {
		errs = append(errs, fmt.Errorf("audio.max_bytes %d is out of range [0, %d]", cfg.Audio.MaxBytes, maxAudioBytes))
	}
	if cfg.Audio.MaxBytes > 0 && cfg.Audio.MinBytes > cfg.Audio.MaxBytes {
		errs = append(errs, fmt.Errorf("audio.min_bytes %d exceeds audio.max_bytes %d", cfg.Audio.MinBytes, cfg.Audio.MaxBytes))
	}
	for i, f := range cfg.Audio.AllowedFormats {
		f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), "."))
		if !slices.Contains(supportedFormats, f) {
			errs = append(errs, fmt.Errorf("audio.allowed_formats[%d] %q is unsupported; valid values: %s", i, f, strings.Join(supportedFormats, ", ")))
		}
	}

	// Persistence
	switch p := cfg.Persistence; {
	case !p.Backend.IsValid():
		errs = append(errs, fmt.Errorf("persistence.backend %q is invalid; valid values: file, postgres, redis", p.Backend))
	case p.Backend == PersistenceFile && p.Dir == "":
		errs = append(errs, errors.New("persistence.dir is required for the file backend"))
	case p.Backend == PersistencePostgres && p.PostgresDSN == "":
		errs = append(errs, errors.New("persistence.postgres_dsn is required for the postgres backend"))
	case p.Backend == PersistenceRedis && p.RedisAddr == "":
		errs = append(errs, errors.New("persistence.redis_addr is required for the redis backend"))
	}
	if cfg.Persistence.CheckpointInterval < 0 {
		errs = append(errs, fmt.Errorf("persistence.checkpoint_interval %s must not be negative", cfg.Persistence.CheckpointInterval))
	}
	if cfg.Persistence.CheckpointInterval == 0 {
		slog.Debug("persistence.checkpoint_interval is 0; sessions are only flushed at shutdown")
	}

	// Personas
	if !cfg.Personas.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("personas.backend %q is invalid; valid values: memory, postgres", cfg.Personas.Backend))
	}
	if cfg.Personas.Backend == PersonaPostgres && cfg.Personas.PostgresDSN == "" {
		errs = append(errs, errors.New("personas.postgres_dsn is required for the postgres backend"))
	}
	errs = append(errs, validateCharacters(cfg.Personas)...)

	// Chat
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must not be negative", cfg.Chat.MaxTokens))
	}

	return errors.Join(errs...)
}

// validateCharacters checks the seed list. Ids must be explicit and unique.
func validateCharacters(p PersonasConfig) []error {
	var errs []error
	seen := make(map[int64]int, len(p.Characters))
	for i, c := range p.Characters {
		prefix := fmt.Sprintf("personas.characters[%d]", i)
		if c.ID <= 0 {
			errs = append(errs, fmt.Errorf("%s.id must be a positive integer", prefix))
		} else {
			if prev, ok := seen[c.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %d is a duplicate of personas.characters[%d]", prefix, c.ID, prev))
			}
			seen[c.ID] = i
		}
		if strings.TrimSpace(c.Name) == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if c.Speed < 0 || math.IsNaN(c.Speed) {
			errs = append(errs, fmt.Errorf("%s.speed %.2f must not be negative", prefix, c.Speed))
		}
		if c.Volume < 0 || c.Volume > 1 || math.IsNaN(c.Volume) {
			errs = append(errs, fmt.Errorf("%s.volume %.2f is out of range [0, 1]", prefix, c.Volume))
		}
		if c.Prompt == "" {
			slog.Warn("character has no prompt", "id", c.ID, "name", c.Name)
		}
	}
	return errs
}

func usesProvider(name string, primary ProviderEntry, fallbacks []ProviderEntry) bool {
	if primary.Name == name {
		return true
	}
	return slices.ContainsFunc(fallbacks, func(e ProviderEntry) bool { return e.Name == name })
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
