// Command voxtalk is the main entry point for the voxtalk voice-chat server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/voxtalk/internal/app"
	"github.com/MrWong99/voxtalk/internal/config"
	"github.com/MrWong99/voxtalk/internal/observe"
	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/MrWong99/voxtalk/pkg/provider/asr/aliyun"
	"github.com/MrWong99/voxtalk/pkg/provider/asr/deepgram"
	"github.com/MrWong99/voxtalk/pkg/provider/asr/whisper"
	"github.com/MrWong99/voxtalk/pkg/provider/llm"
	"github.com/MrWong99/voxtalk/pkg/provider/llm/anyllm"
	"github.com/MrWong99/voxtalk/pkg/provider/llm/openai"
	"github.com/MrWong99/voxtalk/pkg/provider/tts"
	"github.com/MrWong99/voxtalk/pkg/provider/tts/coqui"
	"github.com/MrWong99/voxtalk/pkg/provider/tts/elevenlabs"
	"github.com/MrWong99/voxtalk/pkg/provider/tts/unifiedtts"
	"github.com/MrWong99/voxtalk/pkg/storage"
	"github.com/MrWong99/voxtalk/pkg/storage/local"
	"github.com/MrWong99/voxtalk/pkg/storage/s3"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", config.DefaultConfigPath, "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload log level and characters when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxtalk: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxtalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("voxtalk starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Prometheus:  cfg.Telemetry.MetricsOn(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, metrics)

	providers, err := app.BuildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	opts := []app.Option{app.WithLogLevel(level), app.WithMetrics(metrics)}
	if *watch {
		opts = append(opts, app.WithConfigWatch(*configPath, 0))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	exit := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// anyllmProviders share the same pattern: optional APIKey + optional BaseURL.
var anyllmProviders = []string{"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "ollama"}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, metrics *observe.Metrics) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("aliyun", func(entry config.ProviderEntry, cfg *config.Config) (asr.Provider, error) {
		rc := cfg.Recognition
		opts := []aliyun.Option{
			aliyun.WithPollInterval(rc.PollInterval),
			aliyun.WithMaxAttempts(rc.MaxAttempts),
			aliyun.WithEnableWords(rc.EnableWords),
			aliyun.WithMetrics(metrics.ASRPollAttempts),
		}
		endpoint := rc.Endpoint
		if entry.BaseURL != "" {
			endpoint = entry.BaseURL
		}
		if endpoint != "" {
			opts = append(opts, aliyun.WithEndpoint(endpoint))
		}
		return aliyun.New(aliyun.Credentials{
			AccessKeyID:     rc.AccessKeyID,
			AccessKeySecret: rc.AccessKeySecret,
			AppKey:          rc.AppKey,
		}, opts...)
	})

	reg.RegisterASR("whisper", func(entry config.ProviderEntry, cfg *config.Config) (asr.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := language(entry, cfg); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry, cfg *config.Config) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := language(entry, cfg); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry, _ *config.Config) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllmProviders {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry, _ *config.Config) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("unifiedtts", func(entry config.ProviderEntry, _ *config.Config) (tts.Provider, error) {
		var opts []unifiedtts.Option
		if entry.BaseURL != "" {
			opts = append(opts, unifiedtts.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, unifiedtts.WithModel(entry.Model))
		}
		return unifiedtts.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry, _ *config.Config) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := entry.OptionString("output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry, cfg *config.Config) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := language(entry, cfg); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := entry.OptionString("api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Storage ───────────────────────────────────────────────────────────────

	// oss is the S3-compatible Aliyun object store; it falls back to the
	// recognition account's keys.
	for _, name := range []string{"s3", "oss"} {
		reg.RegisterStorage(name, func(entry config.ProviderEntry, cfg *config.Config) (storage.Uploader, error) {
			sc := s3.Config{
				Endpoint:        entry.BaseURL,
				Region:          entry.OptionString("region"),
				Bucket:          entry.OptionString("bucket"),
				AccessKeyID:     entry.OptionString("access_key_id"),
				AccessKeySecret: entry.OptionString("access_key_secret"),
				PublicBaseURL:   entry.OptionString("public_base_url"),
				UsePathStyle:    entry.OptionBool("path_style", false),
			}
			if name == "oss" && sc.AccessKeyID == "" && sc.AccessKeySecret == "" {
				sc.AccessKeyID = cfg.Recognition.AccessKeyID
				sc.AccessKeySecret = cfg.Recognition.AccessKeySecret
			}
			return s3.New(sc)
		})
	}

	reg.RegisterStorage("local", func(entry config.ProviderEntry, cfg *config.Config) (storage.Uploader, error) {
		dir := entry.OptionString("dir")
		if dir == "" {
			dir = "data/files"
		}
		base := entry.OptionString("public_base_url")
		if base == "" {
			base = "http://localhost" + cfg.Server.ListenAddr + app.DefaultFilesPrefix
		}
		return local.New(dir, base)
	})

	for _, kind := range []string{"asr", "llm", "tts", "storage"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// language returns the entry's own language option, or the global
// recognition language hint.
func language(entry config.ProviderEntry, cfg *config.Config) string {
	if lang := entry.OptionString("language"); lang != "" {
		return lang
	}
	return cfg.Recognition.Language
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         voxtalk  startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("ASR", cfg.Providers.ASR.Name, cfg.Providers.ASR.Model)
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Storage", cfg.Providers.Storage.Name, "")
	fmt.Printf("║  Snapshots       : %-19s ║\n", cfg.Persistence.Backend)
	fmt.Printf("║  Characters      : %-19d ║\n", len(cfg.Personas.Characters))
	fmt.Printf("║  Business type   : %-19s ║\n", cfg.Chat.BusinessType)
	if cfg.Server.Auth.JWTSecret != "" {
		fmt.Printf("║  Auth            : %-19s ║\n", "jwt")
	} else {
		fmt.Printf("║  Auth            : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}
