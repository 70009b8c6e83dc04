// Command recitalign is the main entry point for the recitation alignment
// server.
//
// It loads configuration from a YAML file, wires the model-server backends
// through the provider registry, initialises telemetry and serves the HTTP
// API until SIGINT or SIGTERM, then shuts down gracefully.
//
// Usage:
//
//	recitalign [-config path/to/config.yaml]
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

	"github.com/MrWong99/recitalign/internal/app"
	"github.com/MrWong99/recitalign/internal/config"
	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
	"github.com/MrWong99/recitalign/pkg/provider/asr/httpasr"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/provider/vad/energy"
	"github.com/MrWong99/recitalign/pkg/provider/vad/httpvad"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "recitalign: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "recitalign: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(&level))

	slog.Info("recitalign starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithVersion(version))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyReload(&level, config.Diff(old, new))
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	code := 0
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// applyReload applies the parts of a config change that take effect without
// a restart and reports the rest.
func applyReload(level *slog.LevelVar, diff config.ConfigDiff) {
	if diff.LogLevelChanged {
		level.Set(slogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changed; restart to apply", "sections", diff.RestartRequired)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// recitalign. Used for startup logging.
var builtinProviders = map[string][]string{
	"vad": {"http", "energy"},
	"asr": {"http"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the backend
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── VAD ──
	reg.RegisterVAD("http", func(entry config.ProviderEntry) (vad.Detector, error) {
		var opts []httpvad.Option
		if entry.Timeout > 0 {
			opts = append(opts, httpvad.WithTimeout(entry.Timeout))
		}
		return httpvad.New(entry.BaseURL, opts...)
	})
	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Detector, error) {
		var opts []energy.Option
		if v, ok := optFloat(entry.Options, "threshold"); ok {
			opts = append(opts, energy.WithThreshold(v))
		}
		if v, ok := optInt(entry.Options, "frame_ms"); ok {
			opts = append(opts, energy.WithFrameMs(v))
		}
		return energy.New(opts...)
	})

	// ── ASR ──
	reg.RegisterASR("http", func(entry config.ProviderEntry) (asr.Provider, error) {
		var opts []httpasr.Option
		if entry.Timeout > 0 {
			opts = append(opts, httpasr.WithTimeout(entry.Timeout))
		}
		return httpasr.New(entry.BaseURL, opts...)
	})

	for kind, names := range builtinProviders {
		slog.Debug("registered built-in providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates every configured backend via the registry.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	det, err := reg.CreateVAD(cfg.Providers.VAD)
	if err != nil {
		return nil, fmt.Errorf("vad provider %q: %w", cfg.Providers.VAD.Name, err)
	}
	ps.VAD = det

	entries := append([]config.ProviderEntry{cfg.Providers.ASR}, cfg.Providers.ASRFallbacks...)
	for i, entry := range entries {
		p, err := reg.CreateASR(entry)
		if err != nil {
			return nil, fmt.Errorf("asr provider %q: %w", entry.Name, err)
		}
		ps.ASR = append(ps.ASR, app.NamedASR{Name: asrName(i, entry), Provider: p})
	}
	return ps, nil
}

// asrName labels an ASR backend for logs and readiness output.
func asrName(i int, entry config.ProviderEntry) string {
	if i == 0 {
		return "primary:" + entry.Name
	}
	return fmt.Sprintf("fallback%d:%s", i, entry.Name)
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       recitalign — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("VAD", cfg.Providers.VAD.Name)
	printRow("ASR", cfg.Providers.ASR.Name)
	printRow("ASR fallbacks", fmt.Sprint(len(cfg.Providers.ASRFallbacks)))
	printRow("Preset", cfg.Segmentation.DefaultPreset)
	printRow("Sessions", string(cfg.Session.Backend))
	if cfg.MCP.Enabled {
		printRow("MCP", "/mcp")
	} else {
		printRow("MCP", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-13s   : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optFloat extracts a numeric value from a provider Options map[string]any.
// YAML integers are accepted.
func optFloat(opts map[string]any, key string) (float64, bool) {
	switch v := opts[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// optInt extracts an integer value from a provider Options map[string]any.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
