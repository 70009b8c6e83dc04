package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/recitalign/pkg/segment"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"vad": {"http", "energy"},
	"asr": {"http"},
}

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

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.API.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.api.max_upload_bytes must be >= 0, got %d", cfg.Server.API.MaxUploadBytes))
	}

	if r := cfg.Telemetry.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_ratio %v is out of range [0, 1]", r))
	}

	if cfg.Reference.Path == "" {
		errs = append(errs, errors.New("reference.path is required"))
	}
	if cfg.Reference.NgramSize < 0 {
		errs = append(errs, fmt.Errorf("reference.ngram_size must be >= 0, got %d", cfg.Reference.NgramSize))
	}

	// Providers
	errs = append(errs, validateEntry("providers.vad", "vad", cfg.Providers.VAD)...)
	errs = append(errs, validateEntry("providers.asr", "asr", cfg.Providers.ASR)...)
	for i, e := range cfg.Providers.ASRFallbacks {
		errs = append(errs, validateEntry(fmt.Sprintf("providers.asr_fallbacks[%d]", i), "asr", e)...)
	}

	if _, err := segment.Preset(cfg.Segmentation.DefaultPreset); err != nil {
		errs = append(errs, fmt.Errorf("segmentation.default_preset: %w", err))
	}
	if err := cfg.Alignment.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("alignment: %w", err))
	}

	// Session
	if cfg.Session.TTL <= 0 {
		errs = append(errs, fmt.Errorf("session.ttl must be > 0, got %s", cfg.Session.TTL))
	}
	if !cfg.Session.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("session.backend %q is invalid; valid values: memory, sqlite, postgres", cfg.Session.Backend))
	}
	if cfg.Session.Backend != BackendMemory && cfg.Session.DSN == "" {
		errs = append(errs, fmt.Errorf("session.dsn is required when backend is %s", cfg.Session.Backend))
	}

	if cfg.Quota.Capacity < 0 || cfg.Quota.Budget < 0 || cfg.Quota.Window < 0 {
		errs = append(errs, errors.New("quota: capacity, budget and window must be >= 0"))
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}

	if cfg.MCP.Enabled && cfg.MCP.AudioRoot == "" {
		slog.Warn("mcp.audio_root is empty; process_audio_file will not be offered")
	}

	return errors.Join(errs...)
}

func validateEntry(path, kind string, e ProviderEntry) []error {
	if e.Name == "" {
		return []error{fmt.Errorf("%s.name is required", path)}
	}
	validateProviderName(kind, e.Name)
	var errs []error
	if e.Name == "http" && e.BaseURL == "" {
		errs = append(errs, fmt.Errorf("%s.base_url is required for the http backend", path))
	}
	if e.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%s.timeout must be >= 0, got %s", path, e.Timeout))
	}
	return errs
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
	slog.Warn("unknown provider name; may be a typo or a third-party backend",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
