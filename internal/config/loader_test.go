package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/recitalign/internal/config"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/segment"
)

const minimalYAML = `
reference:
  path: /srv/recitalign/words.json
providers:
  asr:
    name: http
    base_url: http://asr:9000
`

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  shutdown_timeout: 30s
  api:
    max_upload_bytes: 1048576
    origin_patterns: ["editor.example.com"]
telemetry:
  service_name: recitalign-test
  sample_ratio: 0.25
reference:
  path: /srv/recitalign/words.json
  ngram_size: 4
providers:
  vad:
    name: http
    base_url: http://vad:9000
    timeout: 20s
  asr:
    name: http
    base_url: http://asr-gpu:9000
    timeout: 2m
  asr_fallbacks:
    - name: http
      base_url: http://asr-cpu:9000
  circuit_breaker:
    max_failures: 3
    reset_timeout: 10s
segmentation:
  default_preset: mujawwad
alignment:
  lookahead_words: 40
session:
  ttl: 2h
  sweep_interval: 1m
  backend: sqlite
  dsn: /var/lib/recitalign/sessions.db
quota:
  capacity: 2
  budget: 1h
pipeline:
  asr_concurrency: 6
  run_timeout: 5m
progress:
  history: 128
mcp:
  enabled: true
  audio_root: /srv/audio
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Providers.VAD.Name != "energy" {
		t.Errorf("vad default = %q, want energy", cfg.Providers.VAD.Name)
	}
	if cfg.Session.TTL != 5*time.Hour || cfg.Session.Backend != config.BackendMemory {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Segmentation.DefaultPreset != segment.DefaultPreset {
		t.Errorf("default preset = %q", cfg.Segmentation.DefaultPreset)
	}
	if cfg.Alignment != align.DefaultConfig() {
		t.Error("alignment defaults were not kept")
	}
}

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second || cfg.Server.API.MaxUploadBytes != 1<<20 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Telemetry.SampleRatio != 0.25 {
		t.Errorf("sample_ratio = %v", cfg.Telemetry.SampleRatio)
	}
	if cfg.Providers.ASR.Timeout != 2*time.Minute || len(cfg.Providers.ASRFallbacks) != 1 {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	if cfg.Providers.CircuitBreaker.MaxFailures != 3 || cfg.Providers.CircuitBreaker.ResetTimeout != 10*time.Second {
		t.Errorf("circuit_breaker = %+v", cfg.Providers.CircuitBreaker)
	}
	want := align.DefaultConfig()
	want.LookaheadWords = 40
	if cfg.Alignment != want {
		t.Errorf("alignment override not merged over defaults: %+v", cfg.Alignment)
	}
	if cfg.Session.Backend != config.BackendSQLite || cfg.Session.TTL != 2*time.Hour {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Quota.Capacity != 2 || cfg.Quota.Budget != time.Hour {
		t.Errorf("quota = %+v", cfg.Quota)
	}
	if cfg.Pipeline.ASRConcurrency != 6 || cfg.Pipeline.RunTimeout != 5*time.Minute {
		t.Errorf("pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Progress.History != 128 || cfg.Progress.Buffer != 32 {
		t.Errorf("progress = %+v", cfg.Progress)
	}
	if !cfg.MCP.Enabled || cfg.MCP.AudioRoot != "/srv/audio" {
		t.Errorf("mcp = %+v", cfg.MCP)
	}
}

func TestLoadFromReader_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "npcs: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
telemetry:
  sample_ratio: 2
providers:
  vad:
    name: http
  asr:
    name: ""
segmentation:
  default_preset: whisper
alignment:
  max_edit_distance: 0
session:
  backend: postgres
pipeline:
  asr_concurrency: -1
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected validation errors, got nil")
	}
	for _, want := range []string{
		"server.log_level",
		"sample_ratio",
		"reference.path is required",
		"providers.vad.base_url",
		"providers.asr.name is required",
		"segmentation.default_preset",
		"max_edit_distance",
		"session.dsn is required",
		"asr_concurrency",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "recitalign.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.ASR.BaseURL != "http://asr:9000" {
		t.Errorf("asr base_url = %q", cfg.Providers.ASR.BaseURL)
	}
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterASR("http", func(e config.ProviderEntry) (asr.Provider, error) {
		gotEntry = e
		return nil, nil
	})
	reg.RegisterVAD("energy", func(config.ProviderEntry) (vad.Detector, error) {
		return nil, errors.New("boom")
	})

	if _, err := reg.CreateASR(config.ProviderEntry{Name: "http", BaseURL: "http://x"}); err != nil {
		t.Fatalf("CreateASR: %v", err)
	}
	if gotEntry.BaseURL != "http://x" {
		t.Errorf("factory got %+v", gotEntry)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "energy"}); err == nil || err.Error() != "boom" {
		t.Errorf("factory error not returned: %v", err)
	}
	if _, err := reg.CreateASR(config.ProviderEntry{Name: "grpc"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateVAD(config.ProviderEntry{Name: "silero"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
