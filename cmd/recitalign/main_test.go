package main

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/MrWong99/recitalign/internal/config"
)

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := config.Default()
	cfg.Providers.VAD = config.ProviderEntry{Name: "energy", Options: map[string]any{"threshold": 0.02, "frame_ms": 20}}
	cfg.Providers.ASR = config.ProviderEntry{Name: "http", BaseURL: "http://asr-a:7861"}
	cfg.Providers.ASRFallbacks = []config.ProviderEntry{{Name: "http", BaseURL: "http://asr-b:7861"}}

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.VAD == nil {
		t.Error("VAD not built")
	}
	if len(ps.ASR) != 2 {
		t.Fatalf("len(ASR) = %d, want 2", len(ps.ASR))
	}
	if ps.ASR[0].Name != "primary:http" || ps.ASR[1].Name != "fallback1:http" {
		t.Errorf("names = %q, %q", ps.ASR[0].Name, ps.ASR[1].Name)
	}
}

func TestBuildProviders_Unregistered(t *testing.T) {
	t.Parallel()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := config.Default()
	cfg.Providers.ASR = config.ProviderEntry{Name: "onnx"}
	_, err := buildProviders(cfg, reg)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()

	var level slog.LevelVar
	applyReload(&level, config.ConfigDiff{LogLevelChanged: true, NewLogLevel: config.LogDebug})
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	applyReload(&level, config.ConfigDiff{RestartRequired: []string{"session"}})
	if level.Level() != slog.LevelDebug {
		t.Errorf("restart-only diff changed the level to %v", level.Level())
	}
}

func TestOptHelpers(t *testing.T) {
	t.Parallel()

	opts := map[string]any{"f": 0.5, "i": 20, "s": "x"}
	if v, ok := optFloat(opts, "f"); !ok || v != 0.5 {
		t.Errorf("optFloat(f) = %v, %v", v, ok)
	}
	if v, ok := optFloat(opts, "i"); !ok || v != 20 {
		t.Errorf("optFloat(i) = %v, %v", v, ok)
	}
	if _, ok := optInt(opts, "s"); ok {
		t.Error("optInt accepted a string")
	}
	if _, ok := optInt(nil, "i"); ok {
		t.Error("optInt accepted a nil map")
	}
}
