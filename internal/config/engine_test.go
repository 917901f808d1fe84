package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxToolUseConcurrency != DefaultMaxToolUseConcurrency {
		t.Fatalf("expected default concurrency %d, got %d", DefaultMaxToolUseConcurrency, cfg.MaxToolUseConcurrency)
	}
	if cfg.DisableShellSnapshot {
		t.Fatal("expected shell snapshot enabled by default")
	}
}

func TestLoadReadsConcurrencyEnvVar(t *testing.T) {
	os.Setenv(EnvMaxToolUseConcurrency, "3")
	defer os.Unsetenv(EnvMaxToolUseConcurrency)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxToolUseConcurrency != 3 {
		t.Fatalf("expected concurrency 3 from env var, got %d", cfg.MaxToolUseConcurrency)
	}
}

func TestLoadReadsDisableShellSnapshotEnvVar(t *testing.T) {
	os.Setenv(EnvDisableShellSnapshot, "true")
	defer os.Unsetenv(EnvDisableShellSnapshot)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DisableShellSnapshot {
		t.Fatal("expected shell snapshot disabled via env var")
	}
}

func TestMaxToolUseConcurrencyFloorsAtOne(t *testing.T) {
	os.Setenv(EnvMaxToolUseConcurrency, "0")
	defer os.Unsetenv(EnvMaxToolUseConcurrency)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxToolUseConcurrency != 1 {
		t.Fatalf("expected concurrency floored at 1, got %d", cfg.MaxToolUseConcurrency)
	}
}

func TestParseBoolEnv(t *testing.T) {
	cases := map[string]bool{"1": true, "true": true, "TRUE": true, "0": false, "": false, "false": false}
	for in, want := range cases {
		if got := ParseBoolEnv(in); got != want {
			t.Errorf("ParseBoolEnv(%q) = %v, want %v", in, got, want)
		}
	}
}
