package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	dotenv := filepath.Join(dir, ".env")
	data := []byte(`
# local overrides
QUEGATE_REDIS_ADDR=dotenv:6379
export QUEGATE_PREFIX="/dotenv"
QUEGATE_KEY_PREFIX='from dotenv:'
`)
	if err := os.WriteFile(dotenv, data, 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("QUEGATE_PREFIX", "/env")
	t.Setenv("QUEGATE_ENGINE_TIMEOUT", "3s")
	t.Setenv("QUEGATE_LISTEN", ":9000")
	t.Setenv("QUEGATE_REDIS_ADDR", "")
	t.Setenv("QUEGATE_KEY_PREFIX", "")

	cfg, err := Load("run", []string{"--dotenv", dotenv, "--listen", ":9100", "--access-log=false"}, io.Discard)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Listen != ":9100" {
		t.Fatalf("flag should win over env, got listen %q", cfg.Listen)
	}
	if cfg.Prefix != "/env" {
		t.Fatalf("env should win over dotenv, got prefix %q", cfg.Prefix)
	}
	if cfg.RedisAddr != "dotenv:6379" {
		t.Fatalf("dotenv should fill empty env, got redis addr %q", cfg.RedisAddr)
	}
	if cfg.KeyPrefix != "from dotenv:" {
		t.Fatalf("unexpected key prefix %q", cfg.KeyPrefix)
	}
	if cfg.EngineTimeout != 3*time.Second {
		t.Fatalf("unexpected engine timeout %s", cfg.EngineTimeout)
	}
	if cfg.AccessLog {
		t.Fatalf("expected access log disabled")
	}
	if cfg.UserHeader != "x-rp-usr" {
		t.Fatalf("expected default user header, got %q", cfg.UserHeader)
	}
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("QUEGATE_ENGINE_WORKERS", "many")
	if _, err := Load("run", nil, io.Discard); err == nil {
		t.Fatalf("expected env parse error")
	}
}

func TestLoad_RejectsPositionalArgs(t *testing.T) {
	if _, err := Load("run", []string{"extra"}, io.Discard); err == nil {
		t.Fatalf("expected error for positional args")
	}
}

func TestLoad_MissingDotenv(t *testing.T) {
	_, err := Load("run", []string{"--dotenv", filepath.Join(t.TempDir(), "missing.env")}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "load dotenv") {
		t.Fatalf("expected dotenv error, got %v", err)
	}
}

func TestValidate_JoinsProblems(t *testing.T) {
	cfg := Default()
	cfg.Listen = "nope"
	cfg.Prefix = "queuing"
	cfg.LogOutput = "file"
	cfg.WatchScripts = true
	cfg.EngineWorkers = 0
	cfg.MetricsListen = cfg.Listen

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`listen "nope"`,
		"must start with /",
		"requires a log path",
		"requires a scripts dir",
		"engine workers",
		"metrics listen must differ",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("validation error missing %q:\n%s", want, msg)
		}
	}
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("QUEGATE_A=1\nQUEGATE_B=\"two words\"\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("QUEGATE_A", "kept")
	t.Setenv("QUEGATE_B", "")

	applied, err := LoadDotenv(path)
	if err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if len(applied) != 1 || applied[0] != "QUEGATE_B" {
		t.Fatalf("unexpected applied keys %v", applied)
	}
	if got := os.Getenv("QUEGATE_A"); got != "kept" {
		t.Fatalf("QUEGATE_A=%q, want kept", got)
	}
	if got := os.Getenv("QUEGATE_B"); got != "two words" {
		t.Fatalf("QUEGATE_B=%q, want 'two words'", got)
	}
}

func TestLoadDotenv_InvalidLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("OK=1\nNOEQUALS\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	_, err := LoadDotenv(path)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Fatalf("expected line 2 error, got %v", err)
	}
}
