package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeFile(t, "llmctl.yaml", "version: 1\nserver:\n  addr: \":9090\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr: %q", cfg.Server.Addr)
	}
	if cfg.Executor.Namespace != "llmctl" || cfg.Engine.Workers != 8 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Engine.DefaultTimeoutSeconds != 600 || cfg.Engine.DefaultCaptureLimitBytes != 65536 {
		t.Fatalf("engine defaults: %+v", cfg.Engine)
	}
	if cfg.Logging.Format != "console" {
		t.Fatalf("logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "llmctl.yaml", "version: 1\nsrever:\n  addr: \":9090\"\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown field error")
	}
}

func TestLoadRejectsBadFormat(t *testing.T) {
	path := writeFile(t, "llmctl.yaml", "version: 1\nlogging:\n  format: xml\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "logging.format") {
		t.Fatalf("format error: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "llmctl.json", `{"version": 1, "rag": {"host": "localhost", "port": 8000}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RAG.Host != "localhost" || cfg.RAG.Port != 8000 {
		t.Fatalf("rag: %+v", cfg.RAG)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := validate(cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if _, err := NewLogger(cfg); err != nil {
		t.Fatalf("logger: %v", err)
	}
}
