// Package config loads the llmctl runtime configuration from YAML or JSON.
// Decoding is strict: unknown fields are an error, not a silent ignore.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type File struct {
	Version int `json:"version" yaml:"version"`

	Server struct {
		Addr string `json:"addr" yaml:"addr"`
	} `json:"server" yaml:"server"`

	// Database selects the store backend. An empty URL runs fully in memory,
	// which is what tests and single-shot CLI invocations want.
	Database struct {
		URL      string `json:"url,omitempty" yaml:"url,omitempty"`
		MaxConns int    `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
	} `json:"database,omitempty" yaml:"database,omitempty"`

	Executor struct {
		Namespace                 string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
		Image                     string `json:"image,omitempty" yaml:"image,omitempty"`
		WorkspaceIdentity         string `json:"workspace_identity,omitempty" yaml:"workspace_identity,omitempty"`
		DispatchTimeoutSeconds    int    `json:"dispatch_timeout_seconds,omitempty" yaml:"dispatch_timeout_seconds,omitempty"`
		CancelGraceTimeoutSeconds int    `json:"cancel_grace_timeout_seconds,omitempty" yaml:"cancel_grace_timeout_seconds,omitempty"`
	} `json:"executor,omitempty" yaml:"executor,omitempty"`

	Engine struct {
		Workers                  int      `json:"workers,omitempty" yaml:"workers,omitempty"`
		DefaultModelID           string   `json:"default_model_id,omitempty" yaml:"default_model_id,omitempty"`
		EnabledProviders         []string `json:"enabled_providers,omitempty" yaml:"enabled_providers,omitempty"`
		MCPServerKeys            []string `json:"mcp_server_keys,omitempty" yaml:"mcp_server_keys,omitempty"`
		DefaultTimeoutSeconds    int      `json:"default_timeout_seconds,omitempty" yaml:"default_timeout_seconds,omitempty"`
		DefaultCaptureLimitBytes int      `json:"default_capture_limit_bytes,omitempty" yaml:"default_capture_limit_bytes,omitempty"`
		WorkspaceRoot            string   `json:"workspace_root,omitempty" yaml:"workspace_root,omitempty"`
		CustomInstructionFile    string   `json:"custom_instruction_file,omitempty" yaml:"custom_instruction_file,omitempty"`
	} `json:"engine,omitempty" yaml:"engine,omitempty"`

	RAG struct {
		Provider string `json:"provider,omitempty" yaml:"provider,omitempty"`
		Host     string `json:"host,omitempty" yaml:"host,omitempty"`
		Port     int    `json:"port,omitempty" yaml:"port,omitempty"`
	} `json:"rag,omitempty" yaml:"rag,omitempty"`

	Logging struct {
		Level  string `json:"level,omitempty" yaml:"level,omitempty"`
		Format string `json:"format,omitempty" yaml:"format,omitempty"`
	} `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Load reads and decodes the config file. The extension picks the codec;
// anything that is not .json decodes as YAML.
func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg File
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *File {
	var cfg File
	applyDefaults(&cfg)
	return &cfg
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Executor.Namespace == "" {
		cfg.Executor.Namespace = "llmctl"
	}
	if cfg.Executor.Image == "" {
		cfg.Executor.Image = "llmctl-executor:latest"
	}
	if cfg.Engine.Workers <= 0 {
		cfg.Engine.Workers = 8
	}
	if cfg.Engine.DefaultTimeoutSeconds <= 0 {
		cfg.Engine.DefaultTimeoutSeconds = 600
	}
	if cfg.Engine.DefaultCaptureLimitBytes <= 0 {
		cfg.Engine.DefaultCaptureLimitBytes = 65536
	}
	if len(cfg.Engine.EnabledProviders) == 0 {
		cfg.Engine.EnabledProviders = []string{"claude", "codex", "gemini"}
	}
	if cfg.Engine.WorkspaceRoot == "" {
		cfg.Engine.WorkspaceRoot = filepath.Join(os.TempDir(), "llmctl-workspaces")
	}
	if cfg.RAG.Provider == "" {
		cfg.RAG.Provider = "chroma"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
}

func validate(cfg *File) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d", cfg.Version)
	}
	switch cfg.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format)
	}
	if cfg.RAG.Port < 0 || cfg.RAG.Port > 65535 {
		return fmt.Errorf("rag.port %d out of range", cfg.RAG.Port)
	}
	for _, p := range cfg.Engine.EnabledProviders {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("engine.enabled_providers contains an empty entry")
		}
	}
	return nil
}
