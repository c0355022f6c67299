package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRaw_TOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
version = 1

[server]
host = "0.0.0.0"
http_port = 8080

[llm]
default_provider = "anthropic"

[llm.providers.anthropic]
api_key = "sk-test"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}

	server, ok := raw["server"].(map[string]any)
	if !ok {
		t.Fatalf("expected server section to decode as a map, got %T", raw["server"])
	}
	if server["host"] != "0.0.0.0" {
		t.Fatalf("server.host = %v, want 0.0.0.0", server["host"])
	}

	llm, ok := raw["llm"].(map[string]any)
	if !ok {
		t.Fatalf("expected llm section to decode as a map, got %T", raw["llm"])
	}
	if llm["default_provider"] != "anthropic" {
		t.Fatalf("llm.default_provider = %v, want anthropic", llm["default_provider"])
	}
}

func TestLoadRaw_JSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	contents := `{"version": 1, "server": {"host": "127.0.0.1"}}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	server, ok := raw["server"].(map[string]any)
	if !ok {
		t.Fatalf("expected server section to decode as a map, got %T", raw["server"])
	}
	if server["host"] != "127.0.0.1" {
		t.Fatalf("server.host = %v, want 127.0.0.1", server["host"])
	}
}

func TestLoadRaw_JSON5_TrailingCommaAndComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	contents := `{
		// inline comment
		version: 1,
		server: { host: "127.0.0.1", }, // trailing comma
	}`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	if _, ok := raw["server"].(map[string]any); !ok {
		t.Fatalf("expected server section to decode as a map, got %T", raw["server"])
	}
}

func TestLoadRaw_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "version: 1\nserver:\n  host: 127.0.0.1\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	if _, ok := raw["server"].(map[string]any); !ok {
		t.Fatalf("expected server section to decode as a map, got %T", raw["server"])
	}
}

func TestLoadRaw_TOMLWithIncludes(t *testing.T) {
	dir := t.TempDir()
	basePath := filepath.Join(dir, "base.toml")
	mainPath := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(basePath, []byte("[llm]\ndefault_provider = \"anthropic\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(base) error = %v", err)
	}
	if err := os.WriteFile(mainPath, []byte("\"$include\" = \"base.toml\"\n\n[server]\nhttp_port = 8080\n"), 0o644); err != nil {
		t.Fatalf("WriteFile(main) error = %v", err)
	}

	raw, err := LoadRaw(mainPath)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	llm, ok := raw["llm"].(map[string]any)
	if !ok {
		t.Fatalf("expected included llm section to merge in as a map, got %T", raw["llm"])
	}
	if llm["default_provider"] != "anthropic" {
		t.Fatalf("llm.default_provider = %v, want anthropic", llm["default_provider"])
	}
	server, ok := raw["server"].(map[string]any)
	if !ok {
		t.Fatalf("expected server section to survive merge, got %T", raw["server"])
	}
	if server["http_port"] != int64(8080) {
		t.Fatalf("server.http_port = %v (%T), want int64(8080)", server["http_port"], server["http_port"])
	}
}

func TestLoadRaw_UnknownExtensionFallsBackToYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.conf")
	contents := "version: 1\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	raw, err := LoadRaw(path)
	if err != nil {
		t.Fatalf("LoadRaw() error = %v", err)
	}
	if raw["version"] != 1 {
		t.Fatalf("version = %v, want 1", raw["version"])
	}
}
