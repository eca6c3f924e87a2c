package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_InvalidServerPort(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Port: 70000},
		Database: DatabaseConfig{Port: 4000},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid server port")
	}
}

func TestValidate_InvalidDatabasePort(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Port: -1},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid database port")
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Port: 8080},
		Database: DatabaseConfig{Port: 4000},
		Embedding: EmbeddingConfig{
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
		},
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected Port=8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeoutSec != 10 {
		t.Errorf("expected ReadTimeoutSec=10, got %d", cfg.Server.ReadTimeoutSec)
	}
	if cfg.Server.WriteTimeoutSec != 30 {
		t.Errorf("expected WriteTimeoutSec=30, got %d", cfg.Server.WriteTimeoutSec)
	}
	if cfg.Server.ShutdownSec != 10 {
		t.Errorf("expected ShutdownSec=10, got %d", cfg.Server.ShutdownSec)
	}
	if cfg.Database.Host != "localhost" {
		t.Errorf("expected Host=localhost, got %q", cfg.Database.Host)
	}
	if cfg.Database.Port != 4000 {
		t.Errorf("expected database Port=4000, got %d", cfg.Database.Port)
	}
	if cfg.Database.Username != "root" {
		t.Errorf("expected Username=root, got %q", cfg.Database.Username)
	}
	if cfg.Database.Database != "test" {
		t.Errorf("expected Database=test, got %q", cfg.Database.Database)
	}
	if cfg.Cache.TTLSec != 86400 {
		t.Errorf("expected TTLSec=86400, got %d", cfg.Cache.TTLSec)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		Server:   ServerConfig{Port: 9090, ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Database: DatabaseConfig{Host: "tidb.internal", Port: 4001, Username: "app", Database: "prod"},
		Cache:    CacheConfig{TTLSec: 600},
	}
	cfg.ApplyDefaults()

	if cfg.Server.Port != 9090 {
		t.Errorf("expected Port=9090, got %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeoutSec != 30 {
		t.Errorf("expected ReadTimeoutSec=30, got %d", cfg.Server.ReadTimeoutSec)
	}
	if cfg.Database.Host != "tidb.internal" {
		t.Errorf("expected Host=tidb.internal, got %q", cfg.Database.Host)
	}
	if cfg.Cache.TTLSec != 600 {
		t.Errorf("expected TTLSec=600, got %d", cfg.Cache.TTLSec)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "config"), 0o755); err != nil {
		t.Fatal(err)
	}
	raw := `
server:
  port: 8081
database:
  host: tidb.local
  password: ${GOTIDB_TEST_DB_PASSWORD}
embedding:
  model: text-embedding-3-small
  api_key: ${GOTIDB_TEST_API_KEY:-fallback-key}
`
	path := filepath.Join(dir, "config", "unit.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("GOTIDB_TEST_DB_PASSWORD", "s3cret")
	t.Chdir(dir)

	cfg, err := Load("unit")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8081 {
		t.Errorf("expected Port=8081, got %d", cfg.Server.Port)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("expected expanded password, got %q", cfg.Database.Password)
	}
	if cfg.Embedding.APIKey != "fallback-key" {
		t.Errorf("expected default-expanded api key, got %q", cfg.Embedding.APIKey)
	}
	if cfg.Database.Host != "tidb.local" {
		t.Errorf("expected Host=tidb.local, got %q", cfg.Database.Host)
	}
	// Defaults applied on top of the file.
	if cfg.Database.Port != 4000 {
		t.Errorf("expected default database port, got %d", cfg.Database.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := Load("nonexistent"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
