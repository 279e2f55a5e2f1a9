package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestDefaultConfig verifies that DefaultConfig returns sensible defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name     string
		getValue func(*Config) string
		want     string
	}{
		{"listen address", func(c *Config) string { return c.Server.Listen }, "127.0.0.1:8080"},
		{"data directory", func(c *Config) string { return c.Server.DataDir }, "/var/lib/sitemove"},
		{"db path", func(c *Config) string { return c.DatabasePath() }, "/var/lib/sitemove/sitemove.db"},
		{"backups dir", func(c *Config) string { return c.BackupsDir() }, "/var/lib/sitemove/backups"},
		{"scratch dir", func(c *Config) string { return c.ScratchDir() }, "/var/lib/sitemove/jobs"},
		{"chunk size", func(c *Config) string { return c.Export.ChunkSize }, "5MB"},
		{"compression", func(c *Config) string { return c.Export.Compression }, "zstd"},
		{"dump prefix", func(c *Config) string { return c.Export.DumpPrefix }, "SMV_PREFIX_"},
		{"dialect", func(c *Config) string { return c.Site.Dialect }, "sqlite"},
		{"content dir", func(c *Config) string { return c.Site.ContentDir }, "wp-content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.getValue(cfg)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}

	if len(cfg.Import.UpsertSafeTables) != 1 || cfg.Import.UpsertSafeTables[0] != "options" {
		t.Errorf("UpsertSafeTables = %v, want [options]", cfg.Import.UpsertSafeTables)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

// TestLoad tests loading a valid config file
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "sitemove.yaml")

	configContent := `
server:
  listen: "0.0.0.0:9000"
  data_dir: "/custom/data"
  db_path: "/custom/data/app.db"
site:
  root: "/srv/www"
  url: "https://old.example.com"
  table_prefix: "blog_"
  dialect: "postgres"
  dsn: "postgres://localhost/site"
export:
  chunk_size: "512KB"
  row_batch: 100
  compression: "none"
  exclude:
    prefixes: ["cache/"]
    extensions: [".log"]
import:
  upsert_safe_tables: ["options", "usermeta"]
storage:
  s3:
    enabled: true
    bucket: "backups"
    region: "us-east-1"
`

	if err := os.WriteFile(configFile, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configFile)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Server.Listen = %q, want %q", cfg.Server.Listen, "0.0.0.0:9000")
	}
	if cfg.DatabasePath() != "/custom/data/app.db" {
		t.Errorf("DatabasePath() = %q, want %q", cfg.DatabasePath(), "/custom/data/app.db")
	}
	if cfg.ContentRoot() != "/srv/www/wp-content" {
		t.Errorf("ContentRoot() = %q", cfg.ContentRoot())
	}
	if cfg.Site.TablePrefix != "blog_" || cfg.Site.Dialect != "postgres" {
		t.Errorf("unexpected site config: %+v", cfg.Site)
	}

	chunk, err := cfg.ChunkSizeBytes()
	if err != nil {
		t.Fatalf("ChunkSizeBytes() failed: %v", err)
	}
	if chunk != 512*1024 {
		t.Errorf("ChunkSizeBytes() = %d, want %d", chunk, 512*1024)
	}
	if cfg.Export.RowBatch != 100 || cfg.Export.Compression != "none" {
		t.Errorf("unexpected export config: %+v", cfg.Export)
	}
	if len(cfg.Export.Exclude.Prefixes) != 1 || cfg.Export.Exclude.Prefixes[0] != "cache/" {
		t.Errorf("Exclude.Prefixes = %v", cfg.Export.Exclude.Prefixes)
	}
	if len(cfg.Import.UpsertSafeTables) != 2 {
		t.Errorf("UpsertSafeTables = %v", cfg.Import.UpsertSafeTables)
	}
	// Unset sections keep their defaults
	if cfg.Import.MinFreeSpace != "100MB" {
		t.Errorf("Import.MinFreeSpace = %q, want default", cfg.Import.MinFreeSpace)
	}
	if !cfg.Storage.S3.Enabled || cfg.Storage.S3.Bucket != "backups" {
		t.Errorf("unexpected s3 config: %+v", cfg.Storage.S3)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

// TestLoadInvalidYAML tests that Load returns an error for invalid YAML
func TestLoadInvalidYAML(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "invalid.yaml")

	invalidContent := `
server:
  listen: "0.0.0.0:8080"
  invalid: [unclosed bracket
`

	if err := os.WriteFile(configFile, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configFile); err == nil {
		t.Error("Load() succeeded, want error for invalid YAML")
	}
}

// TestLoadNonexistentFile tests that Load returns an error for missing files
func TestLoadNonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/to/config.yaml"); err == nil {
		t.Error("Load() succeeded, want error for nonexistent file")
	}
}

// TestFindConfigFileFound tests that FindConfigFile returns the found config
func TestFindConfigFileFound(t *testing.T) {
	originalWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	tempDir := t.TempDir()
	if err := os.Chdir(tempDir); err != nil {
		t.Fatalf("failed to change directory: %v", err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(originalWd); err != nil {
			t.Fatalf("failed to restore working directory: %v", err)
		}
	})

	configFile := filepath.Join(tempDir, "sitemove.yaml")
	if err := os.WriteFile(configFile, []byte("server:\n  listen: \"0.0.0.0:8080\""), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	found, err := FindConfigFile()
	if err != nil {
		t.Fatalf("FindConfigFile() failed: %v", err)
	}
	if found != "sitemove.yaml" {
		t.Errorf("FindConfigFile() = %q, want sitemove.yaml", found)
	}
}

// TestValidate tests rejection of unusable settings
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad chunk size", func(c *Config) { c.Export.ChunkSize = "lots" }},
		{"zero chunk size", func(c *Config) { c.Export.ChunkSize = "0" }},
		{"zero row batch", func(c *Config) { c.Export.RowBatch = 0 }},
		{"unknown compression", func(c *Config) { c.Export.Compression = "lz4" }},
		{"unknown dialect", func(c *Config) { c.Site.Dialect = "oracle" }},
		{"bad min free space", func(c *Config) { c.Import.MinFreeSpace = "-1GB" }},
		{"bad lock ttl", func(c *Config) { c.Server.LockTTL = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() succeeded, want error")
			}
		})
	}
}

// TestLockTTL tests duration parsing and its default
func TestLockTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.LockTTL = ""
	ttl, err := cfg.LockTTL()
	if err != nil || ttl != 10*time.Minute {
		t.Errorf("LockTTL() = %v, %v; want 10m", ttl, err)
	}
	cfg.Server.LockTTL = "90s"
	ttl, err = cfg.LockTTL()
	if err != nil || ttl != 90*time.Second {
		t.Errorf("LockTTL() = %v, %v; want 90s", ttl, err)
	}
}
