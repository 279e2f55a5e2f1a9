package config

import (
	"slices"
	"testing"
)

func TestApplyEnv(t *testing.T) {
	t.Setenv("SITEMOVE_SERVER_DATA_DIR", "/srv/sitemove")
	t.Setenv("SITEMOVE_SITE_URL", "https://env.example")
	t.Setenv("SITEMOVE_EXPORT_CHUNK_SIZE", "2MB")
	t.Setenv("SITEMOVE_STORAGE_S3_ENABLED", "true")

	cfg := DefaultConfig()
	applied := cfg.ApplyEnv()
	slices.Sort(applied)

	want := []string{"export.chunk_size", "server.data_dir", "site.url", "storage.s3.enabled"}
	if !slices.Equal(applied, want) {
		t.Errorf("applied = %v, want %v", applied, want)
	}
	if cfg.Server.DataDir != "/srv/sitemove" {
		t.Errorf("DataDir = %q", cfg.Server.DataDir)
	}
	if cfg.Site.URL != "https://env.example" {
		t.Errorf("Site.URL = %q", cfg.Site.URL)
	}
	if cfg.Export.ChunkSize != "2MB" {
		t.Errorf("ChunkSize = %q", cfg.Export.ChunkSize)
	}
	if !cfg.Storage.S3.Enabled {
		t.Error("S3 should be enabled")
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("unset keys must keep their value, Listen = %q", cfg.Server.Listen)
	}
}

func TestApplyEnvNothingSet(t *testing.T) {
	cfg := DefaultConfig()
	if applied := cfg.ApplyEnv(); len(applied) != 0 {
		t.Errorf("applied = %v, want none", applied)
	}
}
