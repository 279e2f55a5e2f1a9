package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Site    SiteConfig    `yaml:"site"`
	Export  ExportConfig  `yaml:"export"`
	Import  ImportConfig  `yaml:"import"`
	Storage StorageConfig `yaml:"storage"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
	LockTTL string `yaml:"lock_ttl"`
}

// SiteConfig describes the local site that is exported from or imported into.
type SiteConfig struct {
	Root        string `yaml:"root"`
	ContentDir  string `yaml:"content_dir"`
	UploadsDir  string `yaml:"uploads_dir"`
	PluginsDir  string `yaml:"plugins_dir"`
	ThemesDir   string `yaml:"themes_dir"`
	URL         string `yaml:"url"`
	Home        string `yaml:"home"`
	UploadsURL  string `yaml:"uploads_url"`
	TablePrefix string `yaml:"table_prefix"`
	Dialect     string `yaml:"dialect"`
	DSN         string `yaml:"dsn"`
	Multisite   bool   `yaml:"multisite"`
}

// ExcludeConfig lists default exclusion rules applied to every export.
type ExcludeConfig struct {
	Prefixes   []string `yaml:"prefixes"`
	Substrings []string `yaml:"substrings"`
	Extensions []string `yaml:"extensions"`
	Globs      []string `yaml:"globs"`
	Tables     []string `yaml:"tables"`
}

// ExportConfig holds export settings
type ExportConfig struct {
	ChunkSize   string        `yaml:"chunk_size"`
	RowBatch    int           `yaml:"row_batch"`
	Compression string        `yaml:"compression"`
	BackupsDir  string        `yaml:"backups_dir"`
	DumpPrefix  string        `yaml:"dump_prefix"`
	Exclude     ExcludeConfig `yaml:"exclude"`
	Sinks       []string      `yaml:"sinks"`
}

// ImportConfig holds import settings
type ImportConfig struct {
	UpsertSafeTables []string `yaml:"upsert_safe_tables"`
	MinFreeSpace     string   `yaml:"min_free_space"`
	Source           string   `yaml:"source"`
	MaxUploadSize    string   `yaml:"max_upload_size"`
}

// StorageConfig configures archive sinks and sources
type StorageConfig struct {
	Local LocalStorageConfig `yaml:"local"`
	S3    S3StorageConfig    `yaml:"s3"`
	HTTP  HTTPStorageConfig  `yaml:"http"`
}

// LocalStorageConfig copies archives to a directory
type LocalStorageConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// S3StorageConfig stores archives in an S3-compatible bucket
type S3StorageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// HTTPStorageConfig controls archive downloads over HTTP
type HTTPStorageConfig struct {
	RetryAttempts int    `yaml:"retry_attempts"`
	Timeout       string `yaml:"timeout"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8080",
			DataDir: "/var/lib/sitemove",
			DBPath:  "",
			LockTTL: "10m",
		},
		Site: SiteConfig{
			ContentDir:  "wp-content",
			UploadsDir:  "uploads",
			PluginsDir:  "plugins",
			ThemesDir:   "themes",
			TablePrefix: "wp_",
			Dialect:     "sqlite",
		},
		Export: ExportConfig{
			ChunkSize:   "5MB",
			RowBatch:    500,
			Compression: "zstd",
			DumpPrefix:  "SMV_PREFIX_",
		},
		Import: ImportConfig{
			UpsertSafeTables: []string{"options"},
			MinFreeSpace:     "100MB",
			Source:           "backups",
		},
		Storage: StorageConfig{
			HTTP: HTTPStorageConfig{
				RetryAttempts: 3,
				Timeout:       "30m",
			},
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"sitemove.yaml",
		"/etc/sitemove/sitemove.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "sitemove", "sitemove.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that would otherwise fail deep inside a job.
func (c *Config) Validate() error {
	if _, err := c.ChunkSizeBytes(); err != nil {
		return fmt.Errorf("export.chunk_size: %w", err)
	}
	if c.Export.RowBatch <= 0 {
		return fmt.Errorf("export.row_batch must be positive, got %d", c.Export.RowBatch)
	}
	if !slices.Contains([]string{"zstd", "none", ""}, c.Export.Compression) {
		return fmt.Errorf("export.compression: unsupported value %q", c.Export.Compression)
	}
	if !slices.Contains([]string{"sqlite", "postgres"}, c.Site.Dialect) {
		return fmt.Errorf("site.dialect: unsupported value %q", c.Site.Dialect)
	}
	if _, err := c.MinFreeSpaceBytes(); err != nil {
		return fmt.Errorf("import.min_free_space: %w", err)
	}
	if _, err := c.MaxUploadSizeBytes(); err != nil {
		return fmt.Errorf("import.max_upload_size: %w", err)
	}
	if _, err := c.LockTTL(); err != nil {
		return fmt.Errorf("server.lock_ttl: %w", err)
	}
	return nil
}

// DatabasePath returns the job store location
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "sitemove.db")
}

// BackupsDir returns the directory finalized archives are published to
func (c *Config) BackupsDir() string {
	if c.Export.BackupsDir != "" {
		return c.Export.BackupsDir
	}
	return filepath.Join(c.Server.DataDir, "backups")
}

// ScratchDir returns the parent of per-job scratch directories
func (c *Config) ScratchDir() string {
	return filepath.Join(c.Server.DataDir, "jobs")
}

// ContentRoot returns the absolute content directory of the site
func (c *Config) ContentRoot() string {
	return filepath.Join(c.Site.Root, c.Site.ContentDir)
}

// ChunkSizeBytes parses export.chunk_size
func (c *Config) ChunkSizeBytes() (int64, error) {
	n, err := ParseSize(c.Export.ChunkSize)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("chunk size must be positive")
	}
	return n, nil
}

// MinFreeSpaceBytes parses import.min_free_space
func (c *Config) MinFreeSpaceBytes() (int64, error) {
	if c.Import.MinFreeSpace == "" {
		return 0, nil
	}
	return ParseSize(c.Import.MinFreeSpace)
}

// MaxUploadSizeBytes parses import.max_upload_size; zero means unlimited
func (c *Config) MaxUploadSizeBytes() (int64, error) {
	if c.Import.MaxUploadSize == "" {
		return 0, nil
	}
	return ParseSize(c.Import.MaxUploadSize)
}

// LockTTL parses server.lock_ttl
func (c *Config) LockTTL() (time.Duration, error) {
	if c.Server.LockTTL == "" {
		return 10 * time.Minute, nil
	}
	return time.ParseDuration(c.Server.LockTTL)
}

// HTTPTimeout parses storage.http.timeout
func (c *Config) HTTPTimeout() time.Duration {
	d, err := time.ParseDuration(c.Storage.HTTP.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}
