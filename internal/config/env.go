package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, so server.data_dir
// is read from SITEMOVE_SERVER_DATA_DIR.
const EnvPrefix = "SITEMOVE"

// envKeys maps override keys to the string fields they replace.
func (c *Config) envKeys() map[string]*string {
	return map[string]*string{
		"server.listen":          &c.Server.Listen,
		"server.data_dir":        &c.Server.DataDir,
		"server.db_path":         &c.Server.DBPath,
		"server.lock_ttl":        &c.Server.LockTTL,
		"site.root":              &c.Site.Root,
		"site.url":               &c.Site.URL,
		"site.home":              &c.Site.Home,
		"site.table_prefix":      &c.Site.TablePrefix,
		"site.dialect":           &c.Site.Dialect,
		"site.dsn":               &c.Site.DSN,
		"export.chunk_size":      &c.Export.ChunkSize,
		"export.compression":     &c.Export.Compression,
		"export.backups_dir":     &c.Export.BackupsDir,
		"import.min_free_space":  &c.Import.MinFreeSpace,
		"import.source":          &c.Import.Source,
		"import.max_upload_size": &c.Import.MaxUploadSize,
		"storage.s3.bucket":      &c.Storage.S3.Bucket,
		"storage.s3.region":      &c.Storage.S3.Region,
		"storage.s3.endpoint":    &c.Storage.S3.Endpoint,
	}
}

// ApplyEnv overrides settings from SITEMOVE_* environment variables and
// returns the keys that were changed.
func (c *Config) ApplyEnv() []string {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var applied []string
	for key, field := range c.envKeys() {
		if !v.IsSet(key) {
			continue
		}
		*field = v.GetString(key)
		applied = append(applied, key)
	}
	if v.IsSet("storage.s3.enabled") {
		c.Storage.S3.Enabled = v.GetBool("storage.s3.enabled")
		applied = append(applied, "storage.s3.enabled")
	}
	return applied
}
