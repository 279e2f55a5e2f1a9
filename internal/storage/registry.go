package storage

import (
	"context"
	"log/slog"

	"github.com/BadgerOps/sitemove/internal/config"
)

// FromConfig builds the registry described by the storage section. The
// backups directory is always available as the "backups" source, and
// absolute paths as the "file" source.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	reg.RegisterSource(NewLocal("backups", cfg.BackupsDir()))
	reg.RegisterSource(File{})
	reg.RegisterSource(NewHTTP(cfg.HTTPTimeout(), cfg.Storage.HTTP.RetryAttempts, logger))

	if cfg.Storage.Local.Enabled && cfg.Storage.Local.Dir != "" {
		local := NewLocal("local", cfg.Storage.Local.Dir)
		reg.RegisterSink(local)
		reg.RegisterSource(local)
	}
	if cfg.Storage.S3.Enabled {
		s3, err := NewS3FromConfig(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		reg.RegisterSink(s3)
		reg.RegisterSource(s3)
	}

	logger.Debug("storage configured", "sinks", reg.SinkNames(), "sources", reg.SourceNames())
	return reg, nil
}
