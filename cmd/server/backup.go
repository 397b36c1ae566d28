package main

import (
	"log"

	"radicalpixels.io/internal/persistence/objstore"
	"radicalpixels.io/internal/sim/tuning"
)

// openMirror returns nil when mirroring is not configured.
func openMirror(cfg tuning.MirrorConfig, dataDir string, logger *log.Logger) (*objstore.Mirror, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := objstore.New(objstore.Config{
		Endpoint:        cfg.Endpoint,
		Bucket:          cfg.Bucket,
		Region:          cfg.Region,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	logger.Printf("mirroring snapshots to bucket=%s prefix=%s", cfg.Bucket, cfg.Prefix)
	return objstore.NewMirror(client, dataDir, cfg.Prefix, cfg.Workers, cfg.QueueCapacity, logger), nil
}
