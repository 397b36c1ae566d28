package tuning

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`
	RegistryID      string `yaml:"registry_id"`

	Grid    GridConfig    `yaml:"grid"`
	Tax     TaxConfig     `yaml:"tax"`
	Auction AuctionConfig `yaml:"auction"`

	// Decimals is the number of fractional digits in one display unit.
	Decimals int32 `yaml:"decimals"`

	SnapshotEveryOps uint64 `yaml:"snapshot_every_ops"`

	RateLimits RateLimits   `yaml:"rate_limits"`
	Index      IndexConfig  `yaml:"index"`
	Backup     BackupConfig `yaml:"backup"`
}

type GridConfig struct {
	XMax uint32 `yaml:"x_max"`
	YMax uint32 `yaml:"y_max"`
}

type TaxConfig struct {
	RateBps   uint32 `yaml:"rate_bps"`
	Collector string `yaml:"collector"`
}

type AuctionConfig struct {
	DurationSeconds int64 `yaml:"duration_seconds"`
}

// RateLimits bound commands per websocket session.
type RateLimits struct {
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	Burst             int     `yaml:"burst"`
}

type IndexConfig struct {
	// Backend is "sqlite", "postgres" or "none".
	Backend  string   `yaml:"backend"`
	Postgres DBConfig `yaml:"postgres"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// BackupConfig controls what happens to snapshots after they are written.
type BackupConfig struct {
	// ArchiveDaily keeps the first snapshot of each UTC day under archives/.
	ArchiveDaily bool         `yaml:"archive_daily"`
	Mirror       MirrorConfig `yaml:"mirror"`
}

// MirrorConfig points at an S3-compatible bucket. An empty endpoint
// disables mirroring.
type MirrorConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Workers         int    `yaml:"workers"`
	QueueCapacity   int    `yaml:"queue_capacity"`
}

func (m MirrorConfig) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion:  "1.0",
		RegistryID:       "main",
		Grid:             GridConfig{XMax: 1000, YMax: 1000},
		Tax:              TaxConfig{RateBps: 2000, Collector: "treasury"},
		Auction:          AuctionConfig{DurationSeconds: 24 * 60 * 60},
		Decimals:         9,
		SnapshotEveryOps: 1000,
		RateLimits:       RateLimits{CommandsPerSecond: 20, Burst: 40},
		Index: IndexConfig{
			Backend: "sqlite",
			Postgres: DBConfig{
				Host:     "localhost",
				Port:     5432,
				Name:     "radicalpixels",
				SSLMode:  "prefer",
				MaxConns: 4,
			},
		},
		Backup: BackupConfig{
			ArchiveDaily: true,
			Mirror:       MirrorConfig{Region: "auto", Workers: 2, QueueCapacity: 256},
		},
	}
}

// Load reads a YAML file over Defaults. An empty path returns the defaults.
// Secrets may come from the environment: RADICALPIXELS_PG_PASSWORD,
// RADICALPIXELS_MIRROR_ACCESS_KEY_ID and RADICALPIXELS_MIRROR_SECRET_ACCESS_KEY.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return t, err
		}
		if err := yaml.Unmarshal(raw, &t); err != nil {
			return t, fmt.Errorf("registry.yaml: %w", err)
		}
	}
	if pw := os.Getenv("RADICALPIXELS_PG_PASSWORD"); pw != "" {
		t.Index.Postgres.Password = pw
	}
	if v := os.Getenv("RADICALPIXELS_MIRROR_ACCESS_KEY_ID"); v != "" {
		t.Backup.Mirror.AccessKeyID = v
	}
	if v := os.Getenv("RADICALPIXELS_MIRROR_SECRET_ACCESS_KEY"); v != "" {
		t.Backup.Mirror.SecretAccessKey = v
	}
	t.Index.Backend = strings.ToLower(strings.TrimSpace(t.Index.Backend))
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("registry.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	if t.RegistryID == "" {
		return errors.New("registry_id is required")
	}
	if t.Grid.XMax == 0 || t.Grid.YMax == 0 {
		return fmt.Errorf("grid must be non-empty, got %dx%d", t.Grid.XMax, t.Grid.YMax)
	}
	if t.Tax.RateBps > 10_000 {
		return fmt.Errorf("tax.rate_bps must be <= 10000, got %d", t.Tax.RateBps)
	}
	if t.Tax.Collector == "" || strings.HasPrefix(t.Tax.Collector, "@") {
		return fmt.Errorf("tax.collector %q is not a valid actor", t.Tax.Collector)
	}
	if t.Auction.DurationSeconds <= 0 {
		return fmt.Errorf("auction.duration_seconds must be positive, got %d", t.Auction.DurationSeconds)
	}
	if t.Decimals < 0 || t.Decimals > 18 {
		return fmt.Errorf("decimals must be in [0,18], got %d", t.Decimals)
	}
	if t.RateLimits.CommandsPerSecond <= 0 || t.RateLimits.Burst < 1 {
		return errors.New("rate_limits.commands_per_second and rate_limits.burst must be positive")
	}
	if m := t.Backup.Mirror; m.Enabled() {
		if m.Bucket == "" || m.AccessKeyID == "" || m.SecretAccessKey == "" {
			return errors.New("backup.mirror needs bucket, access_key_id and secret_access_key")
		}
	}
	switch t.Index.Backend {
	case "sqlite", "none":
	case "postgres":
		return t.Index.Postgres.validate("index.postgres")
	default:
		return fmt.Errorf("index.backend %q is not one of sqlite, postgres, none", t.Index.Backend)
	}
	return nil
}

func (db DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 || db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) must be within [0, max_conns (%d)]", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
