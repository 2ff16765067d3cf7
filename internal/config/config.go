package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"courier/internal/retry"
)

type Config struct {
	Brokers  []string `koanf:"brokers"`
	Version  string   `koanf:"version"`
	ClientID string   `koanf:"client_id"`

	// RequiredAcks is the producer durability requirement: all|leader|none.
	RequiredAcks string `koanf:"required_acks"`

	// PollDeadline is the longest a consumer may go between polls before
	// the group coordinator reassigns its partitions.
	PollDeadline time.Duration `koanf:"poll_deadline"`

	// Defaults for newly provisioned topics.
	Partitions        int32 `koanf:"partitions"`
	ReplicationFactor int16 `koanf:"replication_factor"`

	MetricsPort int    `koanf:"metrics_port"`
	TopicsFile  string `koanf:"topics_file"`

	Retry retry.Config `koanf:"retry"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Load merges YAML (if present) with env-vars
// (prefix `COURIER__`, delimiter `__`).
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil &&
			!errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	// schema version check (only when YAML is present)
	sv := k.String("schema_version")
	if sv != "" && sv != "v1" {
		return Config{}, fmt.Errorf("config schema_version %q not supported (want v1)", sv)
	}

	_ = k.Load(env.Provider("COURIER__", "__", nil), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("config: brokers required")
	}
	switch c.RequiredAcks {
	case "all", "leader", "none":
	default:
		return fmt.Errorf("config: invalid required_acks %q", c.RequiredAcks)
	}
	return nil
}

// ---------------------------------------------------------------------------
// defaults
// ---------------------------------------------------------------------------

func ApplyDefaults(c *Config) {
	if c.Version == "" {
		c.Version = "3.6.0"
	}
	if c.ClientID == "" {
		c.ClientID = "courier-" + uuid.NewString()[:8]
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.PollDeadline == 0 {
		c.PollDeadline = 10 * time.Second
	}
	if c.Partitions == 0 {
		c.Partitions = 1
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 1
	}
}
