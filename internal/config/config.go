// Package config loads the core's runtime configuration (§6 "Configuration")
// from a compiled-in YAML default merged with a config file and environment
// variables, in that increasing order of precedence — the same viper-driven
// layering eve.evalgo.org's CLI front end uses for its own service
// configuration. Command-line flags do not override these keys.
package config

import (
	"bytes"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// defaultYAML is the compiled-in baseline, overridden by any config file or
// environment variable the caller supplies on top.
const defaultYAML = `
shard:
  interval: 1h
write:
  scheduler:
    interval: 1s
query:
  default_limit: 1000
replication:
  factor: 1
passivate:
  after: 24h
`

// Config holds the resolved values of every key §6 names.
type Config struct {
	// ShardInterval is the width of a Location's time partition.
	ShardInterval time.Duration `mapstructure:"shard.interval"`
	// FlushInterval is how often the Write Accumulator drains.
	FlushInterval time.Duration `mapstructure:"write.scheduler.interval"`
	// DefaultLimit bounds a non-aggregated SELECT with no explicit LIMIT.
	DefaultLimit int `mapstructure:"query.default_limit"`
	// ReplicationFactor is threaded through to the Shard Router's Location
	// metadata only; the core never acts on it (§1 non-goals).
	ReplicationFactor int `mapstructure:"replication.factor"`
	// PassivateAfter is the idle duration after which a Location's Index
	// may be closed. It is loaded but not read by the engine; nothing
	// closes an open Index except dropping its metric.
	PassivateAfter time.Duration `mapstructure:"passivate.after"`
}

// Load builds a Config from the compiled-in default, an optional file at
// path (ignored if empty or missing), and environment variables prefixed
// NSDB_ (e.g. NSDB_QUERY_DEFAULT_LIMIT). It has no flag layer.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewBufferString(defaultYAML)); err != nil {
		return nil, err
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			if err := v.MergeInConfig(); err != nil {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix("nsdb")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	var err error
	if cfg.ShardInterval, err = parseDuration(v, "shard.interval"); err != nil {
		return nil, err
	}
	if cfg.FlushInterval, err = parseDuration(v, "write.scheduler.interval"); err != nil {
		return nil, err
	}
	if cfg.PassivateAfter, err = parseDuration(v, "passivate.after"); err != nil {
		return nil, err
	}
	cfg.DefaultLimit = v.GetInt("query.default_limit")
	cfg.ReplicationFactor = v.GetInt("replication.factor")
	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	return time.ParseDuration(raw)
}

// DefaultYAML returns the compiled-in default document re-encoded through
// yaml.v3, or the raw text if decoding or re-encoding fails.
func DefaultYAML() string {
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(defaultYAML), &doc); err != nil {
		return defaultYAML
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return defaultYAML
	}
	return string(out)
}
