package engine

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/VishnuRaman/RBase/pkg/clock"
	"github.com/VishnuRaman/RBase/pkg/logging"
	"github.com/VishnuRaman/RBase/pkg/metrics"
)

// Config carries the tunables of the storage engine. Zero values are
// filled from DefaultConfig by OpenTable and OpenColumnFamily.
type Config struct {
	// FlushThreshold is the memstore cell count that triggers an
	// automatic flush.
	FlushThreshold int `yaml:"flush_threshold" validate:"min=1"`

	// CompactionInterval is the background compactor wake period.
	CompactionInterval time.Duration `yaml:"compaction_interval" validate:"min=1ms"`

	// MinorCompactionTrigger is the SSTable count above which the
	// background worker runs a minor compaction.
	MinorCompactionTrigger int `yaml:"minor_compaction_trigger" validate:"min=2"`

	// TombstoneGraceMillis is the minimum age a tombstone must reach
	// before compaction may discard it; a TTL tombstone is kept until its
	// age reaches the larger of its TTL and this grace. Zero means a
	// no-TTL tombstone is reclaimable as soon as cleanup is authorized.
	TombstoneGraceMillis int64 `yaml:"tombstone_grace_ms" validate:"min=0"`

	// DisableAutoCompaction turns the background worker off; compactions
	// then run only through Compact. Used by tests.
	DisableAutoCompaction bool `yaml:"disable_auto_compaction"`

	// Clock stamps mutations and drives TTL decisions. Defaults to a new
	// monotonic system clock.
	Clock clock.MonotonicClock `yaml:"-"`

	// Logger receives structured engine logs. Defaults to a JSON logger
	// on stdout.
	Logger logging.Logger `yaml:"-"`

	// Metrics receives engine instrumentation. Optional.
	Metrics *metrics.Registry `yaml:"-"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		FlushThreshold:         10_000,
		CompactionInterval:     60 * time.Second,
		MinorCompactionTrigger: 4,
		TombstoneGraceMillis:   0,
	}
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FlushThreshold == 0 {
		c.FlushThreshold = def.FlushThreshold
	}
	if c.CompactionInterval == 0 {
		c.CompactionInterval = def.CompactionInterval
	}
	if c.MinorCompactionTrigger == 0 {
		c.MinorCompactionTrigger = def.MinorCompactionTrigger
	}
	if c.Clock == nil {
		c.Clock = clock.NewSystemClock()
	}
	if c.Logger == nil {
		c.Logger = logging.NewDefaultLogger()
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c.withDefaults()); err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	return nil
}

// fileConfig is the YAML shape of a config file. Durations are written
// as Go duration strings ("5s", "1m").
type fileConfig struct {
	FlushThreshold         *int    `yaml:"flush_threshold"`
	CompactionInterval     *string `yaml:"compaction_interval"`
	MinorCompactionTrigger *int    `yaml:"minor_compaction_trigger"`
	TombstoneGraceMillis   *int64  `yaml:"tombstone_grace_ms"`
	DisableAutoCompaction  *bool   `yaml:"disable_auto_compaction"`
}

// LoadConfig reads a Config from a YAML file and validates it. Absent
// keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if fc.FlushThreshold != nil {
		cfg.FlushThreshold = *fc.FlushThreshold
	}
	if fc.CompactionInterval != nil {
		interval, err := time.ParseDuration(*fc.CompactionInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse config %s: compaction_interval: %w", path, err)
		}
		cfg.CompactionInterval = interval
	}
	if fc.MinorCompactionTrigger != nil {
		cfg.MinorCompactionTrigger = *fc.MinorCompactionTrigger
	}
	if fc.TombstoneGraceMillis != nil {
		cfg.TombstoneGraceMillis = *fc.TombstoneGraceMillis
	}
	if fc.DisableAutoCompaction != nil {
		cfg.DisableAutoCompaction = *fc.DisableAutoCompaction
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
