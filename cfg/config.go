package cfg

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// CipherVersion selects the cipher compatibility profile applied by the
// default cipher configuration. Default tracks the framework's current
// recommended settings; V1..V4 select legacy SQLCipher-compatible defaults.
type CipherVersion int

const (
	CipherDefault CipherVersion = iota
	CipherV1
	CipherV2
	CipherV3
	CipherV4
)

// DefaultCipherPageSize is used when no explicit page size is configured.
const DefaultCipherPageSize = 4096

// CipherConfiguration carries process-wide cipher defaults.
type CipherConfiguration struct {
	Version  CipherVersion `toml:"version"`
	PageSize int           `toml:"page_size"`
}

// MigrationConfiguration controls the background migration stepper.
type MigrationConfiguration struct {
	StepBudgetMS   int `toml:"step_budget_ms"`   // wall-time budget per step
	AutoIntervalMS int `toml:"auto_interval_ms"` // tick interval for auto migration
	BatchFloor     int `toml:"batch_floor"`      // minimum rows per batch
	BatchCeiling   int `toml:"batch_ceiling"`    // maximum rows per batch
}

// RepairConfiguration controls corruption handling and backup material.
type RepairConfiguration struct {
	BackupIntervalSeconds int `toml:"backup_interval_seconds"` // min seconds between material rewrites
	RetrieveBatchRows     int `toml:"retrieve_batch_rows"`     // rows per insert batch during retrieve
}

// HandleConfiguration controls engine handle behavior.
type HandleConfiguration struct {
	BusyTimeoutMS      int `toml:"busy_timeout_ms"`
	RetryBackoffCapMS  int `toml:"retry_backoff_cap_ms"`
	StatementCacheSize int `toml:"statement_cache_size"`
}

// LoggingConfiguration controls logging behavior.
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics.
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the process-wide framework configuration.
type Configuration struct {
	TempDir    string                  `toml:"temp_dir"`
	Cipher     CipherConfiguration     `toml:"cipher"`
	Migration  MigrationConfiguration  `toml:"migration"`
	Repair     RepairConfiguration     `toml:"repair"`
	Handle     HandleConfiguration     `toml:"handle"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Config is the live configuration. Callers mutate it before opening the
// first database; later changes only affect handles opened afterwards.
var Config = Default()

// Default returns the built-in configuration.
func Default() *Configuration {
	return &Configuration{
		Cipher: CipherConfiguration{
			Version:  CipherDefault,
			PageSize: DefaultCipherPageSize,
		},
		Migration: MigrationConfiguration{
			StepBudgetMS:   10,
			AutoIntervalMS: 2000,
			BatchFloor:     1,
			BatchCeiling:   100,
		},
		Repair: RepairConfiguration{
			BackupIntervalSeconds: 10,
			RetrieveBatchRows:     64,
		},
		Handle: HandleConfiguration{
			BusyTimeoutMS:      3000,
			RetryBackoffCapMS:  300,
			StatementCacheSize: 64,
		},
		Logging: LoggingConfiguration{Format: "console"},
	}
}

// Load reads configuration from a TOML file, overlaying the defaults.
// A missing file is not an error; the defaults stay in effect.
func Load(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Debug().Str("path", path).Msg("Config file not found, using defaults")
		return nil
	}

	conf := Default()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	if err := validate(conf); err != nil {
		return err
	}

	Config = conf
	log.Info().Str("path", path).Msg("Configuration loaded")
	return nil
}

func validate(c *Configuration) error {
	if c.Cipher.PageSize != 0 && (c.Cipher.PageSize < 512 || c.Cipher.PageSize > 65536) {
		return fmt.Errorf("invalid cipher page size: %d", c.Cipher.PageSize)
	}
	if c.Cipher.Version < CipherDefault || c.Cipher.Version > CipherV4 {
		return fmt.Errorf("invalid cipher version: %d", c.Cipher.Version)
	}
	if c.Migration.BatchFloor < 1 {
		return fmt.Errorf("migration batch floor must be >= 1, got %d", c.Migration.BatchFloor)
	}
	if c.Migration.BatchCeiling < c.Migration.BatchFloor {
		return fmt.Errorf("migration batch ceiling %d below floor %d",
			c.Migration.BatchCeiling, c.Migration.BatchFloor)
	}
	if c.Repair.BackupIntervalSeconds < 1 {
		return fmt.Errorf("backup interval must be >= 1s, got %d", c.Repair.BackupIntervalSeconds)
	}
	if c.Handle.StatementCacheSize < 1 {
		return fmt.Errorf("statement cache size must be >= 1, got %d", c.Handle.StatementCacheSize)
	}
	return nil
}

// TempDir returns the configured temporary directory, falling back to the
// system default.
func TempDir() string {
	if Config.TempDir != "" {
		return Config.TempDir
	}
	return os.TempDir()
}

// SetTempDir overrides the temporary directory used by the engine for
// spill files. Applied to handles opened after the call.
func SetTempDir(dir string) {
	Config.TempDir = dir
}
