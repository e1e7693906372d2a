// Package config loads the fitrepair YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lucasjlepore/fitrepair/fitcheck"
)

// Config is the top-level configuration file.
type Config struct {
	Repair  Repair   `yaml:"repair"`
	Checks  []string `yaml:"checks"`
	Export  Export   `yaml:"export"`
	Logging Logging  `yaml:"logging"`
}

// Repair tunes the excision search.
type Repair struct {
	MaxExcision     int64 `yaml:"max_excision"`
	MultiGap        bool  `yaml:"multi_gap"`
	ConfirmMessages int   `yaml:"confirm_messages"`
	MaxGaps         int   `yaml:"max_gaps"`
}

// Export controls the record export written next to a repaired file.
type Export struct {
	CompressRecords bool   `yaml:"compress_records"`
	IndexFormat     string `yaml:"index_format"`
}

// Logging configures the console logger and optional rotating file.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Repair: Repair{
			MaxExcision:     100000,
			ConfirmMessages: 10,
			MaxGaps:         16,
		},
		Checks: append([]string(nil), fitcheck.DefaultNames...),
		Export: Export{
			IndexFormat: "parquet",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  25,
			MaxBackups: 5,
			MaxAgeDays: 7,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values; a relative logging.file resolves against the file's directory.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if p := strings.TrimSpace(cfg.Logging.File); p != "" && !filepath.IsAbs(p) {
		cfg.Logging.File = filepath.Clean(filepath.Join(filepath.Dir(path), p))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot honor.
func (c *Config) Validate() error {
	if c.Repair.MaxExcision <= 0 {
		return fmt.Errorf("repair.max_excision must be positive, got %d", c.Repair.MaxExcision)
	}
	if c.Repair.ConfirmMessages <= 0 {
		return fmt.Errorf("repair.confirm_messages must be positive, got %d", c.Repair.ConfirmMessages)
	}
	if c.Repair.MaxGaps <= 0 {
		return fmt.Errorf("repair.max_gaps must be positive, got %d", c.Repair.MaxGaps)
	}
	if _, err := fitcheck.New(c.Checks...); err != nil {
		return fmt.Errorf("checks: %w", err)
	}
	switch c.Export.IndexFormat {
	case "parquet", "csv":
	default:
		return fmt.Errorf("export.index_format must be parquet or csv, got %q", c.Export.IndexFormat)
	}
	return nil
}
