// Package config defines the database's tunable Options and their YAML
// serialization, grounded in the corpus's pkg/config.Config pattern of
// loading deployment knobs through goccy/go-yaml rather than flags or
// env vars alone.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/blentle/lsmtree/internal/table"
)

// Options controls the behavior of an open database. Not every field is
// YAML-serializable (Logger is ambient, not configuration data); the
// serializable subset lives in yamlOptions below.
type Options struct {
	CreateIfMissing bool
	ErrorIfExists   bool

	WriteBufferSize int64
	MaxOpenFiles    int

	BlockSize             int
	BlockRestartInterval  int
	CompressionType       table.CompressionType
	BloomFilterFPRate     float64

	VerifyChecksums bool
	ParanoidChecks  bool

	Logger   *slog.Logger
	LogLevel slog.Level
}

// DefaultOptions mirrors the spec's illustrative defaults.
func DefaultOptions() Options {
	return Options{
		CreateIfMissing:      true,
		WriteBufferSize:      4 << 20,
		MaxOpenFiles:         1000,
		BlockSize:            4096,
		BlockRestartInterval: 16,
		CompressionType:      table.CompressionSnappy,
		BloomFilterFPRate:    0.01,
		VerifyChecksums:      true,
		LogLevel:             slog.LevelInfo,
	}
}

// EffectiveLogger returns o.Logger if set, otherwise a text handler on
// stderr at o.LogLevel — the default the rest of the engine assumes it
// can always call.
func (o Options) EffectiveLogger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: o.LogLevel}))
}

// WriteOptions controls one write call.
type WriteOptions struct {
	Sync bool
}

// ReadOptions controls one read call.
type ReadOptions struct {
	VerifyChecksums bool
	FillCache       bool
}

// yamlOptions is the serializable projection of Options used for
// LoadOptionsYAML/SaveYAML: thresholds and tuning knobs a deployment
// wants to pin in a config file, excluding runtime-only fields like
// Logger.
type yamlOptions struct {
	CreateIfMissing      bool    `yaml:"create_if_missing"`
	ErrorIfExists        bool    `yaml:"error_if_exists"`
	WriteBufferSize      int64   `yaml:"write_buffer_size"`
	MaxOpenFiles         int     `yaml:"max_open_files"`
	BlockSize            int     `yaml:"block_size"`
	BlockRestartInterval int     `yaml:"block_restart_interval"`
	CompressionType      string  `yaml:"compression_type"`
	BloomFilterFPRate    float64 `yaml:"bloom_filter_fp_rate"`
	VerifyChecksums      bool    `yaml:"verify_checksums"`
	ParanoidChecks       bool    `yaml:"paranoid_checks"`
	LogLevel             string  `yaml:"log_level"`
}

func compressionToString(ct table.CompressionType) string {
	switch ct {
	case table.CompressionSnappy:
		return "snappy"
	case table.CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

func compressionFromString(s string) (table.CompressionType, error) {
	switch s {
	case "", "none":
		return table.CompressionNone, nil
	case "snappy":
		return table.CompressionSnappy, nil
	case "zstd":
		return table.CompressionZstd, nil
	default:
		return 0, fmt.Errorf("config: unknown compression_type %q", s)
	}
}

func logLevelToString(l slog.Level) string {
	return l.String()
}

func logLevelFromString(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("config: bad log_level %q: %w", s, err)
	}
	return l, nil
}

func (o Options) toYAML() yamlOptions {
	return yamlOptions{
		CreateIfMissing:      o.CreateIfMissing,
		ErrorIfExists:        o.ErrorIfExists,
		WriteBufferSize:      o.WriteBufferSize,
		MaxOpenFiles:         o.MaxOpenFiles,
		BlockSize:            o.BlockSize,
		BlockRestartInterval: o.BlockRestartInterval,
		CompressionType:      compressionToString(o.CompressionType),
		BloomFilterFPRate:    o.BloomFilterFPRate,
		VerifyChecksums:      o.VerifyChecksums,
		ParanoidChecks:       o.ParanoidChecks,
		LogLevel:             logLevelToString(o.LogLevel),
	}
}

func (y yamlOptions) toOptions() (Options, error) {
	ct, err := compressionFromString(y.CompressionType)
	if err != nil {
		return Options{}, err
	}
	level, err := logLevelFromString(y.LogLevel)
	if err != nil {
		return Options{}, err
	}
	return Options{
		CreateIfMissing:      y.CreateIfMissing,
		ErrorIfExists:        y.ErrorIfExists,
		WriteBufferSize:      y.WriteBufferSize,
		MaxOpenFiles:         y.MaxOpenFiles,
		BlockSize:            y.BlockSize,
		BlockRestartInterval: y.BlockRestartInterval,
		CompressionType:      ct,
		BloomFilterFPRate:    y.BloomFilterFPRate,
		VerifyChecksums:      y.VerifyChecksums,
		ParanoidChecks:       y.ParanoidChecks,
		LogLevel:             level,
	}, nil
}

// LoadOptionsYAML reads and parses a YAML options file.
func LoadOptionsYAML(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	var y yamlOptions
	if err := yaml.Unmarshal(data, &y); err != nil {
		return Options{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return y.toOptions()
}

// SaveYAML writes the serializable subset of o to path.
func (o Options) SaveYAML(path string) error {
	data, err := yaml.Marshal(o.toYAML())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
