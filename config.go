package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gocql/gocql"
	log "github.com/sirupsen/logrus"
)

// MigrationConfig holds the full TOML-driven migration configuration.
type MigrationConfig struct {
	Source               SourceConfig      `toml:"source"`
	Target               TargetConfig      `toml:"target"`
	SchemaOnly           bool              `toml:"schema_only"`
	DataOnly             bool              `toml:"data_only"`
	SnakeCaseIdentifiers bool              `toml:"snake_case_identifiers"`
	Workers              int               `toml:"workers"` // 0 = one per CPU, capped at 8
	BatchSize            int               `toml:"batch_size"`
	BatchMaxBytes        int               `toml:"batch_max_bytes"`
	BatchType            string            `toml:"batch_type"` // unlogged|logged
	BatchRetries         int               `toml:"batch_retries"`
	RetryBackoff         time.Duration     `toml:"retry_backoff"`
	OnRowError           string            `toml:"on_row_error"` // abort|skip
	KeylessKeyColumns    int               `toml:"keyless_key_columns"`
	IncludeTables        []string          `toml:"include_tables"`
	ExcludeTables        []string          `toml:"exclude_tables"`
	VerifyCounts         bool              `toml:"verify_counts"`
	MetricsAddr          string            `toml:"metrics_addr"`
	LogLevel             string            `toml:"log_level"`
	LogFormat            string            `toml:"log_format"` // text|json
	Hooks                HooksConfig       `toml:"hooks"`
	TypeMapping          TypeMappingConfig `toml:"type_mapping"`

	// configDir is the directory containing the TOML file, used to resolve relative hook paths.
	configDir string
}

// SourceConfig identifies the source database engine and connection string.
type SourceConfig struct {
	Type   string `toml:"type"` // sqlite|mysql|postgres
	DSN    string `toml:"dsn"`
	Schema string `toml:"schema"` // PostgreSQL only (default: "public")
}

// TargetConfig describes the CQL cluster and the keyspace to fill.
type TargetConfig struct {
	Hosts             []string       `toml:"hosts"`
	Port              int            `toml:"port"`
	Keyspace          string         `toml:"keyspace"`
	Username          string         `toml:"username"`
	Password          string         `toml:"password"`
	Consistency       string         `toml:"consistency"`
	Timeout           time.Duration  `toml:"timeout"`
	ReplicationClass  string         `toml:"replication_class"` // SimpleStrategy|NetworkTopologyStrategy
	ReplicationFactor int            `toml:"replication_factor"`
	Datacenters       map[string]int `toml:"datacenters"`
}

type HooksConfig struct {
	BeforeData []string `toml:"before_data"`
	AfterData  []string `toml:"after_data"`
}

// TypeMappingConfig controls how source types without a default mapping are handled.
type TypeMappingConfig struct {
	OnUnsupported string            `toml:"on_unsupported"` // abort|text
	Overrides     map[string]string `toml:"overrides"`      // source type -> CQL type
}

// loadConfig reads a TOML config file and returns a MigrationConfig with defaults applied.
func loadConfig(path string) (*MigrationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaultConfig()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if unknown := md.Undecoded(); len(unknown) > 0 {
		keys := make([]string, len(unknown))
		for i, k := range unknown {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.configDir = filepath.Dir(absPath)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() MigrationConfig {
	return MigrationConfig{
		SnakeCaseIdentifiers: true,
		Workers:              1,
		BatchSize:            100,
		BatchMaxBytes:        40 * 1024,
		BatchType:            "unlogged",
		BatchRetries:         3,
		RetryBackoff:         200 * time.Millisecond,
		OnRowError:           "abort",
		LogLevel:             "info",
		LogFormat:            "text",
		Target: TargetConfig{
			Port:              9042,
			Consistency:       "LOCAL_QUORUM",
			Timeout:           10 * time.Second,
			ReplicationClass:  "SimpleStrategy",
			ReplicationFactor: 1,
		},
		TypeMapping: TypeMappingConfig{OnUnsupported: "abort"},
	}
}

func (c *MigrationConfig) validate() error {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers()
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.BatchMaxBytes < 0 {
		return fmt.Errorf("batch_max_bytes must not be negative")
	}
	if c.BatchRetries < 0 {
		return fmt.Errorf("batch_retries must not be negative")
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry_backoff must be positive")
	}
	if c.KeylessKeyColumns < 0 {
		return fmt.Errorf("keyless_key_columns must not be negative")
	}
	switch c.BatchType {
	case "unlogged", "logged":
	default:
		return fmt.Errorf("batch_type must be one of: unlogged, logged")
	}
	switch c.OnRowError {
	case "abort", "skip":
	default:
		return fmt.Errorf("on_row_error must be one of: abort, skip")
	}
	switch c.TypeMapping.OnUnsupported {
	case "abort", "text":
	default:
		return fmt.Errorf("type_mapping.on_unsupported must be one of: abort, text")
	}
	for src, dst := range c.TypeMapping.Overrides {
		if !cqlTypes[strings.ToLower(strings.TrimSpace(dst))] {
			return fmt.Errorf("type_mapping.overrides: %q maps to unsupported CQL type %q", src, dst)
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be one of: text, json")
	}

	if c.SchemaOnly && c.DataOnly {
		return fmt.Errorf("schema_only and data_only are mutually exclusive")
	}
	if len(c.IncludeTables) > 0 && len(c.ExcludeTables) > 0 {
		return fmt.Errorf("include_tables and exclude_tables are mutually exclusive")
	}

	// Source validation
	if c.Source.Type == "" {
		return fmt.Errorf("source.type is required (must be sqlite, mysql or postgres)")
	}
	src, err := newSourceDB(c.Source)
	if err != nil {
		return err
	}
	if c.Source.DSN == "" {
		return fmt.Errorf("source.dsn is required")
	}
	if c.Source.Schema != "" && c.Source.Type != "postgres" {
		return fmt.Errorf("source.schema is a PostgreSQL-only option")
	}

	// Cap workers based on source limits
	if max := src.MaxWorkers(); max > 0 && c.Workers > max {
		c.Workers = max
	}

	// Target validation
	if len(c.Target.Hosts) == 0 {
		return fmt.Errorf("target.hosts is required")
	}
	c.Target.Keyspace = strings.TrimSpace(c.Target.Keyspace)
	if c.Target.Keyspace == "" {
		return fmt.Errorf("target.keyspace is required")
	}
	if _, err := gocql.ParseConsistencyWrapper(c.Target.Consistency); err != nil {
		return fmt.Errorf("target.consistency: %w", err)
	}
	if c.Target.Timeout < 0 {
		return fmt.Errorf("target.timeout must not be negative")
	}
	switch c.Target.ReplicationClass {
	case "SimpleStrategy":
		if c.Target.ReplicationFactor < 1 {
			return fmt.Errorf("target.replication_factor must be at least 1")
		}
	case "NetworkTopologyStrategy":
		if len(c.Target.Datacenters) == 0 {
			return fmt.Errorf("target.datacenters is required for NetworkTopologyStrategy")
		}
		for dc, rf := range c.Target.Datacenters {
			if rf < 1 {
				return fmt.Errorf("target.datacenters.%s must be at least 1", dc)
			}
		}
	default:
		return fmt.Errorf("target.replication_class must be one of: SimpleStrategy, NetworkTopologyStrategy")
	}

	return nil
}

// resolvePath resolves a path relative to the config file directory.
func (c *MigrationConfig) resolvePath(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.configDir, p)
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}
