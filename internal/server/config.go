package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftsync/driftsync/internal/core/engine"
)

// SchemaField mirrors engine.FieldDef in the config file.
type SchemaField struct {
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

// SchemaCollection declares one collection in the config file.
type SchemaCollection struct {
	Name   string        `yaml:"name"`
	Fields []SchemaField `yaml:"fields"`
}

// Config holds the server configuration, loaded from YAML.
type Config struct {
	NodeID       string `yaml:"node_id"`
	HTTPAddr     string `yaml:"http_addr"`
	QUICAddr     string `yaml:"quic_addr"`
	DatabasePath string `yaml:"database_path"`

	MergeStrategy string `yaml:"merge_strategy"`
	LogLevel      string `yaml:"log_level"`

	SchemaVersion uint32             `yaml:"schema_version"`
	Collections   []SchemaCollection `yaml:"collections"`

	PullDefaultLimit int `yaml:"pull_default_limit"`
	PullMaxLimit     int `yaml:"pull_max_limit"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		NodeID:        "server",
		HTTPAddr:      ":8080",
		DatabasePath:  "driftsync.db",
		MergeStrategy: string(engine.StrategyClockWins),
		LogLevel:      "info",
		SchemaVersion: 1,
		Collections: []SchemaCollection{
			{
				Name: "todos",
				Fields: []SchemaField{
					{Name: "title", Type: "string"},
					{Name: "completed", Type: "bool"},
					{Name: "createdAt", Type: "timestamp"},
				},
			},
		},
		PullDefaultLimit: 100,
		PullMaxLimit:     1000,
		ReadTimeout:      15 * time.Second,
		WriteTimeout:     15 * time.Second,
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return ErrInvalidConfig
	}
	if c.HTTPAddr == "" {
		return ErrInvalidConfig
	}
	if _, err := engine.ParseStrategy(c.MergeStrategy); err != nil {
		return fmt.Errorf("%w: merge_strategy %q", ErrInvalidConfig, c.MergeStrategy)
	}
	if c.PullDefaultLimit <= 0 || c.PullMaxLimit < c.PullDefaultLimit {
		return fmt.Errorf("%w: pull limits", ErrInvalidConfig)
	}
	for _, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("%w: collection with empty name", ErrInvalidConfig)
		}
		for _, f := range col.Fields {
			switch engine.FieldType(f.Type) {
			case engine.FieldString, engine.FieldInt, engine.FieldFloat,
				engine.FieldBool, engine.FieldTimestamp, engine.FieldJSON:
			default:
				return fmt.Errorf("%w: field %s.%s has unknown type %q",
					ErrInvalidConfig, col.Name, f.Name, f.Type)
			}
		}
	}
	return nil
}

// Strategy returns the configured merge strategy.
func (c Config) Strategy() engine.MergeStrategy {
	s, err := engine.ParseStrategy(c.MergeStrategy)
	if err != nil {
		return engine.StrategyClockWins
	}
	return s
}

// Schema builds the engine schema declared by the config.
func (c Config) Schema() engine.Schema {
	schema := engine.NewSchema(c.SchemaVersion)
	for _, col := range c.Collections {
		fields := make([]engine.FieldDef, 0, len(col.Fields))
		for _, f := range col.Fields {
			fields = append(fields, engine.FieldDef{
				Name:     f.Name,
				Type:     engine.FieldType(f.Type),
				Required: f.Required,
			})
		}
		schema = schema.WithCollection(engine.CollectionSchema{Name: col.Name, Fields: fields})
	}
	return schema
}
