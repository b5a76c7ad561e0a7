// Package config loads the pipeline configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the decoded content of the YAML configuration file.
type Config struct {
	// ReplicationURL is the base URL of the replication packet feed.
	ReplicationURL string `yaml:"replication_url"`

	// WebRoot is the base URL of the site whose pages are fetched and
	// whose sitemap locations are generated.
	WebRoot string `yaml:"web_root"`

	// SourceDatabase is the DSN of the read-only source database the
	// resolver queries.
	SourceDatabase string `yaml:"source_database"`

	// StateDatabase is the path of the local SQLite state store.
	StateDatabase string `yaml:"state_database"`

	// SchemaMetadata is the path of the CUE file declaring the
	// foreign-key graph. Relative paths resolve against the config file
	// location.
	SchemaMetadata string `yaml:"schema_metadata"`

	// OutputDir is the directory sitemap files are written to.
	OutputDir string `yaml:"output_dir"`

	// Workers bounds concurrency in candidate resolution and page
	// fetching. Defaults to 4.
	Workers int `yaml:"workers,omitempty"`

	// EarlyExit skips the remaining page variants of an entity batch once
	// one variant comes back unchanged. Defaults to on; set it to false
	// when sibling pages can change independently of the batch's first
	// variant. A pointer so an explicit false survives decoding.
	EarlyExit *bool `yaml:"early_exit,omitempty"`

	// PingURLs lists search engine endpoints notified after an index
	// rebuild. Pings are best effort.
	PingURLs []string `yaml:"ping_urls,omitempty"`
}

const defaultWorkers = 4

// Load reads and parses the configuration file. Returns an error if the
// file doesn't exist, is malformed, contains unknown fields (typos), or is
// missing required fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.StateDatabase, &cfg.SchemaMetadata, &cfg.OutputDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}

	if cfg.Workers == 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.EarlyExit == nil {
		on := true
		cfg.EarlyExit = &on
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.ReplicationURL == "" {
		return fmt.Errorf("replication_url is required")
	}
	if c.WebRoot == "" {
		return fmt.Errorf("web_root is required")
	}
	if c.SourceDatabase == "" {
		return fmt.Errorf("source_database is required")
	}
	if c.StateDatabase == "" {
		return fmt.Errorf("state_database is required")
	}
	if c.SchemaMetadata == "" {
		return fmt.Errorf("schema_metadata is required")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}
