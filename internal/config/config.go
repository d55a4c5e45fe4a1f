// Package config loads the service configuration.
//
// Values are resolved in increasing precedence: defaults, the optional YAML
// file, environment variables, then command-line flags applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agleyzer/hlsstitch/internal/cluster"
)

// Environment variables read by Load.
const (
	EnvBaseURL   = "BASE_URL"
	EnvStitchURL = "HLSSTITCH_STITCH_URL"
	EnvPort      = "HLSSTITCH_PORT"
)

// Defaults.
const (
	DefaultPort         = 8080
	DefaultBaseURL      = "http://localhost:8080"
	DefaultStitchURL    = "http://d2nob5kdy2t5a5.cloudfront.net/6ijfky34/vid/master.m3u8"
	DefaultFetchTimeout = 10 * time.Second
)

// Config is the service configuration.
type Config struct {
	// Port is the HTTP listen port.
	Port int `yaml:"port"`
	// BaseURL is the externally visible URL of this service, used in proxy URLs.
	BaseURL string `yaml:"base_url"`
	// StitchURL is the master playlist stitched into content.
	StitchURL string `yaml:"stitch_url"`
	// FetchTimeout bounds each upstream playlist request.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// RateLimit is the number of requests per minute allowed per client IP; 0 disables limiting.
	RateLimit int `yaml:"rate_limit"`
	// Cluster configures session replication. Left empty, the session is local.
	Cluster cluster.Config `yaml:"cluster"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:         DefaultPort,
		BaseURL:      DefaultBaseURL,
		StitchURL:    DefaultStitchURL,
		FetchTimeout: DefaultFetchTimeout,
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty) and the environment as seen through lookup.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format %q (only YAML supported)", ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvBaseURL); ok && v != "" {
		c.BaseURL = v
	}
	if v, ok := lookup(EnvStitchURL); ok && v != "" {
		c.StitchURL = v
	}
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.Port = port
	}
	return nil
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	if err := validateURL("base URL", c.BaseURL); err != nil {
		return err
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")

	if err := validateURL("stitch URL", c.StitchURL); err != nil {
		return err
	}

	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative")
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if c.Cluster.Enabled() {
		if err := c.Cluster.Validate(); err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
	}
	return nil
}

func validateURL(name, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https: %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host: %q", name, raw)
	}
	return nil
}
