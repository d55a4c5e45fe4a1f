package main

import (
	"errors"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/agleyzer/hlsstitch/internal/config"
)

func noEnv(string) (string, bool) { return "", false }

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		check   func(t *testing.T, cfg config.Config, opts options)
		wantErr bool
	}{
		{
			name: "defaults",
			check: func(t *testing.T, cfg config.Config, opts options) {
				if cfg.Port != config.DefaultPort || cfg.BaseURL != config.DefaultBaseURL {
					t.Errorf("unexpected defaults: %+v", cfg)
				}
				if cfg.Cluster.Enabled() {
					t.Error("cluster enabled by default")
				}
			},
		},
		{
			name: "env overrides defaults",
			env:  map[string]string{config.EnvBaseURL: "http://env.example.com", config.EnvPort: "9000"},
			check: func(t *testing.T, cfg config.Config, opts options) {
				if cfg.BaseURL != "http://env.example.com" || cfg.Port != 9000 {
					t.Errorf("env not applied: %+v", cfg)
				}
			},
		},
		{
			name: "flags override env",
			args: []string{"--base-url", "http://flag.example.com/", "--port", "9100", "--fetch-timeout", "2s", "--verbose"},
			env:  map[string]string{config.EnvBaseURL: "http://env.example.com", config.EnvPort: "9000"},
			check: func(t *testing.T, cfg config.Config, opts options) {
				if cfg.BaseURL != "http://flag.example.com" {
					t.Errorf("BaseURL = %q", cfg.BaseURL)
				}
				if cfg.Port != 9100 || cfg.FetchTimeout != 2*time.Second {
					t.Errorf("flags not applied: %+v", cfg)
				}
				if !opts.verbose {
					t.Error("verbose not set")
				}
			},
		},
		{
			name: "cluster flags",
			args: []string{"--raft-id", "node1", "--raft-bind", "127.0.0.1:7000", "--peers", "127.0.0.1:7000, 127.0.0.1:7001,", "--raft-verbose"},
			check: func(t *testing.T, cfg config.Config, opts options) {
				want := []string{"127.0.0.1:7000", "127.0.0.1:7001"}
				if diff := cmp.Diff(want, cfg.Cluster.Peers); diff != "" {
					t.Errorf("peers mismatch (-want +got):\n%s", diff)
				}
				if cfg.Cluster.LogLevel != "debug" {
					t.Errorf("LogLevel = %q", cfg.Cluster.LogLevel)
				}
				if cfg.Cluster.ApplyTimeout == 0 {
					t.Error("cluster defaults not filled")
				}
			},
		},
		{
			name:    "invalid port",
			args:    []string{"--port", "0"},
			wantErr: true,
		},
		{
			name:    "incomplete cluster",
			args:    []string{"--raft-id", "node1"},
			wantErr: true,
		},
		{
			name:    "positional argument",
			args:    []string{"http://example.com/master.m3u8"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"--window-size", "3"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(key string) (string, bool) {
				v, ok := tt.env[key]
				return v, ok
			}
			cfg, opts, err := parseArgs(tt.args, lookup, io.Discard)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseArgs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg, opts)
			}
		})
	}
}

func TestParseArgs_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlsstitch.yaml")
	content := "port: 9200\nstitch_url: http://ads.example.com/master.m3u8\nrate_limit: 30\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, _, err := parseArgs([]string{"--config", path, "--rate-limit", "60"}, noEnv, io.Discard)
	if err != nil {
		t.Fatalf("parseArgs() error = %v", err)
	}
	if cfg.Port != 9200 || cfg.StitchURL != "http://ads.example.com/master.m3u8" {
		t.Errorf("config file not applied: %+v", cfg)
	}
	if cfg.RateLimit != 60 {
		t.Errorf("RateLimit = %d, want flag value 60", cfg.RateLimit)
	}
}

func TestParseArgs_Help(t *testing.T) {
	_, _, err := parseArgs([]string{"--help"}, noEnv, io.Discard)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("parseArgs(--help) error = %v, want flag.ErrHelp", err)
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"a", []string{"a"}},
		{"a, b ,,c", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, splitList(tt.in)); diff != "" {
			t.Errorf("splitList(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
	}
}
