// The hlsstitch command serves HLS playlists with a second stream spliced in,
// and can replay a VOD playlist as a simulated live stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/hlsstitch/internal/cluster"
	"github.com/agleyzer/hlsstitch/internal/config"
	"github.com/agleyzer/hlsstitch/internal/fetch"
	"github.com/agleyzer/hlsstitch/internal/server"
	"github.com/agleyzer/hlsstitch/internal/service"
	"github.com/agleyzer/hlsstitch/internal/session"
)

const (
	version = "1.0.0"
)

// options are the command-line settings that are not part of config.Config.
type options struct {
	verbose     bool
	showVersion bool
}

func main() {
	cfg, opts, err := parseArgs(os.Args[1:], os.LookupEnv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if opts.showVersion {
		fmt.Printf("hlsstitch v%s\n", version)
		os.Exit(0)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("hlsstitch starting", "version", version)

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("hlsstitch stopped")
}

// parseArgs resolves the configuration from the config file, the
// environment and args, in increasing precedence.
func parseArgs(args []string, lookup func(string) (string, bool), output io.Writer) (config.Config, options, error) {
	fs := flag.NewFlagSet("hlsstitch", flag.ContinueOnError)
	fs.SetOutput(output)

	var (
		opts         options
		configPath   = fs.String("config", "", "Path to a YAML config file")
		port         = fs.Int("port", config.DefaultPort, "HTTP server port")
		baseURL      = fs.String("base-url", config.DefaultBaseURL, "Public URL of this service, used in proxy URLs")
		stitchURL    = fs.String("stitch-url", config.DefaultStitchURL, "Master playlist stitched into content")
		fetchTimeout = fs.Duration("fetch-timeout", config.DefaultFetchTimeout, "Timeout for each upstream playlist request")
		rateLimit    = fs.Int("rate-limit", 0, "Requests per minute per client IP (0 disables)")
		raftID       = fs.String("raft-id", "", "Raft node ID; enables session replication")
		raftBind     = fs.String("raft-bind", "", "Raft bind address (host:port)")
		peers        = fs.String("peers", "", "Comma-separated Raft peer addresses, including this node")
		raftVerbose  = fs.Bool("raft-verbose", false, "Enable Raft debug logging")
	)
	fs.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")

	fs.Usage = func() {
		fmt.Fprintf(output, "hlsstitch - HLS stitching proxy v%s\n\n", version)
		fmt.Fprintf(output, "Usage: %s [options]\n\n", fs.Name())
		fmt.Fprintf(output, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(output, "\nEnvironment:\n")
		fmt.Fprintf(output, "  %s, %s, %s\n", config.EnvBaseURL, config.EnvStitchURL, config.EnvPort)
		fmt.Fprintf(output, "\nExamples:\n")
		fmt.Fprintf(output, "  %s --base-url http://cdn.example.com:8080\n", fs.Name())
		fmt.Fprintf(output, "  %s --raft-id node1 --raft-bind 127.0.0.1:7000 --peers 127.0.0.1:7000,127.0.0.1:7001\n", fs.Name())
	}

	if err := fs.Parse(args); err != nil {
		return config.Config{}, opts, err
	}
	if fs.NArg() > 0 {
		return config.Config{}, opts, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	cfg, err := config.Load(*configPath, lookup)
	if err != nil {
		return config.Config{}, opts, err
	}

	// Flags given explicitly override the file and the environment.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "base-url":
			cfg.BaseURL = *baseURL
		case "stitch-url":
			cfg.StitchURL = *stitchURL
		case "fetch-timeout":
			cfg.FetchTimeout = *fetchTimeout
		case "rate-limit":
			cfg.RateLimit = *rateLimit
		case "raft-id":
			cfg.Cluster.RaftID = *raftID
		case "raft-bind":
			cfg.Cluster.BindAddr = *raftBind
		case "peers":
			cfg.Cluster.Peers = splitList(*peers)
		case "raft-verbose":
			if *raftVerbose {
				cfg.Cluster.LogLevel = "debug"
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, opts, err
	}
	return cfg, opts, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var (
		store session.Store = session.NewLocal()
		role  server.Cluster
	)

	if cfg.Cluster.Enabled() {
		manager, err := cluster.NewManager(cfg.Cluster, logger)
		if err != nil {
			return fmt.Errorf("failed to create cluster manager: %w", err)
		}
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start cluster: %w", err)
		}
		defer manager.Shutdown()

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = manager.WaitForLeader(waitCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("no cluster leader elected: %w", err)
		}
		logger.Info("cluster ready", "role", manager.Role(), "leader", manager.LeaderAddr())

		store, role = manager, manager
	}

	svc := service.New(service.Config{
		BaseURL:   cfg.BaseURL,
		StitchURL: cfg.StitchURL,
	}, fetch.New(cfg.FetchTimeout, logger), store, logger)

	srv := server.New(svc, server.Config{
		Port:      cfg.Port,
		RateLimit: cfg.RateLimit,
		Cluster:   role,
	}, logger)

	logger.Info("hlsstitch ready",
		"master", fmt.Sprintf("%s/master?content=<url>", cfg.BaseURL),
		"health", fmt.Sprintf("http://localhost:%d/health", cfg.Port),
		"stitch_url", cfg.StitchURL,
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}
