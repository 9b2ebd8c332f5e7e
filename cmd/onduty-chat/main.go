// ABOUTME: Terminal chat client for a public OnDuty agent
// ABOUTME: Verifies the end user by email code, then relays chat turns to the backend

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/chat"
	"github.com/danielforeroj/alwaysonduty/internal/config"
	"github.com/danielforeroj/alwaysonduty/internal/console"
	"github.com/danielforeroj/alwaysonduty/internal/localstore"
	"github.com/danielforeroj/alwaysonduty/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

func main() {
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	configPath := flag.String("config", config.ChatConfigPath(), "Path to the client config file")
	serverURL := flag.String("url", "", "OnDuty API base URL (overrides backend.url)")
	agentSlug := flag.String("agent", "", "Public agent slug (overrides agent.slug)")
	tenantSlug := flag.String("tenant", "", "Tenant slug, used when no agent is given")
	dbPath := flag.String("db", "", "Local state database (overrides storage.path)")
	timeout := flag.Duration("timeout", 0, "Per-turn reply timeout (overrides backend.timeout)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("onduty-chat", version)
		return
	}

	cfg, err := config.LoadChat(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: loading config: %v\n", err)
		os.Exit(1)
	}

	if *serverURL != "" {
		cfg.Backend.URL = *serverURL
	}
	if *agentSlug != "" {
		cfg.Agent.Slug = *agentSlug
	}
	if *tenantSlug != "" {
		cfg.Agent.Tenant = *tenantSlug
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if *timeout > 0 {
		cfg.Backend.Timeout = *timeout
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ChatConfig) error {
	// Logs go to stderr so they never interleave with the transcript.
	logger := logging.New(cfg.Logging, os.Stderr)

	local, err := localstore.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("opening local state: %w", err)
	}
	defer local.Close()

	client, err := api.New(cfg.Backend.URL,
		api.WithLogger(logger),
		api.WithUserAgent("onduty-chat/"+version),
	)
	if err != nil {
		return err
	}

	sess, err := chat.New(ctx, chat.Options{
		AgentSlug:  cfg.Agent.Slug,
		TenantSlug: cfg.Agent.Tenant,
		Store:      local,
		Sender:     client,
		Timeout:    cfg.Backend.Timeout,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("starting chat session: %w", err)
	}

	title := cfg.Agent.Title
	if title == "" {
		title = cfg.Agent.Slug
	}
	if title == "" {
		title = cfg.Agent.Tenant
	}

	return console.New(console.Options{
		Session:  sess,
		Verifier: client,
		Title:    title,
		In:       os.Stdin,
		Out:      os.Stdout,
		Logger:   logger,
	}).Run(ctx)
}
