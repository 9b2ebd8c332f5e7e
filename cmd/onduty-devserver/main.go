// ABOUTME: Entry point for the OnDuty reference backend
// ABOUTME: Serves end-user verification and webchat for local development

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/danielforeroj/alwaysonduty/internal/api"
	"github.com/danielforeroj/alwaysonduty/internal/config"
	"github.com/danielforeroj/alwaysonduty/internal/logging"
	"github.com/danielforeroj/alwaysonduty/internal/server"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _       _
  ___  _ __   __| |_   _| |_ _   _
 / _ \| '_ \ / _' | | | | __| | | |
| (_) | | | | (_| | |_| | |_| |_| |
 \___/|_| |_|\__,_|\__,_|\__|\__, |
                             |___/
`

// getConfigPath returns the path to the devserver config file.
// Priority: ONDUTY_CONFIG env var > XDG_CONFIG_HOME/onduty/devserver.yaml > ~/.config/onduty/devserver.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ONDUTY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "devserver.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "onduty", "devserver.yaml")
}

// getDataPath returns the path to the onduty data directory.
// Priority: XDG_DATA_HOME/onduty > ~/.local/share/onduty
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "onduty")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: onduty-devserver <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the backend")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check backend health")
		os.Exit(1)
	}

	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Mail:      %s\n", cfg.Mail.Provider)
	if cfg.Mail.Provider == config.MailProviderLog {
		yellow.Println("              codes are written to the log, not emailed")
	}
	green.Print("    ▶ ")
	fmt.Printf("Tenants:   %d\n", len(cfg.Tenants))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting onduty-devserver",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := api.New("http://" + cfg.Server.HTTPAddr)
	if err != nil {
		return err
	}
	if err := client.Health(ctx); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("onduty-devserver configuration setup")
	fmt.Println("====================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := strings.ToLower(prompt(reader, "File exists. Overwrite?", "no"))
		if overwrite != "yes" && overwrite != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", "localhost:8000")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "onduty.db"))

	fmt.Println("\n--- Tenant ---")
	tenantSlug := prompt(reader, "Tenant slug", "demo")
	tenantName := prompt(reader, "Tenant name", "Demo Workspace")
	agentSlug := prompt(reader, "Public agent slug", tenantSlug)

	fmt.Println("\n--- Mail ---")
	provider := prompt(reader, "Mail provider (log/resend)", config.MailProviderLog)

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}

	var cfg strings.Builder
	cfg.WriteString("# onduty-devserver configuration\n")
	cfg.WriteString("# Generated by onduty-devserver init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n\n", base64.StdEncoding.EncodeToString(secretBytes)))

	cfg.WriteString("mail:\n")
	cfg.WriteString(fmt.Sprintf("  provider: %q\n", provider))
	if provider == config.MailProviderResend {
		cfg.WriteString("  from: \"OnDuty <no-reply@example.com>\"\n")
		cfg.WriteString("  resend_api_key: \"${RESEND_API_KEY}\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("tenants:\n")
	cfg.WriteString(fmt.Sprintf("  - slug: %q\n", tenantSlug))
	cfg.WriteString(fmt.Sprintf("    name: %q\n", tenantName))
	cfg.WriteString("    agents:\n")
	cfg.WriteString(fmt.Sprintf("      - slug: %q\n\n", agentSlug))

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: info\n")
	cfg.WriteString("  format: text\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	color.New(color.FgGreen).Print("\n✓ ")
	fmt.Printf("Config written to %s\n", outputFile)
	fmt.Println("  Start the backend with: onduty-devserver serve")
	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
