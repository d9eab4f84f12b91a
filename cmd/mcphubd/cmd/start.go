package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mcphub/mcphub/internal/config"
	"github.com/mcphub/mcphub/internal/hub"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the hub",
	Long: `Start the MCP multiplexing hub.

The hub reads its configured upstream servers, connects the ones marked
"always", then begins serving downstream clients over the configured
transports (stdio and/or streamable HTTP).

Examples:
  # Start with config file settings
  mcphubd start

  # Start with a specific config file
  mcphubd --config /path/to/mcphub.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if devMode {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logLevel := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	logger.Debug("log level configured", "level", cfg.LogLevel, "effective", logLevel.String())

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	logger.Info("mcphubd starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"servers", len(cfg.Servers),
		"stdio", cfg.Listen.Stdio,
		"http_addr", cfg.Listen.HTTPAddr,
	)

	if !cfg.Listen.Stdio {
		printBanner(Version, cfg.Listen.HTTPAddr, cfg.DevMode, len(cfg.Servers))
	}

	h := hub.New(*cfg, logger)
	if err := h.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("hub run: %w", err)
	}

	logger.Info("mcphubd stopped")
	return nil
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints a formatted startup banner to stderr. Only called in
// HTTP mode, since stdio mode reserves stdout for the MCP stream and a
// banner on stderr would still be noise for a piped subprocess.
func printBanner(version, httpAddr string, devMode bool, serverCount int) {
	const (
		reset = "\033[0m"
		bold  = "\033[1m"
		cyan  = "\033[36m"
		green = "\033[32m"
		yellow = "\033[33m"
		dim   = "\033[2m"
	)

	hubURL := fmt.Sprintf("http://localhost%s/mcp", httpAddr)
	if !strings.HasPrefix(httpAddr, ":") {
		hubURL = fmt.Sprintf("http://%s/mcp", httpAddr)
	}

	modeStr := green + "production" + reset
	if devMode {
		modeStr = yellow + "development" + reset
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  %s%s mcphubd %s%s\n", bold, cyan, version, reset)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Endpoint:", hubURL)
	fmt.Fprintf(os.Stderr, "  %-12s %s\n", "Mode:", modeStr)
	fmt.Fprintf(os.Stderr, "  %-12s %d configured\n", "Servers:", serverCount)
	fmt.Fprintf(os.Stderr, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(os.Stderr, "\n")
}

// pidFilePath returns the standard location for the hub's PID file.
func pidFilePath() string {
	if pidFileOverride != "" {
		return pidFileOverride
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".mcphub", "hub.pid")
	}
	return filepath.Join(os.TempDir(), "mcphubd.pid")
}

// writePIDFile writes the current process PID to path, creating parent
// directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}
