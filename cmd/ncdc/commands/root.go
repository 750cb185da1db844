package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/eachlabs/ncdc/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	jsonOut bool

	// logFile is the open log destination, closed after the command runs.
	logFile io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "ncdc",
	Short: "ncdc - console chat client",
	Long: `ncdc is a lightweight console client for Discord-style chat services.

Commands:
  ncdc login                  Log in and store the token
  ncdc chat                   Interactive terminal client
  ncdc channels               List channels
  ncdc history <channel-id>   Print recent messages
  ncdc send <channel-id> ...  Send a message
  ncdc config                 Manage configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.ncdc/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute(ver string) error {
	version = ver
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

var version string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ncdc %s\n", version)
	},
}

func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadFile(cfgFile)
	}
	return config.Load()
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

func saveConfig(cfg *config.Config) error {
	return cfg.SaveFile(configPath())
}

// setupLogging sends logs to the configured file. The terminal belongs to
// the UI, so nothing is logged to stderr unless the file cannot be opened.
func setupLogging() error {
	level := slog.LevelInfo
	path := filepath.Join(config.LogsDir(), "ncdc.log")

	if cfg, err := loadConfig(); err == nil {
		level = parseLevel(cfg.Logging.Level)
		if cfg.Logging.File != "" {
			path = cfg.Logging.File
		}
	}
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if err := os.MkdirAll(filepath.Dir(path), 0700); err == nil {
		if f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600); err == nil {
			w = f
			logFile = f
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if jsonOut {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
