package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/search-proxy"
)

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "search-proxy",
	Short: "Federated document search across several repository servers",
	Long: `search-proxy sends one search to every configured repository server and to
the local one, and returns the results grouped per source. Blobs of remote
documents are served through a single gateway endpoint.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(logLevel)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", envOrDefault("PROXY_CONFIG", "config.yaml"), "configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
}

func setupLogger(level string) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	// Logs go to stderr so that command output can be piped
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
	slog.SetDefault(logger)
	return nil
}

// loadService builds a service from the configuration file, without a server
func loadService() (*proxy.Service, *proxy.Config, error) {
	cfg, err := proxy.ParseConfig(configFile)
	if err != nil {
		return nil, nil, err
	}

	opts := []proxy.ServiceOption{proxy.WithServiceLogger(slog.Default())}
	if cfg.Local != nil && cfg.Local.DocumentsFile != "" {
		repo, err := proxy.LoadMemoryRepository(cfg.Local.DocumentsFile)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, proxy.WithRepository(repo))
	}

	service, err := proxy.NewService(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return service, cfg, nil
}

// envOrDefault returns the value of the environment variable or a default value
func envOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
