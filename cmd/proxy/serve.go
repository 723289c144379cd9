package main

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	proxy "github.com/paulgrammer/search-proxy"
)

var (
	serveAddr    string
	serveBaseURL string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server: search API, blob gateway and MCP over SSE",
	Long: `Run the HTTP server. The configuration file is watched and the endpoint list
is reloaded when it changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", envOrDefault("SERVER_ADDR", ""), "listen address, overrides server.addr")
	serveCmd.Flags().StringVar(&serveBaseURL, "base-url", envOrDefault("SERVER_BASE_URL", ""), "public base URL, overrides server.base_url")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	// Set up context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []proxy.Option{proxy.WithLogger(logger)}
	if serveAddr != "" {
		opts = append(opts, proxy.WithAddr(serveAddr))
	}
	if serveBaseURL != "" {
		opts = append(opts, proxy.WithBaseURL(serveBaseURL))
	}

	srv, err := proxy.NewServerFromConfigFile(configFile, opts...)
	if err != nil {
		return err
	}

	if err := srv.Start(ctx); err != nil {
		stop()
		srv.Close()
		return err
	}

	logger.Info("Server started successfully", "apps", len(srv.Service().Apps()))

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("Shutting down proxy...")
	srv.Close()
	return nil
}
