// Command example connects to a running search proxy over MCP SSE and runs
// one federated search through the search tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

func main() {
	var (
		mcpURL   = flag.String("mcp-url", "http://localhost:8080/sse", "MCP server URL")
		keywords = flag.String("keywords", "report", "text to search for")
		apps     = flag.String("apps", "all", "comma separated application names")
		user     = flag.String("user", "", "caller identity sent in X-Forwarded-User")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := run(*mcpURL, *keywords, *apps, *user, logger); err != nil {
		logger.Error("search failed", "error", err)
		os.Exit(1)
	}
}

func run(url, keywords, apps, user string, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var opts []transport.ClientOption
	if user != "" {
		opts = append(opts, transport.WithHeaders(map[string]string{"X-Forwarded-User": user}))
	}

	logger.Info("connecting to MCP server", "url", url)
	mcpClient, err := client.NewSSEMCPClient(url, opts...)
	if err != nil {
		return fmt.Errorf("failed to create SSE client: %w", err)
	}
	defer mcpClient.Close()

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start SSE transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "search-proxy-example", Version: "1.0.0"}

	initResult, err := mcpClient.Initialize(ctx, initReq)
	if err != nil {
		return fmt.Errorf("failed to initialize MCP protocol: %w", err)
	}
	logger.Info("connected", "server", initResult.ServerInfo.Name, "version", initResult.ServerInfo.Version)

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = "search"
	callReq.Params.Arguments = map[string]any{
		"keywords": keywords,
		"apps":     apps,
	}

	result, err := mcpClient.CallTool(ctx, callReq)
	if err != nil {
		return fmt.Errorf("failed to call tool: %w", err)
	}

	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			fmt.Println(text.Text)
		}
	}
	if result.IsError {
		return fmt.Errorf("tool returned an error")
	}
	return nil
}
