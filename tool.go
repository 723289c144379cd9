package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// SearchTools exposes the service as MCP tools
type SearchTools struct {
	service *Service
	logger  *slog.Logger
}

// NewSearchTools creates the tool set for service
func NewSearchTools(service *Service, logger *slog.Logger) *SearchTools {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchTools{service: service, logger: logger}
}

// ServerTools returns every tool with its handler
func (t *SearchTools) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: t.searchTool(), Handler: t.handleSearch},
		{Tool: t.providerTool(), Handler: t.handleSearchByProvider},
		{Tool: t.listAppsTool(), Handler: t.handleListApps},
		{Tool: t.configureTool(), Handler: t.handleConfigure},
	}
}

func (t *SearchTools) searchTool() mcp.Tool {
	return mcp.NewTool(
		"search",
		mcp.WithDescription("Search documents across every configured repository server and the local one. "+
			"Results are grouped per source; a failing source is reported in its own entry."),
		mcp.WithString("keywords", mcp.Description("Free text to search for")),
		mcp.WithString("nxql", mcp.Description("NXQL query, used instead of keywords")),
		mcp.WithString("apps", mcp.Description("Comma separated application names, or 'all'")),
		mcp.WithString("enrichers", mcp.Description("Comma separated document enrichers, e.g. thumbnail")),
		mcp.WithString("properties", mcp.Description("Comma separated schemas to return, e.g. dublincore,file")),
		mcp.WithNumber("pageIndex", mcp.Description("Zero-based page index")),
		mcp.WithNumber("pageSize", mcp.Description("Page size per application")),
		mcp.WithBoolean("alwaysSearchLocal", mcp.Description("Also search the local server")),
		mcp.WithBoolean("fullStackOnError", mcp.Description("Return full error details")),
	)
}

func (t *SearchTools) providerTool() mcp.Tool {
	return mcp.NewTool(
		"search_by_provider",
		mcp.WithDescription("Run a named page provider on every configured repository server and the local one."),
		mcp.WithString("provider", mcp.Required(), mcp.Description("Page provider name")),
		mcp.WithString("queryParams", mcp.Description("Comma separated positional parameters")),
		mcp.WithObject("namedParameters", mcp.Description("Named parameters as an object of strings")),
		mcp.WithString("apps", mcp.Description("Comma separated application names, or 'all'")),
		mcp.WithString("enrichers", mcp.Description("Comma separated document enrichers")),
		mcp.WithString("properties", mcp.Description("Comma separated schemas to return")),
		mcp.WithNumber("pageIndex", mcp.Description("Zero-based page index")),
		mcp.WithNumber("pageSize", mcp.Description("Page size per application")),
		mcp.WithBoolean("alwaysSearchLocal", mcp.Description("Also search the local server")),
		mcp.WithBoolean("fullStackOnError", mcp.Description("Return full error details")),
	)
}

func (t *SearchTools) listAppsTool() mcp.Tool {
	return mcp.NewTool(
		"list_apps",
		mcp.WithDescription("List the configured repository servers. Secrets are masked."),
	)
}

func (t *SearchTools) configureTool() mcp.Tool {
	return mcp.NewTool(
		"configure_service",
		mcp.WithDescription("Change the service defaults. Returns the previous values."),
		mcp.WithBoolean("alwaysSearchLocal", mcp.Description("Search the local server by default")),
		mcp.WithBoolean("fullStackOnError", mcp.Description("Return full error details by default")),
	)
}

func (t *SearchTools) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := toolArgs(req.GetArguments())

	criteria := SearchCriteria{
		Query:        args.str("nxql"),
		Keywords:     args.str("keywords"),
		Enrichers:    args.optStr("enrichers"),
		Properties:   args.optStr("properties"),
		PageIndex:    args.integer("pageIndex"),
		PageSize:     args.integer("pageSize"),
		Diagnostics:  args.optBool("fullStackOnError"),
		IncludeLocal: args.optBool("alwaysSearchLocal"),
	}

	envelope, err := t.service.Search(ctx, args.str("apps"), criteria)
	return t.envelopeResult(envelope, err)
}

func (t *SearchTools) handleSearchByProvider(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := toolArgs(req.GetArguments())

	criteria := ProviderCriteria{
		Provider:     args.str("provider"),
		QueryParams:  splitList(args.str("queryParams")),
		NamedParams:  args.strMap("namedParameters"),
		Enrichers:    args.optStr("enrichers"),
		Properties:   args.optStr("properties"),
		PageIndex:    args.integer("pageIndex"),
		PageSize:     args.integer("pageSize"),
		Diagnostics:  args.optBool("fullStackOnError"),
		IncludeLocal: args.optBool("alwaysSearchLocal"),
	}

	envelope, err := t.service.SearchByProvider(ctx, args.str("apps"), criteria)
	return t.envelopeResult(envelope, err)
}

func (t *SearchTools) handleListApps(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.service.Apps())
}

func (t *SearchTools) handleConfigure(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := toolArgs(req.GetArguments())
	previous := t.service.Tune(Tuning{
		FullStackOnError:  args.optBool("fullStackOnError"),
		AlwaysSearchLocal: args.optBool("alwaysSearchLocal"),
	})
	return jsonResult(previous)
}

// envelopeResult turns caller mistakes into tool errors the model can read;
// anything else is a protocol error.
func (t *SearchTools) envelopeResult(envelope *Envelope, err error) (*mcp.CallToolResult, error) {
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		t.logger.Error("search tool failed", "error", err)
		return nil, err
	}
	return jsonResult(envelope)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	result, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool response: %w", err)
	}
	return mcp.NewToolResultText(string(result)), nil
}

// toolArgs reads loosely typed tool arguments
type toolArgs map[string]any

func (a toolArgs) str(key string) string {
	switch v := a[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (a toolArgs) optStr(key string) *string {
	if _, ok := a[key]; !ok {
		return nil
	}
	s := a.str(key)
	return &s
}

func (a toolArgs) integer(key string) int {
	switch v := a[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func (a toolArgs) optBool(key string) *bool {
	if v, ok := a[key].(bool); ok {
		return &v
	}
	return nil
}

func (a toolArgs) strMap(key string) map[string]string {
	raw, ok := a[key].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
