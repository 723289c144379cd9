package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// SearchPrompt runs a federated search and hands the matches to the model as
// a summarization request
type SearchPrompt struct {
	service *Service
	logger  *slog.Logger
}

// NewSearchPrompt creates the federated_search prompt
func NewSearchPrompt(service *Service, logger *slog.Logger) *SearchPrompt {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchPrompt{service: service, logger: logger}
}

func (p *SearchPrompt) ServerPrompt() server.ServerPrompt {
	return server.ServerPrompt{
		Prompt: mcp.NewPrompt("federated_search",
			mcp.WithPromptDescription("Search every repository server and summarize the matches per source"),
			mcp.WithArgument("keywords",
				mcp.ArgumentDescription("Free text to search for"),
				mcp.RequiredArgument(),
			),
			mcp.WithArgument("apps",
				mcp.ArgumentDescription("Comma separated application names, or 'all'"),
			),
		),
		Handler: p.Handler,
	}
}

// Handler builds the prompt from the search results
func (p *SearchPrompt) Handler(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	keywords := strings.TrimSpace(req.Params.Arguments["keywords"])
	apps := req.Params.Arguments["apps"]

	envelope, err := p.service.Search(ctx, apps, SearchCriteria{Keywords: keywords})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	p.logger.Debug("federated_search prompt", "keywords", keywords, "results", len(envelope.Results))

	return mcp.NewGetPromptResult(
		fmt.Sprintf("Search results for %q", keywords),
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(renderEnvelope(keywords, envelope))),
		},
	), nil
}

// renderEnvelope lists matches per source, one line per document
func renderEnvelope(keywords string, envelope *Envelope) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I searched for %q in several document repositories. Summarize what was found, source by source, "+
		"and mention the sources that failed.\n", keywords)

	for _, result := range envelope.Results {
		info := result.SourceInfo
		fmt.Fprintf(&sb, "\n## %s\n", info.AppName)
		if result.Failed() {
			fmt.Fprintf(&sb, "Failed (HTTP %d): %s\n", info.HTTPStatus, info.Message)
			continue
		}
		if len(result.Entries) == 0 {
			sb.WriteString("No match.\n")
			continue
		}
		for _, doc := range result.Entries {
			title, _ := doc["title"].(string)
			docType, _ := doc["type"].(string)
			link := ""
			if di, ok := doc[SourceInfoProperty].(DocumentInfo); ok {
				link = di.DocFullURL
			}
			fmt.Fprintf(&sb, "- %s (%s) %s\n", title, docType, link)
		}
	}

	return sb.String()
}
