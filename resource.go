package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// AppsResourceURI identifies the configuration listing resource
const AppsResourceURI = "apps://configuration"

// AppsResource publishes the configured endpoints, secrets masked
type AppsResource struct {
	service *Service
}

func NewAppsResource(service *Service) *AppsResource {
	return &AppsResource{service: service}
}

func (r *AppsResource) ServerResource() server.ServerResource {
	return server.ServerResource{
		Resource: mcp.NewResource(
			AppsResourceURI,
			"Repository servers",
			mcp.WithResourceDescription("Remote repository servers searched by this proxy"),
			mcp.WithMIMEType("application/json"),
		),
		Handler: r.Handler,
	}
}

func (r *AppsResource) Handler(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(r.service.Apps(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal configuration: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      AppsResourceURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
