package proxy

import (
	"regexp"
	"strings"
)

const (
	// DefaultGatewayKey is the first path segment of gateway URLs
	DefaultGatewayKey = "multiNxApps"

	// DefaultPlaceholderPrefix is the fake host the local rendering layer puts in front of URLs
	DefaultPlaceholderPrefix = "http://fake-url.nuxeo.com/"

	// DefaultContextPath replaces the placeholder prefix for local URLs
	DefaultContextPath = "/nuxeo"
)

// blobFields must all be present for an object to be treated as a blob descriptor
var blobFields = []string{"mime-type", "digestAlgorithm", "digest", "length", "data", "blobUrl"}

var (
	originPrefix = regexp.MustCompile(`(?i)^https?://[^/]+/[^/]+(.*)$`)
	bareOrigin   = regexp.MustCompile(`(?i)^https?://[^/]+/?$`)
)

// BlobIndirector rewrites blob URLs found in documents into gateway URLs, and
// resolves gateway URLs back to endpoint-relative paths.
type BlobIndirector struct {
	key               string
	placeholderPrefix string
	contextPath       string
}

// NewBlobIndirector creates an indirector. Empty arguments take the defaults.
func NewBlobIndirector(key, placeholderPrefix, contextPath string) *BlobIndirector {
	if key == "" {
		key = DefaultGatewayKey
	}
	if placeholderPrefix == "" {
		placeholderPrefix = DefaultPlaceholderPrefix
	}
	if contextPath == "" {
		contextPath = DefaultContextPath
	}
	return &BlobIndirector{
		key:               strings.Trim(key, "/"),
		placeholderPrefix: placeholderPrefix,
		contextPath:       "/" + strings.Trim(contextPath, "/"),
	}
}

// Key returns the gateway key
func (b *BlobIndirector) Key() string {
	return b.key
}

// StripOriginPrefix removes scheme, host and first path segment from an absolute
// URL. A bare origin becomes "/". Anything else is returned unchanged.
func StripOriginPrefix(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	if m := originPrefix.FindStringSubmatch(rawURL); m != nil {
		return m[1]
	}
	if bareOrigin.MatchString(rawURL) {
		return "/"
	}
	return rawURL
}

// BuildGatewayURL maps a remote absolute URL to /<key>/<endpoint>/<rest>
func (b *BlobIndirector) BuildGatewayURL(rawURL, endpointName string) string {
	rest := StripOriginPrefix(rawURL)
	if rest != "" && rest[0] != '/' && rest[0] != '?' {
		rest = "/" + rest
	}
	return "/" + b.key + "/" + endpointName + rest
}

// UnwrapPlaceholder turns a local placeholder-host URL into a context-path URL.
// URLs without the placeholder, already-local ones included, are left alone.
func (b *BlobIndirector) UnwrapPlaceholder(rawURL string) string {
	if !strings.HasPrefix(rawURL, b.placeholderPrefix) {
		return rawURL
	}
	rest := strings.TrimPrefix(rawURL, b.placeholderPrefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return b.contextPath + rest
}

// ResolveInbound splits a gateway path into endpoint name and remote path.
// The remote path keeps its leading slash and query string.
func (b *BlobIndirector) ResolveInbound(gatewayPath string) (string, string, error) {
	prefix := "/" + b.key + "/"
	if !strings.HasPrefix(gatewayPath, prefix) {
		return "", "", &NotFoundError{Kind: "gateway path", Name: gatewayPath}
	}

	rest := strings.TrimPrefix(gatewayPath, prefix)
	name, remotePath := rest, ""
	if idx := strings.IndexAny(rest, "/?"); idx >= 0 {
		name, remotePath = rest[:idx], rest[idx:]
	}
	if name == "" {
		return "", "", &NotFoundError{Kind: "application", Name: name}
	}
	return name, remotePath, nil
}

// RewriteForOutbound rewrites in place every blob URL of doc, and its thumbnail URL.
// Remote documents get gateway URLs; local ones only lose the placeholder host.
func (b *BlobIndirector) RewriteForOutbound(doc Document, endpointName string, isLocal bool) {
	if doc == nil {
		return
	}

	rewrite := func(u string) string {
		if isLocal {
			return b.UnwrapPlaceholder(u)
		}
		return b.BuildGatewayURL(u, endpointName)
	}

	if properties, ok := doc["properties"]; ok {
		b.rewriteBlobs(properties, rewrite)
	}

	if ctxParams, ok := doc["contextParameters"].(map[string]any); ok {
		if thumbnail, ok := ctxParams["thumbnail"].(map[string]any); ok {
			if u, ok := thumbnail["url"].(string); ok && u != "" {
				thumbnail["url"] = rewrite(u)
			}
		}
	}
}

// rewriteBlobs walks the property tree depth-first with an explicit stack
func (b *BlobIndirector) rewriteBlobs(root any, rewrite func(string) string) {
	stack := []any{root}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch n := node.(type) {
		case map[string]any:
			if looksLikeBlob(n) {
				if u, ok := n["blobUrl"].(string); ok && u != "" {
					u = rewrite(u)
					n["data"] = u
					n["blobUrl"] = u
				}
			}
			for _, child := range n {
				switch child.(type) {
				case map[string]any, []any:
					stack = append(stack, child)
				}
			}
		case []any:
			for _, child := range n {
				switch child.(type) {
				case map[string]any, []any:
					stack = append(stack, child)
				}
			}
		}
	}
}

func looksLikeBlob(obj map[string]any) bool {
	for _, field := range blobFields {
		if _, ok := obj[field]; !ok {
			return false
		}
	}
	return true
}
