package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	searchPath   = "/api/v1/search/execute"
	providerPath = "/api/v1/search/pp/%s/execute"
	docLinkPath  = "/ui/#!/doc/"

	// DefaultMIMEType is used when the remote sends no Content-Type and sniffing fails
	DefaultMIMEType = "application/octet-stream"

	sniffLen = 512
)

// maxResultBody caps the size of a search answer read into memory
var maxResultBody int64 = 64 << 20

// Endpoint is one searchable source. Search never fails: every problem is
// reported inside the returned Result.
type Endpoint interface {
	Name() string
	Search(ctx context.Context, call Call) *Result
	SearchByProvider(ctx context.Context, call Call) *Result
}

// RedirectDescriptor is a storage redirect handed back to the caller instead of being followed
type RedirectDescriptor struct {
	Status   int
	Location string
}

// BlobResult is a downloaded blob, or a redirect to it. The caller closes Body.
type BlobResult struct {
	Body     io.ReadCloser
	MIMEType string
	Filename string
	Length   int64
	Redirect *RedirectDescriptor
}

// Close releases the body, if any
func (b *BlobResult) Close() error {
	if b == nil || b.Body == nil {
		return nil
	}
	return b.Body.Close()
}

// RemoteEndpointOption configures a RemoteEndpoint
type RemoteEndpointOption func(*RemoteEndpoint)

// WithEndpointLogger sets the logger of the endpoint
func WithEndpointLogger(logger *slog.Logger) RemoteEndpointOption {
	return func(e *RemoteEndpoint) {
		e.logger = logger
	}
}

// WithEndpointClient sets the HTTP client and circuit breaker of the endpoint
func WithEndpointClient(client *HTTPClient, breaker *CircuitBreaker) RemoteEndpointOption {
	return func(e *RemoteEndpoint) {
		e.client = client
		e.breaker = breaker
	}
}

// WithAuthProvider replaces the provider derived from the endpoint configuration
func WithAuthProvider(auth AuthProvider) RemoteEndpointOption {
	return func(e *RemoteEndpoint) {
		e.auth = auth
	}
}

// WithIndirector sets the blob URL rewriter
func WithIndirector(indirector *BlobIndirector) RemoteEndpointOption {
	return func(e *RemoteEndpoint) {
		e.indirector = indirector
	}
}

// WithAbsoluteBlobURLs leaves blob URLs of results pointing at the remote.
// Used for endpoints the gateway cannot resolve.
func WithAbsoluteBlobURLs() RemoteEndpointOption {
	return func(e *RemoteEndpoint) {
		e.absoluteBlobs = true
	}
}

// RemoteEndpoint searches one remote repository server over HTTP
type RemoteEndpoint struct {
	config        EndpointConfig
	baseURL       string
	auth          AuthProvider
	client        *HTTPClient
	breaker       *CircuitBreaker
	indirector    *BlobIndirector
	absoluteBlobs bool
	logger        *slog.Logger
}

// NewRemoteEndpoint creates an endpoint from a copy of cfg
func NewRemoteEndpoint(cfg EndpointConfig, opts ...RemoteEndpointOption) *RemoteEndpoint {
	e := &RemoteEndpoint{
		config:  cfg,
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.client == nil {
		e.client = NewHTTPClient(clientConfigFor(cfg))
	}
	if e.indirector == nil {
		e.indirector = NewBlobIndirector("", "", "")
	}
	if e.auth == nil {
		e.auth = NewAuthProvider(cfg, WithTokenLogger(e.logger))
	}

	return e
}

func (e *RemoteEndpoint) Name() string {
	return e.config.Name
}

// Config returns the descriptor the endpoint was built from
func (e *RemoteEndpoint) Config() EndpointConfig {
	return e.config
}

// Search runs a query against the remote search API
func (e *RemoteEndpoint) Search(ctx context.Context, call Call) *Result {
	params := url.Values{}
	params.Set("query", call.Query)
	params.Set("currentPageIndex", strconv.Itoa(call.PageIndex))
	params.Set("pageSize", strconv.Itoa(call.pageSizeFor(e.config.PageSize)))

	return e.search(ctx, call, e.baseURL+searchPath+"?"+params.Encode())
}

// SearchByProvider runs a named page provider on the remote
func (e *RemoteEndpoint) SearchByProvider(ctx context.Context, call Call) *Result {
	params := url.Values{}
	if len(call.QueryParams) > 0 {
		params.Set("queryParams", strings.Join(call.QueryParams, ","))
	}
	params.Set("currentPageIndex", strconv.Itoa(call.PageIndex))
	params.Set("pageSize", strconv.Itoa(call.pageSizeFor(e.config.PageSize)))
	for name, value := range call.NamedParams {
		params.Set(name, value)
	}

	endpointURL := e.baseURL + fmt.Sprintf(providerPath, url.PathEscape(call.Provider))
	return e.search(ctx, call, endpointURL+"?"+params.Encode())
}

func (e *RemoteEndpoint) search(ctx context.Context, call Call, requestURL string) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("search panicked", "endpoint", e.Name(), "panic", r)
			result = errorFailure(e.Name(), StatusUnreachable, fmt.Errorf("panic: %v", r), call.Diagnostics)
		}
	}()

	authHeader, err := e.auth.HeaderValue(ctx, call.ActingUser)
	if err != nil {
		status := StatusUnreachable
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Status > 0 {
			status = authErr.Status
		}
		return errorFailure(e.Name(), status, err, call.Diagnostics)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return errorFailure(e.Name(), StatusUnreachable, err, call.Diagnostics)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("enrichers.document", call.Enrichers)
	req.Header.Set("properties", call.Properties)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	e.logger.Debug("searching remote", "endpoint", e.Name(), "url", requestURL)

	resp, err := e.client.DoWithCircuitBreaker(ctx, req, e.breaker)
	if err != nil {
		e.logger.Warn("remote search failed", "endpoint", e.Name(), "error", err)
		return errorFailure(e.Name(), StatusUnreachable, err, call.Diagnostics)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBody+1))
	if err != nil {
		return errorFailure(e.Name(), resp.StatusCode, fmt.Errorf("failed to read response: %w", err), call.Diagnostics)
	}
	if int64(len(body)) > maxResultBody {
		return errorFailure(e.Name(), resp.StatusCode, fmt.Errorf("response exceeds %d bytes", maxResultBody), call.Diagnostics)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return e.remoteFailure(resp.StatusCode, body, call.Diagnostics)
	}

	result, err = parseResultSet(body)
	if err != nil {
		return errorFailure(e.Name(), resp.StatusCode, err, call.Diagnostics)
	}

	for _, doc := range result.Entries {
		if !e.absoluteBlobs {
			e.indirector.RewriteForOutbound(doc, e.Name(), false)
		}
		tagDocument(doc, e.Name(), e.baseURL)
	}
	result.SourceInfo = SourceInfo{AppName: e.Name(), HTTPStatus: resp.StatusCode}

	return result
}

// remoteFailure builds the entry for a non-2xx answer. With diagnostics the
// full body is kept and also returned as detail, parsed when it is JSON.
func (e *RemoteEndpoint) remoteFailure(status int, body []byte, diagnostics bool) *Result {
	message := errorMessage(body, diagnostics)
	e.logger.Warn("remote search returned an error", "endpoint", e.Name(), "status", status, "message", truncate(message, 200))

	if !diagnostics {
		return failureResult(e.Name(), status, message, nil)
	}

	var detail any
	if err := json.Unmarshal(body, &detail); err != nil {
		detail = string(body)
	}
	return failureResult(e.Name(), status, message, detail)
}

// FetchBlob downloads remotePath from the endpoint. Redirects are never
// followed by the transport: with followRedirect unset the redirect is
// returned as is, otherwise its target is fetched once, without credentials.
func (e *RemoteEndpoint) FetchBlob(ctx context.Context, remotePath string, followRedirect bool) (*BlobResult, error) {
	authHeader, err := e.auth.HeaderValue(ctx, "")
	if err != nil {
		return nil, err
	}

	if !strings.HasPrefix(remotePath, "/") {
		remotePath = "/" + remotePath
	}
	blobURL := e.baseURL + addDownloadMarker(remotePath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, &ValidationError{Field: "path", Message: err.Error()}
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := e.client.DoWithCircuitBreaker(ctx, req, e.breaker)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob from %s: %w", e.Name(), err)
	}

	if isRedirect(resp.StatusCode) {
		resp.Body.Close()

		location := resp.Header.Get("Location")
		if location == "" {
			return nil, &RedirectError{Status: resp.StatusCode}
		}
		if loc, err := resp.Request.URL.Parse(location); err == nil {
			location = loc.String()
		}

		if !followRedirect {
			e.logger.Debug("relaying storage redirect", "endpoint", e.Name(), "status", resp.StatusCode)
			return &BlobResult{Redirect: &RedirectDescriptor{Status: resp.StatusCode, Location: location}}, nil
		}

		return e.fetchRedirected(ctx, location)
	}

	return blobFromResponse(resp, blobURL)
}

// fetchRedirected follows a storage redirect. Storage URLs are pre-signed, so
// no Authorization header is sent.
func (e *RemoteEndpoint) fetchRedirected(ctx context.Context, location string) (*BlobResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location: %w", err)
	}

	resp, err := e.client.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch redirected blob: %w", err)
	}
	if isRedirect(resp.StatusCode) {
		resp.Body.Close()
		return nil, &FetchError{Status: resp.StatusCode}
	}

	return blobFromResponse(resp, location)
}

func blobFromResponse(resp *http.Response, requestURL string) (*BlobResult, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &FetchError{Status: resp.StatusCode}
	}

	blob := &BlobResult{
		Body:     resp.Body,
		MIMEType: resp.Header.Get("Content-Type"),
		Filename: filenameFrom(resp.Header.Get("Content-Disposition"), requestURL),
		Length:   resp.ContentLength,
	}

	if blob.MIMEType == "" {
		blob.MIMEType, blob.Body = sniffMIMEType(resp.Body)
	}

	return blob, nil
}

// sniffMIMEType peeks at the first bytes of body and returns a reader that
// still yields them.
func sniffMIMEType(body io.ReadCloser) (string, io.ReadCloser) {
	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(body, head)
	head = head[:n]

	mimeType := DefaultMIMEType
	if n > 0 {
		mimeType = http.DetectContentType(head)
	}

	return mimeType, struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), body), body}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// tagDocument attaches the source name and deep link to a document
func tagDocument(doc Document, appName, baseURL string) {
	info := DocumentInfo{AppName: appName}
	if uid, ok := doc["uid"].(string); ok && uid != "" {
		info.DocFullURL = baseURL + docLinkPath + uid
	}
	doc[SourceInfoProperty] = info
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
