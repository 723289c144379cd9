package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
)

// DefaultLocalName is the application name of the local server
const DefaultLocalName = "Current Nuxeo Server"

// LocalQuery is a search handed to the local repository
type LocalQuery struct {
	Query       string
	Provider    string
	QueryParams []string
	NamedParams map[string]string
	Enrichers   []string
	Properties  []string
	PageIndex   int
	PageSize    int
}

// Repository executes queries against the local server and marshals the
// matches as a "documents" result set.
type Repository interface {
	Search(ctx context.Context, query LocalQuery) ([]byte, error)
}

// LocalEndpoint searches the server this proxy runs next to. It has no
// network hop and no authentication.
type LocalEndpoint struct {
	name       string
	baseURL    string
	pageSize   int
	repo       Repository
	indirector *BlobIndirector
	logger     *slog.Logger
}

// NewLocalEndpoint creates the local endpoint. cfg.URL is used for deep links
// only and may be empty.
func NewLocalEndpoint(cfg LocalConfig, repo Repository, indirector *BlobIndirector, logger *slog.Logger) *LocalEndpoint {
	name := cfg.Name
	if name == "" {
		name = DefaultLocalName
	}
	if indirector == nil {
		indirector = NewBlobIndirector("", "", "")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEndpoint{
		name:       name,
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		pageSize:   cfg.PageSize,
		repo:       repo,
		indirector: indirector,
		logger:     logger,
	}
}

func (l *LocalEndpoint) Name() string {
	return l.name
}

func (l *LocalEndpoint) Search(ctx context.Context, call Call) *Result {
	return l.run(ctx, call, l.query(call))
}

func (l *LocalEndpoint) SearchByProvider(ctx context.Context, call Call) *Result {
	q := l.query(call)
	q.Query = ""
	q.Provider = call.Provider
	q.QueryParams = call.QueryParams
	q.NamedParams = call.NamedParams
	return l.run(ctx, call, q)
}

func (l *LocalEndpoint) query(call Call) LocalQuery {
	return LocalQuery{
		Query:      call.Query,
		Enrichers:  splitList(call.Enrichers),
		Properties: splitList(call.Properties),
		PageIndex:  call.PageIndex,
		PageSize:   call.pageSizeFor(l.pageSize),
	}
}

func (l *LocalEndpoint) run(ctx context.Context, call Call, q LocalQuery) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("local search panicked", "panic", r)
			result = errorFailure(l.name, StatusUnreachable, fmt.Errorf("panic: %v", r), call.Diagnostics)
		}
	}()

	if l.repo == nil {
		return failureResult(l.name, StatusUnreachable, "An error occured: no local repository", nil)
	}

	body, err := l.repo.Search(ctx, q)
	if err != nil {
		return l.failure(err, call.Diagnostics)
	}

	result, err = parseResultSet(body)
	if err != nil {
		return l.failure(err, call.Diagnostics)
	}

	backfillThumbnails := slices.Contains(q.Enrichers, "thumbnail")
	for _, doc := range result.Entries {
		if backfillThumbnails {
			addThumbnail(doc)
		}
		l.indirector.RewriteForOutbound(doc, l.name, true)
		tagDocument(doc, l.name, l.baseURL)
	}
	result.SourceInfo = SourceInfo{AppName: l.name, HTTPStatus: 200}

	return result
}

func (l *LocalEndpoint) failure(err error, diagnostics bool) *Result {
	l.logger.Warn("local search failed", "error", err)
	wrapped := fmt.Errorf("An error occured: %w", err)
	return errorFailure(l.name, StatusUnreachable, wrapped, diagnostics)
}

// addThumbnail fills contextParameters.thumbnail with the rendition URL when
// the repository did not provide one.
func addThumbnail(doc Document) {
	uid, ok := doc["uid"].(string)
	if !ok || uid == "" {
		return
	}

	ctxParams, ok := doc["contextParameters"].(map[string]any)
	if !ok {
		ctxParams = make(map[string]any)
		doc["contextParameters"] = ctxParams
	}
	if _, ok := ctxParams["thumbnail"].(map[string]any); ok {
		return
	}

	thumbURL := "/api/v1/repo/default/id/" + url.PathEscape(uid) + "/@rendition/thumbnail?"
	if token, ok := doc["changeToken"].(string); ok && token != "" {
		thumbURL += "changeToken=" + url.QueryEscape(token) + "&"
	}
	ctxParams["thumbnail"] = map[string]any{"url": thumbURL + "sync=true"}
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
