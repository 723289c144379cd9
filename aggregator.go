package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultEndpointTimeout bounds each endpoint task of a call
	DefaultEndpointTimeout = 60 * time.Second

	noApplicationName    = "No Application to call"
	noApplicationMessage = "no application to call"
)

// Defaults are the service-wide values used when a call does not override them
type Defaults struct {
	Diagnostics  bool
	IncludeLocal bool
}

// AggregatorOption configures an Aggregator
type AggregatorOption func(*Aggregator)

// WithAggregatorLogger sets the logger
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		a.logger = logger
	}
}

// WithEndpointTimeout sets the deadline of each endpoint task
func WithEndpointTimeout(timeout time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if timeout > 0 {
			a.timeout = timeout
		}
	}
}

// WithMaxWorkers caps the pool size. The default follows GOMAXPROCS.
func WithMaxWorkers(workers func() int) AggregatorOption {
	return func(a *Aggregator) {
		a.maxWorkers = workers
	}
}

// Aggregator fans a call out to several endpoints and merges the answers,
// one entry per endpoint, in request order, the local endpoint last.
type Aggregator struct {
	logger     *slog.Logger
	timeout    time.Duration
	maxWorkers func() int
}

func NewAggregator(opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		logger:     slog.Default(),
		timeout:    DefaultEndpointTimeout,
		maxWorkers: func() int { return runtime.GOMAXPROCS(0) },
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Search validates criteria and runs it on remotes, then on local when the
// call includes it. local may be nil.
func (a *Aggregator) Search(ctx context.Context, remotes []Endpoint, local Endpoint, criteria SearchCriteria, defaults Defaults) (*Envelope, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	pageIndex, pageSize := normalizePage(criteria.PageIndex, criteria.PageSize)
	call := Call{
		Query:       strings.TrimSpace(criteria.Query),
		Keywords:    criteria.Keywords,
		Enrichers:   derefOrEmpty(criteria.Enrichers),
		Properties:  derefOrEmpty(criteria.Properties),
		PageIndex:   pageIndex,
		PageSize:    pageSize,
		ActingUser:  criteria.ActingUser,
		Diagnostics: boolOr(criteria.Diagnostics, defaults.Diagnostics),
	}
	if call.Query == "" {
		call.Query = DefaultQuery(criteria.Keywords)
	}

	params := CallParameters{
		Query:      orNull(criteria.Query),
		Keywords:   orNull(criteria.Keywords),
		Enrichers:  derefOrNull(criteria.Enrichers),
		Properties: derefOrNull(criteria.Properties),
	}

	return a.call(ctx, remotes, local, call, params, boolOr(criteria.IncludeLocal, defaults.IncludeLocal)), nil
}

// SearchByProvider runs a named page provider on remotes, then on local
func (a *Aggregator) SearchByProvider(ctx context.Context, remotes []Endpoint, local Endpoint, criteria ProviderCriteria, defaults Defaults) (*Envelope, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}

	pageIndex, pageSize := normalizePage(criteria.PageIndex, criteria.PageSize)
	call := Call{
		Provider:    strings.TrimSpace(criteria.Provider),
		QueryParams: criteria.QueryParams,
		NamedParams: criteria.NamedParams,
		Enrichers:   derefOrEmpty(criteria.Enrichers),
		Properties:  derefOrEmpty(criteria.Properties),
		PageIndex:   pageIndex,
		PageSize:    pageSize,
		ActingUser:  criteria.ActingUser,
		Diagnostics: boolOr(criteria.Diagnostics, defaults.Diagnostics),
	}

	params := CallParameters{
		Provider:    call.Provider,
		QueryParams: orNull(strings.Join(criteria.QueryParams, ",")),
		NamedParams: formatNamedParams(criteria.NamedParams),
		Enrichers:   derefOrNull(criteria.Enrichers),
		Properties:  derefOrNull(criteria.Properties),
	}

	return a.call(ctx, remotes, local, call, params, boolOr(criteria.IncludeLocal, defaults.IncludeLocal)), nil
}

func (a *Aggregator) call(ctx context.Context, remotes []Endpoint, local Endpoint, call Call, params CallParameters, includeLocal bool) *Envelope {
	params.CallID = uuid.NewString()
	params.Applications = make([]string, 0, len(remotes))
	for _, ep := range remotes {
		params.Applications = append(params.Applications, ep.Name())
	}
	params.PageIndex = call.PageIndex
	params.PageSize = call.PageSize
	params.Diagnostics = call.Diagnostics
	params.IncludeLocal = includeLocal && local != nil

	logger := a.logger.With("call_id", params.CallID)
	logger.Debug("dispatching call", "applications", params.Applications, "local", params.IncludeLocal)

	results := a.dispatch(ctx, remotes, call)

	if params.IncludeLocal {
		results = append(results, a.run(ctx, local, call))
	}

	if len(results) == 0 {
		results = append(results, failureResult(noApplicationName, StatusUnreachable, noApplicationMessage, nil))
	}

	failed := 0
	for _, r := range results {
		if r.Failed() {
			failed++
		}
	}
	logger.Info("call completed", "results", len(results), "failed", failed)

	return &Envelope{CallParameters: params, Results: results}
}

// dispatch runs one task per endpoint. A single endpoint runs on the calling
// goroutine; more use a pool of min(GOMAXPROCS, n) workers.
func (a *Aggregator) dispatch(ctx context.Context, endpoints []Endpoint, call Call) []*Result {
	results := make([]*Result, len(endpoints))

	switch len(endpoints) {
	case 0:
		return results
	case 1:
		results[0] = a.run(ctx, endpoints[0], call)
		return results
	}

	workers := max(1, min(a.maxWorkers(), len(endpoints)))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, ep := range endpoints {
		g.Go(func() error {
			results[i] = a.run(ctx, ep, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// run calls one endpoint under its own deadline. Panics and overruns become
// failure entries.
func (a *Aggregator) run(ctx context.Context, ep Endpoint, call Call) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("endpoint task panicked", "endpoint", ep.Name(), "panic", r)
			result = errorFailure(ep.Name(), StatusUnreachable, fmt.Errorf("panic: %v", r), call.Diagnostics)
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if call.Provider != "" {
		result = ep.SearchByProvider(taskCtx, call)
	} else {
		result = ep.Search(taskCtx, call)
	}

	if result == nil {
		err := errors.New("endpoint returned no result")
		if taskCtx.Err() != nil {
			err = fmt.Errorf("endpoint call aborted: %w", taskCtx.Err())
		}
		return errorFailure(ep.Name(), StatusUnreachable, err, call.Diagnostics)
	}

	return result
}
