package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
)

// Tuning changes service defaults at runtime. nil fields are left alone.
type Tuning struct {
	FullStackOnError  *bool `json:"fullStackOnError,omitempty"`
	AlwaysSearchLocal *bool `json:"alwaysSearchLocal,omitempty"`
}

// TuningValues are the service defaults in effect
type TuningValues struct {
	FullStackOnError  bool `json:"fullStackOnError"`
	AlwaysSearchLocal bool `json:"alwaysSearchLocal"`
}

// registry is an immutable snapshot of the configured endpoints
type registry struct {
	configs []EndpointConfig
	remotes map[string]*RemoteEndpoint
	clients *ClientManager
}

func (r *registry) selectEndpoints(selector string) ([]Endpoint, error) {
	names := ParseSelector(selector)
	if names == nil {
		endpoints := make([]Endpoint, 0, len(r.configs))
		for _, cfg := range r.configs {
			endpoints = append(endpoints, r.remotes[cfg.Name])
		}
		return endpoints, nil
	}

	endpoints := make([]Endpoint, 0, len(names))
	var unknown []string
	for _, name := range names {
		ep, ok := r.remotes[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		endpoints = append(endpoints, ep)
	}
	if len(unknown) > 0 {
		return nil, &ValidationError{Field: "apps", Message: fmt.Sprintf("unknown application(s): %s", strings.Join(unknown, ", "))}
	}
	return endpoints, nil
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithServiceLogger sets the logger of the service and everything it builds
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRepository sets the local repository. Without one the local endpoint is disabled.
func WithRepository(repo Repository) ServiceOption {
	return func(s *Service) {
		s.repo = repo
	}
}

// WithTokenOptions passes options to every token exchange the service creates
func WithTokenOptions(opts ...TokenExchangeOption) ServiceOption {
	return func(s *Service) {
		s.tokenOpts = append(s.tokenOpts, opts...)
	}
}

// Service is the federated search entry point. Its endpoint registry can be
// replaced while calls are in flight: each call works on the snapshot it started with.
type Service struct {
	logger     *slog.Logger
	aggregator *Aggregator
	indirector *BlobIndirector
	repo       Repository
	local      *LocalEndpoint
	tokenOpts  []TokenExchangeOption

	registry     atomic.Pointer[registry]
	diagnostics  atomic.Bool
	includeLocal atomic.Bool
}

// NewService builds the service from a parsed configuration
func NewService(cfg *Config, opts ...ServiceOption) (*Service, error) {
	if err := setConfigDefaults(cfg); err != nil {
		return nil, err
	}

	s := &Service{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	s.aggregator = NewAggregator(
		WithAggregatorLogger(s.logger),
		WithEndpointTimeout(cfg.Search.EndpointTimeout.Std()),
	)
	s.indirector = NewBlobIndirector(cfg.Gateway.Key, cfg.Local.PlaceholderPrefix, cfg.Local.ContextPath)
	if s.repo != nil {
		s.local = NewLocalEndpoint(*cfg.Local, s.repo, s.indirector, s.logger)
	}

	s.diagnostics.Store(cfg.Search.FullStackOnError)
	s.includeLocal.Store(*cfg.Search.AlwaysSearchLocal)

	if err := s.Reload(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

// Reload replaces the endpoint registry with the endpoints of cfg. Cached
// tokens and idle connections of the previous registry are dropped.
func (s *Service) Reload(cfg *Config) error {
	if err := validateEndpoints(cfg.Endpoints); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	next := s.buildRegistry(cfg.Endpoints)
	previous := s.registry.Swap(next)
	if previous != nil {
		previous.clients.Close()
	}

	s.logger.Info("endpoint registry loaded", "endpoints", len(next.configs))
	return nil
}

func (s *Service) buildRegistry(configs []EndpointConfig, opts ...RemoteEndpointOption) *registry {
	r := &registry{
		configs: append([]EndpointConfig(nil), configs...),
		remotes: make(map[string]*RemoteEndpoint, len(configs)),
		clients: NewClientManager(),
	}

	for _, cfg := range r.configs {
		r.remotes[cfg.Name] = s.newRemote(cfg, r.clients, opts...)
	}
	return r
}

func (s *Service) newRemote(cfg EndpointConfig, clients *ClientManager, opts ...RemoteEndpointOption) *RemoteEndpoint {
	client, breaker := clients.ClientFor(cfg)
	tokenOpts := append([]TokenExchangeOption{WithTokenLogger(s.logger)}, s.tokenOpts...)
	return NewRemoteEndpoint(cfg, append([]RemoteEndpointOption{
		WithEndpointLogger(s.logger.With("endpoint", cfg.Name)),
		WithEndpointClient(client, breaker),
		WithIndirector(s.indirector),
		WithAuthProvider(NewAuthProvider(cfg, tokenOpts...)),
	}, opts...)...)
}

func (s *Service) defaults() Defaults {
	return Defaults{
		Diagnostics:  s.diagnostics.Load(),
		IncludeLocal: s.includeLocal.Load(),
	}
}

func (s *Service) localEndpoint() Endpoint {
	if s.local == nil {
		return nil
	}
	return s.local
}

// Search runs criteria on the endpoints named by selector, a comma separated
// list of names, or "all" / "" for every configured endpoint.
func (s *Service) Search(ctx context.Context, selector string, criteria SearchCriteria) (*Envelope, error) {
	endpoints, err := s.registry.Load().selectEndpoints(selector)
	if err != nil {
		return nil, err
	}
	return s.aggregator.Search(ctx, endpoints, s.localEndpoint(), criteria, s.defaults())
}

// SearchByProvider runs a page provider on the endpoints named by selector
func (s *Service) SearchByProvider(ctx context.Context, selector string, criteria ProviderCriteria) (*Envelope, error) {
	endpoints, err := s.registry.Load().selectEndpoints(selector)
	if err != nil {
		return nil, err
	}
	return s.aggregator.SearchByProvider(ctx, endpoints, s.localEndpoint(), criteria, s.defaults())
}

// SearchWith runs criteria on caller-supplied endpoints instead of the configured ones.
// The gateway only knows configured endpoints, so blob URLs of these results stay absolute.
func (s *Service) SearchWith(ctx context.Context, configs []EndpointConfig, criteria SearchCriteria) (*Envelope, error) {
	seen := make(map[string]int, len(configs))
	for i, cfg := range configs {
		field := fmt.Sprintf("endpoints[%d]", i)
		if err := cfg.validate(); err != nil {
			return nil, &ValidationError{Field: field, Message: err.Error()}
		}
		if first, dup := seen[cfg.Name]; dup {
			return nil, &ValidationError{Field: field, Message: fmt.Sprintf("duplicate endpoint name '%s', already used by endpoints[%d]", cfg.Name, first)}
		}
		seen[cfg.Name] = i
	}

	adhoc := s.buildRegistry(configs, WithAbsoluteBlobURLs())
	defer adhoc.clients.Close()

	endpoints, err := adhoc.selectEndpoints("")
	if err != nil {
		return nil, err
	}
	return s.aggregator.Search(ctx, endpoints, s.localEndpoint(), criteria, s.defaults())
}

// Fetch downloads the blob behind a gateway path
func (s *Service) Fetch(ctx context.Context, gatewayPath string, followRedirect bool) (*BlobResult, error) {
	name, remotePath, err := s.indirector.ResolveInbound(gatewayPath)
	if err != nil {
		return nil, err
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	if remotePath == "" || remotePath == "/" {
		return nil, &ValidationError{Field: "path", Message: "missing blob path"}
	}

	ep, ok := s.registry.Load().remotes[name]
	if !ok {
		return nil, &NotFoundError{Kind: "application", Name: name}
	}

	return ep.FetchBlob(ctx, remotePath, followRedirect)
}

// Apps lists the configured endpoints with secrets masked
func (s *Service) Apps() []EndpointConfig {
	configs := s.registry.Load().configs
	apps := make([]EndpointConfig, 0, len(configs))
	for _, cfg := range configs {
		apps = append(apps, cfg.Redacted())
	}
	return apps
}

// Tune applies t and returns the values that were in effect before
func (s *Service) Tune(t Tuning) TuningValues {
	previous := TuningValues{
		FullStackOnError:  s.diagnostics.Load(),
		AlwaysSearchLocal: s.includeLocal.Load(),
	}
	if t.FullStackOnError != nil {
		previous.FullStackOnError = s.diagnostics.Swap(*t.FullStackOnError)
	}
	if t.AlwaysSearchLocal != nil {
		previous.AlwaysSearchLocal = s.includeLocal.Swap(*t.AlwaysSearchLocal)
	}

	s.logger.Info("service tuned",
		"full_stack_on_error", s.diagnostics.Load(),
		"always_search_local", s.includeLocal.Load(),
	)
	return previous
}

// Tuning returns the values in effect
func (s *Service) Tuning() TuningValues {
	return TuningValues{
		FullStackOnError:  s.diagnostics.Load(),
		AlwaysSearchLocal: s.includeLocal.Load(),
	}
}

// GatewayKey returns the first path segment of gateway URLs
func (s *Service) GatewayKey() string {
	return s.indirector.Key()
}

// Close releases the connections of the current registry
func (s *Service) Close() error {
	if r := s.registry.Load(); r != nil {
		return r.clients.Close()
	}
	return nil
}
