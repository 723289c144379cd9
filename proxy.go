package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
)

// Option is a function that configures the server
type Option func(*Proxy)

// WithName sets the server name
func WithName(name string) Option {
	return func(s *Proxy) {
		s.config.Name = name
	}
}

// WithAddr sets the server address
func WithAddr(addr string) Option {
	return func(s *Proxy) {
		s.config.Addr = addr
	}
}

// WithBaseURL sets the server base URL
func WithBaseURL(baseURL string) Option {
	return func(s *Proxy) {
		s.config.BaseURL = baseURL
	}
}

// WithLogger sets the server logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Proxy) {
		s.logger = logger
	}
}

// WithCallerHeader sets the request header naming the authenticated user
func WithCallerHeader(header string) Option {
	return func(s *Proxy) {
		s.config.CallerHeader = header
	}
}

// config holds server configuration
type config struct {
	Name         string
	Version      string
	Addr         string
	BaseURL      string
	CallerHeader string
}

// Proxy serves the search API, the blob gateway and the MCP SSE transport
// on one HTTP listener.
type Proxy struct {
	config  config
	logger  *slog.Logger
	service *Service

	tools     []server.ServerTool
	prompts   []server.ServerPrompt
	resources []server.ServerResource

	wg         sync.WaitGroup
	configFile string // Path to the configuration file, watched for changes
}

// NewServer creates a server in front of an existing service
func NewServer(service *Service, opts ...Option) (*Proxy, error) {
	if service == nil {
		return nil, errors.New("service is required")
	}

	s := &Proxy{
		config: config{
			Name:         DefaultServerName,
			Version:      "1.0.0",
			Addr:         DefaultAddr,
			CallerHeader: DefaultCallerHeader,
		},
		logger:  slog.Default(),
		service: service,
	}

	// Apply options
	for _, opt := range opts {
		opt(s)
	}

	s.setupMCP()

	return s, nil
}

// NewServerFromConfig creates the service and the server from configuration
func NewServerFromConfig(cfg *Config, opts ...Option) (*Proxy, error) {
	if err := setConfigDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	logger := slog.Default()
	scratch := &Proxy{logger: logger}
	for _, opt := range opts {
		opt(scratch)
	}
	logger = scratch.logger

	serviceOpts := []ServiceOption{WithServiceLogger(logger)}
	if cfg.Local.DocumentsFile != "" {
		repo, err := LoadMemoryRepository(cfg.Local.DocumentsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load local repository: %w", err)
		}
		serviceOpts = append(serviceOpts, WithRepository(repo))
	}

	service, err := NewService(cfg, serviceOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	serverOpts := append([]Option{
		WithName(cfg.Server.Name),
		WithAddr(cfg.Server.Addr),
		WithBaseURL(cfg.Server.BaseURL),
		WithCallerHeader(cfg.Server.CallerHeader),
	}, opts...)

	s, err := NewServer(service, serverOpts...)
	if err != nil {
		return nil, err
	}
	s.config.Version = cfg.Server.Version
	return s, nil
}

// NewServerFromConfigFile creates the server from a configuration file and
// reloads the endpoints whenever that file changes.
func NewServerFromConfigFile(configFile string, opts ...Option) (*Proxy, error) {
	cfg, err := ParseConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	s, err := NewServerFromConfig(cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.configFile = configFile
	return s, nil
}

// setupMCP registers the tools, prompts and resources backed by the service
func (s *Proxy) setupMCP() {
	s.AddTools(NewSearchTools(s.service, s.logger).ServerTools()...)
	s.AddPrompts(NewSearchPrompt(s.service, s.logger).ServerPrompt())
	s.AddResources(NewAppsResource(s.service).ServerResource())

	for _, tool := range s.tools {
		s.logger.Debug("added tool", "name", tool.Tool.Name)
	}
}

// Service returns the search service behind the server
func (s *Proxy) Service() *Service {
	return s.service
}

// AddTools adds multiple tools to an server.
func (s *Proxy) AddTools(tools ...server.ServerTool) {
	s.tools = append(s.tools, tools...)
}

// AddPrompts adds multiple prompts to an server.
func (s *Proxy) AddPrompts(prompts ...server.ServerPrompt) {
	s.prompts = append(s.prompts, prompts...)
}

// AddResources adds multiple resources to an server.
func (s *Proxy) AddResources(resources ...server.ServerResource) {
	s.resources = append(s.resources, resources...)
}

func (s *Proxy) baseURL() string {
	if s.config.BaseURL != "" {
		return strings.TrimSuffix(s.config.BaseURL, "/")
	}
	addr := s.config.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// Handler returns the routes of the server
func (s *Proxy) Handler() http.Handler {
	api := NewAPI(s.service, s.config.CallerHeader, s.logger)
	gateway := NewGateway(s.service, s.logger)

	mcpServer := server.NewMCPServer(
		s.config.Name, s.config.Version,
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithHooks(newServerHooks(s.logger)),
	)

	mcpServer.AddTools(s.tools...)
	mcpServer.AddPrompts(s.prompts...)
	mcpServer.AddResources(s.resources...)

	sseServer := server.NewSSEServer(mcpServer,
		server.WithBaseURL(s.baseURL()),
		server.WithUseFullURLForMessageEndpoint(true),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if user := strings.TrimSpace(r.Header.Get(s.config.CallerHeader)); user != "" {
				return WithCaller(ctx, user)
			}
			return ctx
		}),
	)

	router := mux.NewRouter()
	router.SkipClean(true)
	router.Use(api.WithCallerIdentity)

	router.HandleFunc("/api/search", api.Search).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/api/search/pp", api.SearchByProvider).Methods(http.MethodGet, http.MethodPost)
	router.HandleFunc("/api/apps", api.Apps).Methods(http.MethodGet)
	router.HandleFunc("/api/tuning", api.Tuning).Methods(http.MethodGet, http.MethodPut)
	router.PathPrefix("/" + s.service.GatewayKey() + "/").Handler(gateway)
	router.Handle("/sse", sseServer.SSEHandler())
	router.Handle("/message", sseServer.MessageHandler())

	return router
}

// Start serves in the background until ctx is done. Make sure to call Close()
// after Start() to wait for the shutdown.
func (s *Proxy) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.configFile != "" {
		watcher := NewConfigWatcher(s.configFile, func(cfg *Config) error {
			return s.service.Reload(cfg)
		}, s.logger)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := watcher.Run(ctx); err != nil {
				s.logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.logger.Info("search proxy listening", "addr", s.config.Addr, "base_url", s.baseURL())

		// Start HTTP server in a goroutine
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server error", "error", err)
				errCh <- err
			}
		}()

		// Wait for context cancellation to shutdown server
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server...")

		// Create shutdown context with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
		} else {
			s.logger.Info("HTTP server shutdown successfully")
		}
	}()

	// Surface immediate listen failures such as a busy port
	select {
	case err := <-errCh:
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Close waits for the server goroutines to finish and releases connections.
func (s *Proxy) Close() {
	s.wg.Wait()
	s.service.Close()
}
