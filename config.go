package proxy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultServerName identifies the proxy to MCP clients
	DefaultServerName = "Federated Search Proxy"

	// DefaultAddr is the listen address of the HTTP server
	DefaultAddr = ":8080"

	// DefaultCallerHeader carries the identity of the user behind a request
	DefaultCallerHeader = "X-Forwarded-User"
)

// Config represents the complete search proxy configuration
type Config struct {
	// Server configuration
	Server *ServerConfig `json:"server" yaml:"server"`

	// Gateway configuration for blob downloads
	Gateway *GatewayConfig `json:"gateway" yaml:"gateway"`

	// Search defaults
	Search *SearchConfig `json:"search" yaml:"search"`

	// Local repository, searched after the remotes
	Local *LocalConfig `json:"local,omitempty" yaml:"local,omitempty"`

	// Endpoints are the remote repository servers
	Endpoints []EndpointConfig `json:"endpoints,omitempty" yaml:"endpoints,omitempty"`
}

// ServerConfig defines the HTTP and MCP server settings
type ServerConfig struct {
	// Name for MCP identification
	Name string `json:"name" yaml:"name"`

	// Version of the MCP server
	Version string `json:"version" yaml:"version"`

	// Addr to listen on
	Addr string `json:"addr" yaml:"addr"`

	// BaseURL is the public URL of the proxy, used by the MCP SSE transport
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// CallerHeader names the request header holding the authenticated user
	CallerHeader string `json:"caller_header" yaml:"caller_header"`
}

// GatewayConfig defines the blob gateway
type GatewayConfig struct {
	// Key is the first path segment of gateway URLs
	Key string `json:"key" yaml:"key"`
}

// SearchConfig holds the service defaults, changeable at runtime through tuning
type SearchConfig struct {
	AlwaysSearchLocal *bool    `json:"always_search_local,omitempty" yaml:"always_search_local,omitempty"`
	FullStackOnError  bool     `json:"full_stack_on_error" yaml:"full_stack_on_error"`
	EndpointTimeout   Duration `json:"endpoint_timeout,omitempty" yaml:"endpoint_timeout,omitempty"`
	DefaultPageSize   int      `json:"default_page_size,omitempty" yaml:"default_page_size,omitempty"`
}

// LocalConfig describes the local server
type LocalConfig struct {
	// Name appears as appName in local results
	Name string `json:"name" yaml:"name"`

	// URL is the public URL of the local server, used for deep links
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// ContextPath replaces PlaceholderPrefix in local blob URLs
	ContextPath       string `json:"context_path" yaml:"context_path"`
	PlaceholderPrefix string `json:"placeholder_prefix" yaml:"placeholder_prefix"`

	// DocumentsFile feeds the in-memory repository
	DocumentsFile string `json:"documents_file,omitempty" yaml:"documents_file,omitempty"`

	PageSize int `json:"page_size,omitempty" yaml:"page_size,omitempty"`
}

func ParseConfig(filename string) (*Config, error) {
	// Expand path to handle environment variables and home directory
	expandedPath := expandPath(filename)

	// Read the YAML file
	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", expandedPath, err)
	}

	cfg, err := ParseConfigFromBytes(data)
	if err != nil {
		return nil, err
	}

	// Relative documents files are resolved against the config directory
	if cfg.Local != nil && cfg.Local.DocumentsFile != "" {
		docs := expandPath(cfg.Local.DocumentsFile)
		if !filepath.IsAbs(docs) {
			docs = filepath.Join(filepath.Dir(expandedPath), docs)
		}
		cfg.Local.DocumentsFile = docs
	}

	return cfg, nil
}

// ParseConfigFromBytes parses configuration from byte data
func ParseConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	// Expand variables first, so defaults and validation see the final values
	if err := postProcessParsedConfig(&cfg); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}

	// Set defaults if needed
	if err := setConfigDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("failed to set config defaults: %w", err)
	}

	// Validate the configuration
	if err := validateParsedConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setConfigDefaults sets default values for the configuration
func setConfigDefaults(cfg *Config) error {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = DefaultServerName
	}
	if cfg.Server.Version == "" {
		cfg.Server.Version = "1.0.0"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	if cfg.Server.CallerHeader == "" {
		cfg.Server.CallerHeader = DefaultCallerHeader
	}

	if cfg.Gateway == nil {
		cfg.Gateway = &GatewayConfig{}
	}
	if cfg.Gateway.Key == "" {
		cfg.Gateway.Key = DefaultGatewayKey
	}

	if cfg.Search == nil {
		cfg.Search = &SearchConfig{}
	}
	if cfg.Search.AlwaysSearchLocal == nil {
		alwaysSearchLocal := true
		cfg.Search.AlwaysSearchLocal = &alwaysSearchLocal
	}
	if cfg.Search.EndpointTimeout == 0 {
		cfg.Search.EndpointTimeout = Duration(DefaultEndpointTimeout)
	}
	if cfg.Search.DefaultPageSize < 1 {
		cfg.Search.DefaultPageSize = DefaultPageSize
	}

	if cfg.Local == nil {
		cfg.Local = &LocalConfig{}
	}
	if cfg.Local.Name == "" {
		cfg.Local.Name = DefaultLocalName
	}
	if cfg.Local.ContextPath == "" {
		cfg.Local.ContextPath = DefaultContextPath
	}
	if cfg.Local.PlaceholderPrefix == "" {
		cfg.Local.PlaceholderPrefix = DefaultPlaceholderPrefix
	}
	if cfg.Local.PageSize < 1 {
		cfg.Local.PageSize = cfg.Search.DefaultPageSize
	}

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].PageSize < 1 {
			cfg.Endpoints[i].PageSize = cfg.Search.DefaultPageSize
		}
	}

	return nil
}

// validateParsedConfig validates the parsed configuration
func validateParsedConfig(cfg *Config) error {
	if strings.ContainsAny(cfg.Gateway.Key, "/?#") {
		return fmt.Errorf("gateway key '%s' must be a single path segment", cfg.Gateway.Key)
	}

	return validateEndpoints(cfg.Endpoints)
}

// validateEndpoints checks every endpoint and rejects duplicate names
func validateEndpoints(endpoints []EndpointConfig) error {
	names := make(map[string]bool)
	for i, endpoint := range endpoints {
		if err := endpoint.validate(); err != nil {
			return fmt.Errorf("endpoint %d validation failed: %w", i, err)
		}

		if names[endpoint.Name] {
			return fmt.Errorf("duplicate endpoint name '%s'", endpoint.Name)
		}
		names[endpoint.Name] = true
	}

	return nil
}

// postProcessParsedConfig performs environment substitution on the parsed configuration
func postProcessParsedConfig(cfg *Config) error {
	if cfg.Server != nil {
		cfg.Server.BaseURL = os.ExpandEnv(cfg.Server.BaseURL)
		cfg.Server.Addr = os.ExpandEnv(cfg.Server.Addr)
	}
	if cfg.Local != nil {
		cfg.Local.URL = os.ExpandEnv(cfg.Local.URL)
		cfg.Local.DocumentsFile = os.ExpandEnv(cfg.Local.DocumentsFile)
	}

	for i := range cfg.Endpoints {
		processEndpointEnvironmentVars(&cfg.Endpoints[i])
	}

	return nil
}

// processEndpointEnvironmentVars resolves ${VAR} and ${VAR:=} values of an endpoint
func processEndpointEnvironmentVars(endpoint *EndpointConfig) {
	endpoint.Name = expandVariable(endpoint.Name)
	endpoint.URL = expandVariable(endpoint.URL)
	endpoint.BasicUser = expandVariable(endpoint.BasicUser)
	endpoint.BasicPassword = expandVariable(endpoint.BasicPassword)
	endpoint.TokenUser = expandVariable(endpoint.TokenUser)
	endpoint.TokenClientID = expandVariable(endpoint.TokenClientID)
	endpoint.TokenClientSecret = expandVariable(endpoint.TokenClientSecret)
	endpoint.JWTSecret = expandVariable(endpoint.JWTSecret)
}

// expandVariable resolves a value that is entirely a ${VAR} or ${VAR:=}
// expression. The current-user sentinel resolves to itself; an unset or blank
// variable leaves the expression as written.
func expandVariable(expression string) string {
	if !strings.HasPrefix(expression, "${") {
		return expression
	}

	name := strings.TrimPrefix(expression, "${")
	switch {
	case strings.HasSuffix(name, ":=}"):
		name = strings.TrimSuffix(name, ":=}")
	case strings.HasSuffix(name, "}"):
		name = strings.TrimSuffix(name, "}")
	default:
		return expression
	}

	if strings.TrimSpace(name) == "" {
		return expression
	}
	if name == CurrentUserSentinel {
		return CurrentUserSentinel
	}

	if value := os.Getenv(name); strings.TrimSpace(value) != "" {
		return value
	}
	return expression
}

// expandPath expands environment variables and home directory in paths
func expandPath(path string) string {
	// Expand environment variables
	expanded := os.ExpandEnv(path)

	// Expand home directory
	if strings.HasPrefix(expanded, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			expanded = filepath.Join(home, expanded[2:])
		}
	}

	return expanded
}
