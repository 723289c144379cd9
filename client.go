package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	// DefaultConnectTimeout bounds connection establishment to a remote
	DefaultConnectTimeout = 20 * time.Second

	// DefaultReadTimeout bounds the wait for response headers from a remote
	DefaultReadTimeout = 40 * time.Second
)

// ErrCircuitOpen is returned while an endpoint's circuit breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

type ClientConfig struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	MaxRetries      int
	RetryDelay      time.Duration
	MaxIdleConns    int
	MaxConnsPerHost int
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectTimeout:  DefaultConnectTimeout,
		ReadTimeout:     DefaultReadTimeout,
		MaxRetries:      0,
		RetryDelay:      500 * time.Millisecond,
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
	}
}

// clientConfigFor derives the client settings of an endpoint
func clientConfigFor(cfg EndpointConfig) *ClientConfig {
	config := DefaultClientConfig()
	config.ConnectTimeout = cfg.ConnectTimeout.Or(DefaultConnectTimeout)
	config.ReadTimeout = cfg.ReadTimeout.Or(DefaultReadTimeout)
	if cfg.Retries > 0 {
		config.MaxRetries = cfg.Retries
	}
	return config
}

// HTTPClient sends requests to one remote. Redirects are never followed: the
// caller sees the 3xx answer and decides what to do with it.
type HTTPClient struct {
	client *http.Client
	config *ClientConfig
}

func NewHTTPClient(config *ClientConfig) *HTTPClient {
	if config == nil {
		config = DefaultClientConfig()
	}

	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ResponseHeaderTimeout: config.ReadTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    false,
	}

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &HTTPClient{
		client: client,
		config: config,
	}
}

func (c *HTTPClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	return c.DoWithCircuitBreaker(ctx, req, nil)
}

// DoWithCircuitBreaker retries transport errors and 5xx answers. The last
// response is returned open, whatever its status. Only transport failures
// count against the breaker; any HTTP answer records a success.
func (c *HTTPClient) DoWithCircuitBreaker(ctx context.Context, req *http.Request, cb *CircuitBreaker) (*http.Response, error) {
	if cb != nil && !cb.CanExecute() {
		return nil, ErrCircuitOpen
	}

	req = req.WithContext(ctx)

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, err = c.client.Do(req)

		if err == nil && resp.StatusCode < 500 {
			break
		}

		if attempt == c.config.MaxRetries {
			break
		}

		if resp != nil {
			resp.Body.Close()
			resp = nil
		}

		select {
		case <-ctx.Done():
			c.record(cb, err)
			return nil, ctx.Err()
		case <-time.After(c.config.RetryDelay * time.Duration(attempt+1)):
		}
	}

	c.record(cb, err)

	if err != nil {
		if c.config.MaxRetries == 0 {
			return nil, err
		}
		return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, err)
	}

	return resp, nil
}

// record reports the outcome of a request to cb. Canceled callers are not recorded.
func (c *HTTPClient) record(cb *CircuitBreaker, err error) {
	switch {
	case cb == nil:
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, context.Canceled):
	default:
		cb.RecordFailure()
	}
}

func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type breakerState string

const (
	breakerClosed breakerState = "closed"
	breakerOpen   breakerState = "open"
)

type CircuitBreaker struct {
	mu           sync.RWMutex
	failureCount int
	lastFailTime time.Time
	maxFailures  int
	resetTimeout time.Duration
	state        breakerState
}

func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        breakerClosed,
	}
}

// CanExecute lets calls through while closed, and once resetTimeout has
// elapsed since the last failure while open.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	if cb.state == breakerClosed {
		return true
	}

	return time.Since(cb.lastFailTime) > cb.resetTimeout
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.state = breakerClosed
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailTime = time.Now()

	if cb.failureCount >= cb.maxFailures {
		cb.state = breakerOpen
	}
}

// State returns "closed" or "open"
func (cb *CircuitBreaker) State() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return string(cb.state)
}

// ClientManager owns the HTTP clients and circuit breakers of one endpoint
// registry. Clients are created on first use and closed with the manager.
type ClientManager struct {
	mu       sync.Mutex
	clients  map[string]*HTTPClient
	breakers map[string]*CircuitBreaker

	maxFailures  int
	resetTimeout time.Duration
}

func NewClientManager() *ClientManager {
	return &ClientManager{
		clients:      make(map[string]*HTTPClient),
		breakers:     make(map[string]*CircuitBreaker),
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
	}
}

// ClientFor returns the client and breaker of the endpoint described by cfg
func (cm *ClientManager) ClientFor(cfg EndpointConfig) (*HTTPClient, *CircuitBreaker) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	client, exists := cm.clients[cfg.Name]
	if !exists {
		client = NewHTTPClient(clientConfigFor(cfg))
		cm.clients[cfg.Name] = client
	}

	breaker, exists := cm.breakers[cfg.Name]
	if !exists {
		breaker = NewCircuitBreaker(cm.maxFailures, cm.resetTimeout)
		cm.breakers[cfg.Name] = breaker
	}

	return client, breaker
}

func (cm *ClientManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, client := range cm.clients {
		client.Close()
	}
	return nil
}
