package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
)

const (
	// TokenIssuer is the issuer of the self-signed JWT-bearer assertion
	TokenIssuer = "nuxeo"

	// JWTBearerGrantType is the OAuth2 grant used for the token exchange
	JWTBearerGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultTokenExpiryMargin is subtracted from expires_in so a token is never
	// sent when it could expire while the request is in flight
	DefaultTokenExpiryMargin = 15 * time.Second

	tokenPath = "/oauth2/token"
)

// AuthProvider produces the Authorization header value for one request.
// actingUser, when non-empty, replaces the configured identity for this call only.
type AuthProvider interface {
	HeaderValue(ctx context.Context, actingUser string) (string, error)
}

type callerKey struct{}

// WithCaller returns a context carrying the identity of whoever makes the call.
// Token-exchange endpoints configured with CurrentUserSentinel authenticate as this user.
func WithCaller(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, callerKey{}, user)
}

// CallerFromContext returns the identity stored by WithCaller
func CallerFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(callerKey{}).(string)
	return user, ok && user != ""
}

// NewAuthProvider builds the provider matching cfg.AuthKind()
func NewAuthProvider(cfg EndpointConfig, opts ...TokenExchangeOption) AuthProvider {
	switch cfg.AuthKind() {
	case AuthBasic:
		return NewStaticCredential(cfg.BasicUser, cfg.BasicPassword)
	case AuthToken:
		return NewTokenExchange(cfg, opts...)
	default:
		return noAuth{}
	}
}

// StaticCredential sends the same Basic header on every call
type StaticCredential struct {
	header string
}

// NewStaticCredential precomputes the Basic header for user and password
func NewStaticCredential(user, password string) *StaticCredential {
	encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	return &StaticCredential{header: "Basic " + encoded}
}

// HeaderValue ignores actingUser
func (s *StaticCredential) HeaderValue(context.Context, string) (string, error) {
	return s.header, nil
}

type noAuth struct{}

func (noAuth) HeaderValue(context.Context, string) (string, error) {
	return "", nil
}

// TokenExchangeOption configures a TokenExchange
type TokenExchangeOption func(*TokenExchange)

// WithTokenHTTPClient sets the HTTP client used for the token POST
func WithTokenHTTPClient(client *http.Client) TokenExchangeOption {
	return func(t *TokenExchange) {
		t.client.HTTPClient = client
	}
}

// WithTokenRetries sets how many times a failed token POST is retried
func WithTokenRetries(retries int) TokenExchangeOption {
	return func(t *TokenExchange) {
		t.client.RetryMax = retries
	}
}

// WithExpiryMargin overrides DefaultTokenExpiryMargin
func WithExpiryMargin(margin time.Duration) TokenExchangeOption {
	return func(t *TokenExchange) {
		t.margin = margin
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) TokenExchangeOption {
	return func(t *TokenExchange) {
		t.now = now
	}
}

// WithTokenLogger sets the logger of the exchange and of its retrying client
func WithTokenLogger(logger *slog.Logger) TokenExchangeOption {
	return func(t *TokenExchange) {
		t.logger = logger
		t.client.Logger = logger
	}
}

// TokenExchange obtains bearer tokens through a JWT-bearer grant and caches
// them per effective user.
type TokenExchange struct {
	endpoint     string
	tokenURL     string
	tokenUser    string
	clientID     string
	clientSecret string
	signingKey   []byte

	margin time.Duration
	now    func() time.Time
	client *retryablehttp.Client
	logger *slog.Logger
	cache  *tokenCache
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// NewTokenExchange creates the provider for a token-authenticated endpoint
func NewTokenExchange(cfg EndpointConfig, opts ...TokenExchangeOption) *TokenExchange {
	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	client.RetryMax = 2
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = slog.Default()

	t := &TokenExchange{
		endpoint:     cfg.Name,
		tokenURL:     strings.TrimSuffix(cfg.URL, "/") + tokenPath,
		tokenUser:    cfg.TokenUser,
		clientID:     cfg.TokenClientID,
		clientSecret: cfg.TokenClientSecret,
		signingKey:   []byte(cfg.JWTSecret),
		margin:       DefaultTokenExpiryMargin,
		now:          time.Now,
		client:       client,
		logger:       slog.Default(),
		cache:        newTokenCache(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// HeaderValue returns "Bearer <token>" for the effective user, exchanging a new
// assertion when no usable token is cached.
func (t *TokenExchange) HeaderValue(ctx context.Context, actingUser string) (string, error) {
	user, err := t.effectiveUser(ctx, actingUser)
	if err != nil {
		return "", &AuthError{Endpoint: t.endpoint, Err: err}
	}

	if token := t.cache.get(user, t.now()); token != nil {
		return token.Type() + " " + token.AccessToken, nil
	}

	token, err := t.exchange(ctx, user)
	if err != nil {
		return "", err
	}
	return token.Type() + " " + token.AccessToken, nil
}

// effectiveUser resolves override > current caller (sentinel) > configured user
func (t *TokenExchange) effectiveUser(ctx context.Context, actingUser string) (string, error) {
	user := t.tokenUser
	if actingUser != "" {
		user = actingUser
	}
	if user != CurrentUserSentinel {
		return user, nil
	}

	caller, ok := CallerFromContext(ctx)
	if !ok {
		return "", fmt.Errorf("cannot resolve %s: no caller identity in context", CurrentUserSentinel)
	}
	return caller, nil
}

func (t *TokenExchange) assertion(user string) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:   TokenIssuer,
		Subject:  user,
		IssuedAt: jwt.NewNumericDate(t.now()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(t.signingKey)
}

func (t *TokenExchange) exchange(ctx context.Context, user string) (*oauth2.Token, error) {
	assertion, err := t.assertion(user)
	if err != nil {
		return nil, &AuthError{Endpoint: t.endpoint, Err: fmt.Errorf("failed to sign assertion: %w", err)}
	}

	form := url.Values{
		"grant_type":    {JWTBearerGrantType},
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
		"assertion":     {assertion},
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, []byte(form.Encode()))
	if err != nil {
		return nil, &AuthError{Endpoint: t.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &AuthError{Endpoint: t.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &AuthError{Endpoint: t.endpoint, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &AuthError{Endpoint: t.endpoint, Status: resp.StatusCode, Err: errors.New(errorMessage(body, false))}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &AuthError{Endpoint: t.endpoint, Status: resp.StatusCode, Err: fmt.Errorf("malformed token response: %w", err)}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Endpoint: t.endpoint, Status: resp.StatusCode, Err: errors.New("empty access_token in token response")}
	}

	token := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Expiry:      t.now().Add(time.Duration(tr.ExpiresIn)*time.Second - t.margin),
	}
	t.cache.put(user, token)

	t.logger.Debug("obtained access token",
		"endpoint", t.endpoint,
		"user", user,
		"expires_at", token.Expiry.Format(time.RFC3339),
	)

	return token, nil
}
