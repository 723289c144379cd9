package proxy

import (
	"fmt"
	"strings"
)

// AuthKind selects how requests to a backend are authorized
type AuthKind string

const (
	// AuthNone sends no Authorization header. Only the local endpoint uses it.
	AuthNone AuthKind = "none"

	// AuthBasic sends a precomputed "Basic" header built from BasicUser/BasicPassword
	AuthBasic AuthKind = "basic"

	// AuthToken obtains short-lived bearer tokens through a JWT-bearer OAuth2 grant
	AuthToken AuthKind = "token"
)

// CurrentUserSentinel is the reserved TokenUser value meaning "the identity of whoever
// makes the aggregated call". It survives environment expansion untouched.
const CurrentUserSentinel = "MULTI_NUXEO_APPS_JWT_CURRENT_USER"

// EndpointConfig defines one remote repository server
type EndpointConfig struct {
	// Name is the unique key of the backend; it appears in gateway URLs and in results
	Name string `json:"appName" yaml:"name"`

	// URL is the base URL of the backend, including its context path
	// Example: https://repo.example.com/nuxeo
	URL string `json:"appUrl" yaml:"url"`

	// PageSize is used when a call does not request a page size. Zero means DefaultPageSize.
	PageSize int `json:"pageSize,omitempty" yaml:"page_size,omitempty"`

	// Retries is the number of extra attempts on transport errors and 5xx answers
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// ConnectTimeout bounds connection establishment. Default: 20 seconds
	ConnectTimeout Duration `json:"connectTimeout,omitempty" yaml:"connect_timeout,omitempty"`

	// ReadTimeout bounds the wait for a response. Default: 40 seconds
	ReadTimeout Duration `json:"readTimeout,omitempty" yaml:"read_timeout,omitempty"`

	// Basic credentials
	BasicUser     string `json:"basicUser,omitempty" yaml:"basic_user,omitempty"`
	BasicPassword string `json:"basicPwd,omitempty" yaml:"basic_password,omitempty"`

	// Token exchange settings. TokenUser may be CurrentUserSentinel.
	TokenUser         string `json:"tokenUser,omitempty" yaml:"token_user,omitempty"`
	TokenClientID     string `json:"tokenClientId,omitempty" yaml:"token_client_id,omitempty"`
	TokenClientSecret string `json:"tokenClientSecret,omitempty" yaml:"token_client_secret,omitempty"`
	JWTSecret         string `json:"jwtSecret,omitempty" yaml:"jwt_secret,omitempty"`
}

// AuthKind derives the authentication scheme from the populated fields.
// Basic wins when both user and password are set.
func (c EndpointConfig) AuthKind() AuthKind {
	switch {
	case c.BasicUser != "" && c.BasicPassword != "":
		return AuthBasic
	case c.TokenClientID != "" || c.JWTSecret != "" || c.TokenUser != "":
		return AuthToken
	default:
		return AuthNone
	}
}

// Redacted returns a copy safe to display: secrets are masked.
func (c EndpointConfig) Redacted() EndpointConfig {
	c.BasicPassword = mask(c.BasicPassword)
	c.TokenClientSecret = mask(c.TokenClientSecret)
	c.JWTSecret = mask(c.JWTSecret)
	return c
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
}

// validate checks a single endpoint descriptor
func (c EndpointConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(c.Name, "/?#") {
		return fmt.Errorf("name '%s' must not contain '/', '?' or '#'", c.Name)
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("url '%s' must be absolute http(s)", c.URL)
	}

	switch c.AuthKind() {
	case AuthBasic:
	case AuthToken:
		var missing []string
		if c.TokenUser == "" {
			missing = append(missing, "token_user")
		}
		if c.TokenClientID == "" {
			missing = append(missing, "token_client_id")
		}
		if c.JWTSecret == "" {
			missing = append(missing, "jwt_secret")
		}
		if len(missing) > 0 {
			return fmt.Errorf("token authentication requires %s", strings.Join(missing, ", "))
		}
	default:
		return fmt.Errorf("either basic_user/basic_password or token settings are required")
	}

	return nil
}
