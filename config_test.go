package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigFromBytes_Defaults(t *testing.T) {
	cfg, err := ParseConfigFromBytes([]byte(`
endpoints:
  - name: hr
    url: https://hr.example.com/nuxeo
    basic_user: admin
    basic_password: secret
  - name: legal
    url: https://legal.example.com/nuxeo
    page_size: 10
    token_user: jdoe
    token_client_id: proxy
    jwt_secret: s3cret
`))
	require.NoError(t, err)

	assert.Equal(t, DefaultServerName, cfg.Server.Name)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultCallerHeader, cfg.Server.CallerHeader)
	assert.Equal(t, DefaultGatewayKey, cfg.Gateway.Key)
	require.NotNil(t, cfg.Search.AlwaysSearchLocal)
	assert.True(t, *cfg.Search.AlwaysSearchLocal)
	assert.False(t, cfg.Search.FullStackOnError)
	assert.Equal(t, DefaultEndpointTimeout, cfg.Search.EndpointTimeout.Std())
	assert.Equal(t, DefaultLocalName, cfg.Local.Name)
	assert.Equal(t, DefaultContextPath, cfg.Local.ContextPath)
	assert.Equal(t, DefaultPlaceholderPrefix, cfg.Local.PlaceholderPrefix)

	require.Len(t, cfg.Endpoints, 2)
	assert.Equal(t, AuthBasic, cfg.Endpoints[0].AuthKind())
	assert.Equal(t, DefaultPageSize, cfg.Endpoints[0].PageSize)
	assert.Equal(t, AuthToken, cfg.Endpoints[1].AuthKind())
	assert.Equal(t, 10, cfg.Endpoints[1].PageSize)
}

func TestParseConfigFromBytes_Search(t *testing.T) {
	cfg, err := ParseConfigFromBytes([]byte(`
search:
  always_search_local: false
  full_stack_on_error: true
  endpoint_timeout: 5s
  default_page_size: 20
`))
	require.NoError(t, err)

	assert.False(t, *cfg.Search.AlwaysSearchLocal)
	assert.True(t, cfg.Search.FullStackOnError)
	assert.Equal(t, 5*time.Second, cfg.Search.EndpointTimeout.Std())
	assert.Equal(t, 20, cfg.Local.PageSize)
}

func TestParseConfigFromBytes_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "duplicate names",
			yaml: `
endpoints:
  - {name: hr, url: "https://a.example.com/nuxeo", basic_user: u, basic_password: p}
  - {name: hr, url: "https://b.example.com/nuxeo", basic_user: u, basic_password: p}
`,
		},
		{
			name: "missing url",
			yaml: `
endpoints:
  - {name: hr, basic_user: u, basic_password: p}
`,
		},
		{
			name: "relative url",
			yaml: `
endpoints:
  - {name: hr, url: "hr.example.com", basic_user: u, basic_password: p}
`,
		},
		{
			name: "slash in name",
			yaml: `
endpoints:
  - {name: "h/r", url: "https://a.example.com/nuxeo", basic_user: u, basic_password: p}
`,
		},
		{
			name: "no credentials",
			yaml: `
endpoints:
  - {name: hr, url: "https://a.example.com/nuxeo"}
`,
		},
		{
			name: "incomplete token settings",
			yaml: `
endpoints:
  - {name: hr, url: "https://a.example.com/nuxeo", token_user: jdoe}
`,
		},
		{
			name: "gateway key with slash",
			yaml: `
gateway:
  key: a/b
`,
		},
		{
			name: "malformed yaml",
			yaml: "endpoints: [",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfigFromBytes([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestExpandVariable(t *testing.T) {
	t.Setenv("PROXY_TEST_SECRET", "from-env")
	t.Setenv("PROXY_TEST_BLANK", "   ")

	tests := []struct {
		name       string
		expression string
		expected   string
	}{
		{name: "literal", expression: "plain", expected: "plain"},
		{name: "set variable", expression: "${PROXY_TEST_SECRET}", expected: "from-env"},
		{name: "set variable with empty default", expression: "${PROXY_TEST_SECRET:=}", expected: "from-env"},
		{name: "unset variable", expression: "${PROXY_TEST_UNSET}", expected: "${PROXY_TEST_UNSET}"},
		{name: "blank variable", expression: "${PROXY_TEST_BLANK}", expected: "${PROXY_TEST_BLANK}"},
		{name: "sentinel", expression: "${" + CurrentUserSentinel + "}", expected: CurrentUserSentinel},
		{name: "sentinel with empty default", expression: "${" + CurrentUserSentinel + ":=}", expected: CurrentUserSentinel},
		{name: "embedded", expression: "prefix-${PROXY_TEST_SECRET}", expected: "prefix-${PROXY_TEST_SECRET}"},
		{name: "unterminated", expression: "${PROXY_TEST_SECRET", expected: "${PROXY_TEST_SECRET"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, expandVariable(tc.expression))
		})
	}
}

func TestParseConfigFromBytes_ExpandsEndpointVariables(t *testing.T) {
	t.Setenv("PROXY_TEST_URL", "https://hr.example.com/nuxeo")
	t.Setenv("PROXY_TEST_JWT", "jwt-secret")

	cfg, err := ParseConfigFromBytes([]byte(`
endpoints:
  - name: hr
    url: ${PROXY_TEST_URL}
    token_user: ${MULTI_NUXEO_APPS_JWT_CURRENT_USER:=}
    token_client_id: proxy
    jwt_secret: ${PROXY_TEST_JWT}
`))
	require.NoError(t, err)

	endpoint := cfg.Endpoints[0]
	assert.Equal(t, "https://hr.example.com/nuxeo", endpoint.URL)
	assert.Equal(t, CurrentUserSentinel, endpoint.TokenUser)
	assert.Equal(t, "jwt-secret", endpoint.JWTSecret)
}

func TestParseConfig_ResolvesDocumentsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
local:
  documents_file: documents.json
`), 0o600))

	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "documents.json"), cfg.Local.DocumentsFile)
}

func TestParseConfig_MissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEndpointConfig_Redacted(t *testing.T) {
	cfg := EndpointConfig{
		Name:          "hr",
		BasicUser:     "admin",
		BasicPassword: "secret",
		JWTSecret:     "jwt",
	}

	redacted := cfg.Redacted()
	assert.Equal(t, "admin", redacted.BasicUser)
	assert.Equal(t, "****", redacted.BasicPassword)
	assert.Equal(t, "****", redacted.JWTSecret)
	assert.Empty(t, redacted.TokenClientSecret)
	assert.Equal(t, "secret", cfg.BasicPassword)
}
