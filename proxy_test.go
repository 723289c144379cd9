package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProxy(t *testing.T, endpoints []EndpointConfig, opts ...ServiceOption) *httptest.Server {
	t.Helper()
	service := newTestService(t, endpoints, opts...)
	p, err := NewServer(service)
	require.NoError(t, err)

	server := httptest.NewServer(p.Handler())
	t.Cleanup(server.Close)
	return server
}

func noRedirectClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func decodeEnvelope(t *testing.T, resp *http.Response) *Envelope {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return &envelope
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

func TestAPI_SearchGet(t *testing.T) {
	hr := newSearchRemote(t)
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	q := url.Values{}
	q.Set("keywords", "annual")
	q.Set("enrichers", "thumbnail")
	q.Set("pageSize", "10")
	q.Set("alwaysSearchLocal", "false")

	resp, err := http.Get(server.URL + "/api/search?" + q.Encode())
	require.NoError(t, err)
	envelope := decodeEnvelope(t, resp)

	assert.Equal(t, []string{"hr"}, appNames(envelope))
	assert.Equal(t, "thumbnail", envelope.CallParameters.Enrichers)
	assert.Equal(t, 10, envelope.CallParameters.PageSize)
	require.Len(t, envelope.Results[0].Entries, 1)

	req := hr.recorded()[0]
	assert.Equal(t, "thumbnail", req.Header.Get("enrichers.document"))
	assert.Equal(t, "10", req.URL.Query().Get("pageSize"))
}

func TestAPI_SearchPost(t *testing.T) {
	hr := newSearchRemote(t)
	adhoc := newSearchRemote(t)
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	body, err := json.Marshal(map[string]any{
		"nxql":      "SELECT * FROM File",
		"endpoints": []EndpointConfig{adhoc.endpointConfig("adhoc")},
	})
	require.NoError(t, err)

	resp, err := http.Post(server.URL+"/api/search", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	envelope := decodeEnvelope(t, resp)

	assert.Equal(t, []string{"adhoc"}, appNames(envelope))
	assert.Empty(t, hr.recorded())
	assert.Equal(t, "SELECT * FROM File", adhoc.recorded()[0].URL.Query().Get("query"))
}

func TestAPI_SearchErrors(t *testing.T) {
	hr := newSearchRemote(t)
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	tests := []struct {
		name   string
		do     func() (*http.Response, error)
		status int
		error  string
	}{
		{
			name:   "no criteria",
			do:     func() (*http.Response, error) { return http.Get(server.URL + "/api/search") },
			status: http.StatusBadRequest,
			error:  "can't be empty",
		},
		{
			name:   "unknown application",
			do:     func() (*http.Response, error) { return http.Get(server.URL + "/api/search?keywords=x&apps=finance") },
			status: http.StatusBadRequest,
			error:  "finance",
		},
		{
			name:   "bad page index",
			do:     func() (*http.Response, error) { return http.Get(server.URL + "/api/search?keywords=x&pageIndex=two") },
			status: http.StatusBadRequest,
			error:  "pageIndex",
		},
		{
			name: "malformed body",
			do: func() (*http.Response, error) {
				return http.Post(server.URL+"/api/search", "application/json", strings.NewReader("{"))
			},
			status: http.StatusBadRequest,
			error:  "body",
		},
		{
			name:   "provider missing",
			do:     func() (*http.Response, error) { return http.Get(server.URL + "/api/search/pp") },
			status: http.StatusBadRequest,
			error:  "provider",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := tc.do()
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Contains(t, errorBody(t, resp), tc.error)
		})
	}
}

func TestAPI_SearchByProvider(t *testing.T) {
	hr := newSearchRemote(t)
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	resp, err := http.Get(server.URL + "/api/search/pp?provider=default_search&queryParams=a,b&np.dc_creator=jdoe&alwaysSearchLocal=false")
	require.NoError(t, err)
	envelope := decodeEnvelope(t, resp)

	assert.Equal(t, "default_search", envelope.CallParameters.Provider)
	assert.Equal(t, "dc_creator=jdoe", envelope.CallParameters.NamedParams)

	req := hr.recorded()[0]
	assert.Equal(t, "/nuxeo/api/v1/search/pp/default_search/execute", req.URL.Path)
	assert.Equal(t, "a,b", req.URL.Query().Get("queryParams"))
	assert.Equal(t, "jdoe", req.URL.Query().Get("dc_creator"))
}

func TestAPI_AppsAndTuning(t *testing.T) {
	hr := newSearchRemote(t)
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	resp, err := http.Get(server.URL + "/api/apps")
	require.NoError(t, err)
	defer resp.Body.Close()
	var apps []EndpointConfig
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apps))
	require.Len(t, apps, 1)
	assert.Equal(t, "****", apps[0].BasicPassword)

	req, err := http.NewRequest(http.MethodPut, server.URL+"/api/tuning", strings.NewReader(`{"fullStackOnError":true}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var previous TuningValues
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&previous))
	assert.Equal(t, TuningValues{FullStackOnError: false, AlwaysSearchLocal: true}, previous)

	resp, err = http.Get(server.URL + "/api/tuning")
	require.NoError(t, err)
	defer resp.Body.Close()
	var current TuningValues
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&current))
	assert.Equal(t, TuningValues{FullStackOnError: true, AlwaysSearchLocal: true}, current)
}

func TestAPI_CallerIdentity(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(r.FormValue("assertion"), claims, func(*jwt.Token) (any, error) {
			return []byte("jwt-secret"), nil
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		writeResultSet(w, `{"access_token":"token-`+claims.Subject+`","token_type":"bearer","expires_in":3600}`)
	})
	remote.handle("/nuxeo/api/v1/search/execute", func(w http.ResponseWriter, r *http.Request) {
		writeResultSet(w, `{"entity-type":"documents","entries":[]}`)
	})

	server := newTestProxy(t, []EndpointConfig{tokenConfig(remote.URL, CurrentUserSentinel)})
	searchURL := server.URL + "/api/search?keywords=x&alwaysSearchLocal=false"

	resp, err := http.Get(searchURL)
	require.NoError(t, err)
	envelope := decodeEnvelope(t, resp)
	require.Len(t, envelope.Results, 1)
	assert.True(t, envelope.Results[0].Failed(), "no caller header means no identity for the token")
	assert.Empty(t, remote.recorded())

	req, err := http.NewRequest(http.MethodGet, searchURL, nil)
	require.NoError(t, err)
	req.Header.Set(DefaultCallerHeader, "jdoe")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	envelope = decodeEnvelope(t, resp)
	require.Len(t, envelope.Results, 1)
	assert.False(t, envelope.Results[0].Failed(), envelope.Results[0].SourceInfo.Message)

	requests := remote.recorded()
	require.Len(t, requests, 2)
	assert.Equal(t, "/nuxeo/oauth2/token", requests[0].URL.Path)
	assert.Equal(t, "Bearer token-jdoe", requests[1].Header.Get("Authorization"))
}

func TestGateway_RelaysRedirect(t *testing.T) {
	hr := newSearchRemote(t)
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	resp, err := noRedirectClient().Get(server.URL + "/multiNxApps/hr/nxfile/default/42/file:content/report.pdf")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, hr.URL+"/storage/42", resp.Header.Get("Location"))

	for _, req := range hr.recorded() {
		assert.NotEqual(t, "/storage/42", req.URL.Path, "the proxy never fetches the storage location itself")
	}
}

func TestGateway_StreamsBlob(t *testing.T) {
	hr := newSearchRemote(t)
	hr.handle("/nuxeo/nxfile/default/7/file:content/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''r%C3%A9sum%C3%A9.txt`)
		io.WriteString(w, "hello")
	})
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	resp, err := http.Get(server.URL + "/multiNxApps/hr/nxfile/default/7/file:content/x.txt?changeToken=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, `inline; filename="r_sum_.txt"; filename*=UTF-8''r%C3%A9sum%C3%A9.txt`, resp.Header.Get("Content-Disposition"))
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	var blobReq *http.Request
	for _, req := range hr.recorded() {
		if strings.HasPrefix(req.URL.Path, "/nuxeo/nxfile/default/7/") {
			blobReq = req
		}
	}
	require.NotNil(t, blobReq)
	assert.Equal(t, "2", blobReq.URL.Query().Get("changeToken"))
	assert.Equal(t, "download", blobReq.URL.Query().Get("clientReason"))
}

func TestGateway_Errors(t *testing.T) {
	hr := newSearchRemote(t)
	hr.handle("/nuxeo/nxfile/broken", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := newTestProxy(t, []EndpointConfig{hr.endpointConfig("hr")})

	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{name: "unknown application", method: http.MethodGet, path: "/multiNxApps/finance/nxfile/x", status: http.StatusNotFound},
		{name: "remote 404", method: http.MethodGet, path: "/multiNxApps/hr/nxfile/missing", status: http.StatusNotFound},
		{name: "remote 500", method: http.MethodGet, path: "/multiNxApps/hr/nxfile/broken", status: http.StatusBadGateway},
		{name: "missing path", method: http.MethodGet, path: "/multiNxApps/hr/", status: http.StatusBadRequest},
		{name: "wrong method", method: http.MethodPost, path: "/multiNxApps/hr/nxfile/x", status: http.StatusMethodNotAllowed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req, err := http.NewRequest(tc.method, server.URL+tc.path, nil)
			require.NoError(t, err)
			resp, err := noRedirectClient().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestNewServerFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "documents.json"), []byte(`[{"uid":"1","title":"Annual plan"}]`), 0o600))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  name: Test Proxy
  addr: 127.0.0.1:0
local:
  documents_file: documents.json
`), 0o600))

	p, err := NewServerFromConfigFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Test Proxy", p.config.Name)
	assert.Equal(t, path, p.configFile)

	envelope, err := p.Service().Search(context.Background(), "", SearchCriteria{Keywords: "plan"})
	require.NoError(t, err)
	require.Len(t, envelope.Results, 1)
	assert.Len(t, envelope.Results[0].Entries, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))
	cancel()
	p.Close()
}

func TestNewServerFromConfig_MissingDocuments(t *testing.T) {
	_, err := NewServerFromConfig(&Config{Local: &LocalConfig{DocumentsFile: filepath.Join(t.TempDir(), "missing.json")}})
	assert.Error(t, err)
}

func TestNewServer_RequiresService(t *testing.T) {
	_, err := NewServer(nil)
	assert.Error(t, err)
}
