package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResultSet = `{
  "entity-type": "documents",
  "isPaginable": true,
  "resultsCount": 1,
  "currentPageIndex": 0,
  "entries": [
    {
      "entity-type": "document",
      "uid": "42",
      "title": "Annual report",
      "type": "File",
      "properties": {
        "file:content": {
          "name": "report.pdf",
          "mime-type": "application/pdf",
          "digestAlgorithm": "MD5",
          "digest": "0cc175b9c0f1b6a831c399e269772661",
          "length": "1024",
          "data": "https://hr.example.com/nuxeo/nxfile/default/42/file:content/report.pdf",
          "blobUrl": "https://hr.example.com/nuxeo/nxfile/default/42/file:content/report.pdf"
        }
      }
    }
  ]
}`

// fakeRemote is a repository server recording the requests it receives
type fakeRemote struct {
	*httptest.Server
	router *mux.Router

	mu       sync.Mutex
	requests []*http.Request
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{router: mux.NewRouter()}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Clone(context.Background()))
		f.mu.Unlock()
		f.router.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRemote) handle(path string, handler http.HandlerFunc) {
	f.router.HandleFunc(path, handler)
}

func (f *fakeRemote) recorded() []*http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Request(nil), f.requests...)
}

func (f *fakeRemote) endpointConfig(name string) EndpointConfig {
	return EndpointConfig{
		Name:          name,
		URL:           f.URL + "/nuxeo",
		PageSize:      25,
		BasicUser:     "admin",
		BasicPassword: "secret",
	}
}

func writeResultSet(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func TestRemoteEndpoint_Search(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/api/v1/search/execute", func(w http.ResponseWriter, r *http.Request) {
		writeResultSet(w, sampleResultSet)
	})

	endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
	result := endpoint.Search(context.Background(), Call{
		Query:      "SELECT * FROM Document",
		Enrichers:  "thumbnail",
		Properties: "dublincore",
		PageIndex:  2,
	})

	require.False(t, result.Failed(), result.SourceInfo.Message)
	assert.Equal(t, "hr", result.SourceInfo.AppName)
	assert.Equal(t, http.StatusOK, result.SourceInfo.HTTPStatus)
	assert.Equal(t, true, result.Fields["isPaginable"])

	requests := remote.recorded()
	require.Len(t, requests, 1)
	req := requests[0]
	assert.Equal(t, "SELECT * FROM Document", req.URL.Query().Get("query"))
	assert.Equal(t, "2", req.URL.Query().Get("currentPageIndex"))
	assert.Equal(t, "25", req.URL.Query().Get("pageSize"))
	assert.Equal(t, "thumbnail", req.Header.Get("enrichers.document"))
	assert.Equal(t, "dublincore", req.Header.Get("properties"))
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	user, password, ok := req.BasicAuth()
	assert.True(t, ok)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "secret", password)

	require.Len(t, result.Entries, 1)
	doc := result.Entries[0]
	info, ok := doc[SourceInfoProperty].(DocumentInfo)
	require.True(t, ok)
	assert.Equal(t, "hr", info.AppName)
	assert.Equal(t, remote.URL+"/nuxeo/ui/#!/doc/42", info.DocFullURL)

	content := doc["properties"].(map[string]any)["file:content"].(map[string]any)
	assert.Equal(t, "/multiNxApps/hr/nxfile/default/42/file:content/report.pdf", content["data"])
}

func TestRemoteEndpoint_SearchByProvider(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/api/v1/search/pp/{provider}/execute", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "default_search", mux.Vars(r)["provider"])
		writeResultSet(w, `{"entity-type":"documents","entries":[]}`)
	})

	endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
	result := endpoint.SearchByProvider(context.Background(), Call{
		Provider:    "default_search",
		QueryParams: []string{"a", "b"},
		NamedParams: map[string]string{"dc_creator": "jdoe"},
		PageSize:    5,
	})

	require.False(t, result.Failed(), result.SourceInfo.Message)
	assert.Empty(t, result.Entries)

	req := remote.recorded()[0]
	assert.Equal(t, "a,b", req.URL.Query().Get("queryParams"))
	assert.Equal(t, "jdoe", req.URL.Query().Get("dc_creator"))
	assert.Equal(t, "5", req.URL.Query().Get("pageSize"))
	assert.Equal(t, "", req.Header.Get("enrichers.document"))
}

func TestRemoteEndpoint_SearchFailures(t *testing.T) {
	large := strings.Repeat("x", 6*1024)

	tests := []struct {
		name          string
		status        int
		body          string
		diagnostics   bool
		expectStatus  int
		expectMessage string
		expectDetail  bool
	}{
		{
			name:          "json error message",
			status:        http.StatusInternalServerError,
			body:          `{"message":"bad query"}`,
			expectStatus:  http.StatusInternalServerError,
			expectMessage: "bad query",
		},
		{
			name:          "large body is truncated",
			status:        http.StatusBadRequest,
			body:          large,
			expectStatus:  http.StatusBadRequest,
			expectMessage: truncatedPrefix + large[:maxErrorBody],
		},
		{
			name:          "large body kept with diagnostics",
			status:        http.StatusBadRequest,
			body:          large,
			diagnostics:   true,
			expectStatus:  http.StatusBadRequest,
			expectMessage: large,
			expectDetail:  true,
		},
		{
			name:          "malformed success body",
			status:        http.StatusOK,
			body:          `{"entries": 12}`,
			expectStatus:  http.StatusOK,
			expectMessage: "malformed result set: entries is not an array",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			remote := newFakeRemote(t)
			remote.handle("/nuxeo/api/v1/search/execute", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			})

			endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
			result := endpoint.Search(context.Background(), Call{Query: "SELECT * FROM Document", Diagnostics: tc.diagnostics})

			require.True(t, result.Failed())
			assert.Equal(t, "hr", result.SourceInfo.AppName)
			assert.Equal(t, tc.expectStatus, result.SourceInfo.HTTPStatus)
			assert.Equal(t, tc.expectMessage, result.SourceInfo.Message)
			assert.NotNil(t, result.Entries)
			assert.Empty(t, result.Entries)
			if tc.expectDetail {
				assert.NotNil(t, result.SourceInfo.ErrorDetail)
			} else {
				assert.Nil(t, result.SourceInfo.ErrorDetail)
			}
		})
	}
}

func TestRemoteEndpoint_SearchBodyLimit(t *testing.T) {
	previous := maxResultBody
	maxResultBody = 64
	t.Cleanup(func() { maxResultBody = previous })

	remote := newFakeRemote(t)
	remote.handle("/nuxeo/api/v1/search/execute", func(w http.ResponseWriter, r *http.Request) {
		writeResultSet(w, sampleResultSet)
	})

	result := NewRemoteEndpoint(remote.endpointConfig("hr")).Search(context.Background(), Call{Query: "SELECT * FROM Document"})

	require.True(t, result.Failed())
	assert.Equal(t, http.StatusOK, result.SourceInfo.HTTPStatus)
	assert.Equal(t, "response exceeds 64 bytes", result.SourceInfo.Message)
	assert.Empty(t, result.Entries)
}

func TestRemoteEndpoint_SearchDiagnosticsDetail(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/api/v1/search/execute", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"message":"bad query","status":500}`)
	})

	endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
	result := endpoint.Search(context.Background(), Call{Query: "SELECT", Diagnostics: true})

	detail, ok := result.SourceInfo.ErrorDetail.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bad query", detail["message"])
}

func TestRemoteEndpoint_Unreachable(t *testing.T) {
	remote := newFakeRemote(t)
	cfg := remote.endpointConfig("hr")
	remote.Close()

	result := NewRemoteEndpoint(cfg).Search(context.Background(), Call{Query: "SELECT", Diagnostics: true})

	require.True(t, result.Failed())
	assert.Equal(t, StatusUnreachable, result.SourceInfo.HTTPStatus)
	detail, ok := result.SourceInfo.ErrorDetail.(*ErrorDetail)
	require.True(t, ok)
	assert.NotEmpty(t, detail.Stack)
}

type failingAuth struct{ status int }

func (f failingAuth) HeaderValue(context.Context, string) (string, error) {
	return "", &AuthError{Endpoint: "hr", Status: f.status, Err: errors.New("denied")}
}

func TestRemoteEndpoint_AuthFailure(t *testing.T) {
	remote := newFakeRemote(t)

	result := NewRemoteEndpoint(remote.endpointConfig("hr"), WithAuthProvider(failingAuth{status: 401})).
		Search(context.Background(), Call{Query: "SELECT"})
	require.True(t, result.Failed())
	assert.Equal(t, 401, result.SourceInfo.HTTPStatus)

	result = NewRemoteEndpoint(remote.endpointConfig("hr"), WithAuthProvider(failingAuth{})).
		Search(context.Background(), Call{Query: "SELECT"})
	assert.Equal(t, StatusUnreachable, result.SourceInfo.HTTPStatus)

	assert.Empty(t, remote.recorded(), "no search request is sent without credentials")
}

func TestRemoteEndpoint_FetchBlob(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/nxfile/default/42/file:content/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename*=UTF-8''annual%20report.pdf`)
		fmt.Fprint(w, "%PDF-1.4")
	})

	endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
	blob, err := endpoint.FetchBlob(context.Background(), "/nxfile/default/42/file:content/report.pdf?changeToken=1", false)
	require.NoError(t, err)
	defer blob.Close()

	assert.Nil(t, blob.Redirect)
	assert.Equal(t, "application/pdf", blob.MIMEType)
	assert.Equal(t, "annual report.pdf", blob.Filename)
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4", string(data))

	req := remote.recorded()[0]
	assert.Equal(t, "download", req.URL.Query().Get("clientReason"))
	assert.Equal(t, "1", req.URL.Query().Get("changeToken"))
	assert.NotEmpty(t, req.Header.Get("Authorization"))
}

func TestRemoteEndpoint_FetchBlobSniffsType(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/nxfile/default/1/file:content/page.html", func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		fmt.Fprint(w, "<html><body>hello</body></html>")
	})

	blob, err := NewRemoteEndpoint(remote.endpointConfig("hr")).
		FetchBlob(context.Background(), "/nxfile/default/1/file:content/page.html", false)
	require.NoError(t, err)
	defer blob.Close()

	assert.Equal(t, "text/html; charset=utf-8", blob.MIMEType)
	assert.Equal(t, "page.html", blob.Filename)
	data, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, "<html><body>hello</body></html>", string(data))
}

func TestRemoteEndpoint_FetchBlobRedirect(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/nxfile/default/42/file:content/report.pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/storage/bucket/42?signature=abc")
		w.WriteHeader(http.StatusFound)
	})
	remote.handle("/storage/bucket/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Disposition", `attachment; filename="stored.pdf"`)
		fmt.Fprint(w, "stored bytes")
	})

	t.Run("relayed", func(t *testing.T) {
		endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
		before := len(remote.recorded())

		blob, err := endpoint.FetchBlob(context.Background(), "/nxfile/default/42/file:content/report.pdf", false)
		require.NoError(t, err)

		require.NotNil(t, blob.Redirect)
		assert.Equal(t, http.StatusFound, blob.Redirect.Status)
		assert.Equal(t, remote.URL+"/storage/bucket/42?signature=abc", blob.Redirect.Location)
		assert.Nil(t, blob.Body)
		assert.Len(t, remote.recorded(), before+1, "the redirect target is not requested")
	})

	t.Run("followed", func(t *testing.T) {
		endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))
		before := len(remote.recorded())

		blob, err := endpoint.FetchBlob(context.Background(), "/nxfile/default/42/file:content/report.pdf", true)
		require.NoError(t, err)
		defer blob.Close()

		assert.Nil(t, blob.Redirect)
		assert.Equal(t, "stored.pdf", blob.Filename)
		data, err := io.ReadAll(blob.Body)
		require.NoError(t, err)
		assert.Equal(t, "stored bytes", string(data))

		requests := remote.recorded()[before:]
		require.Len(t, requests, 2)
		assert.Equal(t, "/storage/bucket/42", requests[1].URL.Path)
		assert.Empty(t, requests[1].Header.Get("Authorization"))
	})
}

func TestRemoteEndpoint_FetchBlobErrors(t *testing.T) {
	remote := newFakeRemote(t)
	remote.handle("/nuxeo/nxfile/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	remote.handle("/nuxeo/nxfile/broken-redirect", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	})

	endpoint := NewRemoteEndpoint(remote.endpointConfig("hr"))

	_, err := endpoint.FetchBlob(context.Background(), "/nxfile/missing", false)
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, http.StatusNotFound, fetchErr.Status)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = endpoint.FetchBlob(context.Background(), "/nxfile/broken-redirect", true)
	var redirectErr *RedirectError
	require.True(t, errors.As(err, &redirectErr))
	assert.Equal(t, http.StatusFound, redirectErr.Status)
}
