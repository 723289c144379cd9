package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const maxRequestBody = 1 << 20

// SearchRequest is the body of POST /api/search. Endpoints, when set, replaces
// the configured endpoints for this call and Apps is ignored.
type SearchRequest struct {
	Apps      string           `json:"apps,omitempty"`
	Endpoints []EndpointConfig `json:"endpoints,omitempty"`
	SearchCriteria
}

// ProviderRequest is the body of POST /api/search/pp
type ProviderRequest struct {
	Apps string `json:"apps,omitempty"`
	ProviderCriteria
}

// API serves the JSON surface of the service
type API struct {
	service      *Service
	callerHeader string
	logger       *slog.Logger
}

// NewAPI creates the JSON handlers. callerHeader names the request header
// carrying the authenticated user.
func NewAPI(service *Service, callerHeader string, logger *slog.Logger) *API {
	if callerHeader == "" {
		callerHeader = DefaultCallerHeader
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &API{service: service, callerHeader: callerHeader, logger: logger}
}

// WithCallerIdentity stores the user named by the caller header in the request context
func (a *API) WithCallerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := strings.TrimSpace(r.Header.Get(a.callerHeader)); user != "" {
			r = r.WithContext(WithCaller(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}

// Search handles GET and POST /api/search
func (a *API) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	var err error
	if r.Method == http.MethodPost {
		err = decodeBody(r, &req)
	} else {
		err = searchRequestFromQuery(r.URL.Query(), &req)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}

	var envelope *Envelope
	if len(req.Endpoints) > 0 {
		envelope, err = a.service.SearchWith(r.Context(), req.Endpoints, req.SearchCriteria)
	} else {
		envelope, err = a.service.Search(r.Context(), req.Apps, req.SearchCriteria)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, envelope)
}

// SearchByProvider handles GET and POST /api/search/pp
func (a *API) SearchByProvider(w http.ResponseWriter, r *http.Request) {
	var req ProviderRequest
	var err error
	if r.Method == http.MethodPost {
		err = decodeBody(r, &req)
	} else {
		err = providerRequestFromQuery(r.URL.Query(), &req)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}

	envelope, err := a.service.SearchByProvider(r.Context(), req.Apps, req.ProviderCriteria)
	if err != nil {
		a.writeError(w, err)
		return
	}

	a.writeJSON(w, http.StatusOK, envelope)
}

// Apps handles GET /api/apps
func (a *API) Apps(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.service.Apps())
}

// Tuning handles GET and PUT /api/tuning. PUT answers with the previous values.
func (a *API) Tuning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		a.writeJSON(w, http.StatusOK, a.service.Tuning())
		return
	}

	var t Tuning
	if err := decodeBody(r, &t); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, a.service.Tune(t))
}

func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return &ValidationError{Field: "body", Message: err.Error()}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func searchRequestFromQuery(q url.Values, req *SearchRequest) error {
	req.Apps = q.Get("apps")
	req.Query = q.Get("nxql")
	req.Keywords = firstOf(q, "fulltextSearchValues", "keywords")
	req.ActingUser = q.Get("actingUser")
	req.Enrichers = optionalString(q, "enrichers")
	req.Properties = optionalString(q, "properties")

	var err error
	if req.PageIndex, err = optionalInt(q, "pageIndex"); err != nil {
		return err
	}
	if req.PageSize, err = optionalInt(q, "pageSize"); err != nil {
		return err
	}
	if req.Diagnostics, err = optionalBool(q, "fullStackOnError"); err != nil {
		return err
	}
	if req.IncludeLocal, err = optionalBool(q, "alwaysSearchLocal"); err != nil {
		return err
	}
	return nil
}

// providerRequestFromQuery reads named parameters from "np.<name>" keys
func providerRequestFromQuery(q url.Values, req *ProviderRequest) error {
	req.Apps = q.Get("apps")
	req.Provider = firstOf(q, "provider", "pageProvider")
	req.QueryParams = splitList(q.Get("queryParams"))
	req.ActingUser = q.Get("actingUser")
	req.Enrichers = optionalString(q, "enrichers")
	req.Properties = optionalString(q, "properties")

	for key, values := range q {
		if name, ok := strings.CutPrefix(key, "np."); ok && name != "" && len(values) > 0 {
			if req.NamedParams == nil {
				req.NamedParams = make(map[string]string)
			}
			req.NamedParams[name] = values[0]
		}
	}

	var err error
	if req.PageIndex, err = optionalInt(q, "pageIndex"); err != nil {
		return err
	}
	if req.PageSize, err = optionalInt(q, "pageSize"); err != nil {
		return err
	}
	if req.Diagnostics, err = optionalBool(q, "fullStackOnError"); err != nil {
		return err
	}
	if req.IncludeLocal, err = optionalBool(q, "alwaysSearchLocal"); err != nil {
		return err
	}
	return nil
}

func firstOf(q url.Values, keys ...string) string {
	for _, key := range keys {
		if v := q.Get(key); v != "" {
			return v
		}
	}
	return ""
}

func optionalString(q url.Values, key string) *string {
	if !q.Has(key) {
		return nil
	}
	v := q.Get(key)
	return &v
}

func optionalInt(q url.Values, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ValidationError{Field: key, Message: fmt.Sprintf("%q is not an integer", v)}
	}
	return n, nil
}

func optionalBool(q url.Values, key string) (*bool, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, &ValidationError{Field: key, Message: fmt.Sprintf("%q is not a boolean", v)}
	}
	return &b, nil
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := httpStatusFor(err)
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) && status >= 500 {
		a.logger.Error("request failed", "error", err)
	}
	a.writeJSON(w, status, map[string]string{"error": err.Error()})
}
