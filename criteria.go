package proxy

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// DefaultPageSize applies when neither the call nor the endpoint sets a page size
	DefaultPageSize = 50

	// NullMarker stands for an unset value in CallParameters
	NullMarker = "(null)"

	// AllEndpoints selects every configured endpoint
	AllEndpoints = "all"
)

// SearchCriteria describes one logical search sent to every selected endpoint.
// Exactly one of Query and Keywords is required.
type SearchCriteria struct {
	// Query is a literal NXQL expression
	Query string `json:"nxql,omitempty"`

	// Keywords is free text; a default fulltext query is derived from it
	Keywords string `json:"fulltextSearchValues,omitempty"`

	// Enrichers and Properties are comma separated lists forwarded as headers.
	// nil means unset; both are sent as explicit empty values when unset.
	Enrichers  *string `json:"enrichers,omitempty"`
	Properties *string `json:"properties,omitempty"`

	PageIndex int `json:"pageIndex,omitempty"`
	PageSize  int `json:"pageSize,omitempty"`

	// ActingUser overrides the token user of token-exchange endpoints for this call
	ActingUser string `json:"actingUser,omitempty"`

	// Diagnostics and IncludeLocal override the service defaults for this call
	Diagnostics  *bool `json:"fullStackOnError,omitempty"`
	IncludeLocal *bool `json:"alwaysSearchLocal,omitempty"`
}

// ProviderCriteria runs a named page provider instead of a literal query
type ProviderCriteria struct {
	Provider    string            `json:"provider"`
	QueryParams []string          `json:"queryParams,omitempty"`
	NamedParams map[string]string `json:"namedParameters,omitempty"`

	Enrichers  *string `json:"enrichers,omitempty"`
	Properties *string `json:"properties,omitempty"`

	PageIndex int `json:"pageIndex,omitempty"`
	PageSize  int `json:"pageSize,omitempty"`

	ActingUser   string `json:"actingUser,omitempty"`
	Diagnostics  *bool  `json:"fullStackOnError,omitempty"`
	IncludeLocal *bool  `json:"alwaysSearchLocal,omitempty"`
}

// Call is the normalized, per-endpoint view of a search. Endpoints receive it
// by value; nothing in it is shared mutable state.
type Call struct {
	Query       string
	Keywords    string
	Provider    string
	QueryParams []string
	NamedParams map[string]string
	Enrichers   string
	Properties  string
	PageIndex   int
	PageSize    int
	ActingUser  string
	Diagnostics bool
}

// pageSizeFor returns the page size to send to an endpoint whose default is fallback
func (c Call) pageSizeFor(fallback int) int {
	if c.PageSize >= 1 {
		return c.PageSize
	}
	if fallback >= 1 {
		return fallback
	}
	return DefaultPageSize
}

// Validate rejects criteria without a query and without keywords
func (c SearchCriteria) Validate() error {
	if strings.TrimSpace(c.Query) == "" && strings.TrimSpace(c.Keywords) == "" {
		return &ValidationError{Field: "criteria", Message: "both fulltext keywords and nxql can't be empty"}
	}
	return nil
}

// Validate rejects provider criteria without a provider name
func (c ProviderCriteria) Validate() error {
	if strings.TrimSpace(c.Provider) == "" {
		return &ValidationError{Field: "provider", Message: "a page provider is required"}
	}
	return nil
}

// DefaultQuery is the fulltext query derived from free-text keywords. Hidden,
// trashed, version and proxy documents are excluded.
func DefaultQuery(keywords string) string {
	escaped := strings.ReplaceAll(keywords, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return fmt.Sprintf("SELECT * FROM Document WHERE ecm:fulltext='%s'"+
		" AND ecm:isVersion = 0 AND ecm:isProxy = 0 AND ecm:isTrashed = 0"+
		" AND ecm:mixinType != 'HiddenInNavigation'", escaped)
}

func normalizePage(index, size int) (int, int) {
	if index < 0 {
		index = 0
	}
	if size < 1 {
		size = 0
	}
	return index, size
}

func derefOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefOrNull(s *string) string {
	if s == nil {
		return NullMarker
	}
	return *s
}

func orNull(s string) string {
	if s == "" {
		return NullMarker
	}
	return s
}

func boolOr(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// ParseSelector splits a comma separated endpoint selector. An empty selector
// or "all" yields nil, meaning every configured endpoint.
func ParseSelector(selector string) []string {
	selector = strings.TrimSpace(selector)
	if selector == "" || strings.EqualFold(selector, AllEndpoints) {
		return nil
	}

	var names []string
	seen := make(map[string]bool)
	for _, name := range strings.Split(selector, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		if strings.EqualFold(name, AllEndpoints) {
			return nil
		}
		seen[name] = true
		names = append(names, name)
	}
	return names
}

func formatNamedParams(params map[string]string) string {
	if len(params) == 0 {
		return NullMarker
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return strings.Join(pairs, ",")
}
