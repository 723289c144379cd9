package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
)

const (
	// DocumentsEntityType is the entity type of a result set
	DocumentsEntityType = "documents"

	// SourceInfoProperty is the key carrying per-source metadata in results and documents
	SourceInfoProperty = "sourceInfo"

	// StatusUnreachable is the status of entries whose endpoint could not be reached
	StatusUnreachable = -1

	// maxErrorBody caps error messages taken from response bodies
	maxErrorBody = 5 * 1024

	truncatedPrefix = "[TRUNCATED TO 5k] "
)

// Document is one matched item, kept as the decoded JSON tree
type Document = map[string]any

// Envelope is the aggregate answer: call parameters plus one Result per endpoint
type Envelope struct {
	CallParameters CallParameters `json:"callParameters"`
	Results        []*Result      `json:"results"`
}

// CallParameters echoes the normalized call for observability
type CallParameters struct {
	CallID       string   `json:"callId"`
	Applications []string `json:"applications"`
	Query        string   `json:"nxql,omitempty"`
	Keywords     string   `json:"fulltextSearchValues,omitempty"`
	Provider     string   `json:"pageProvider,omitempty"`
	QueryParams  string   `json:"queryParams,omitempty"`
	NamedParams  string   `json:"namedParams,omitempty"`
	Enrichers    string   `json:"enrichers"`
	Properties   string   `json:"properties"`
	PageIndex    int      `json:"pageIndex"`
	PageSize     int      `json:"pageSize"`
	Diagnostics  bool     `json:"fullStackOnError"`
	IncludeLocal bool     `json:"alwaysSearchLocal"`
}

// SourceInfo tags a result with the endpoint that produced it
type SourceInfo struct {
	AppName     string `json:"appName"`
	HTTPStatus  int    `json:"httpResponseStatus"`
	Message     string `json:"message,omitempty"`
	HasError    bool   `json:"hasError,omitempty"`
	ErrorDetail any    `json:"errorDetail,omitempty"`
}

// DocumentInfo is attached to every document under SourceInfoProperty
type DocumentInfo struct {
	AppName    string `json:"appName"`
	DocFullURL string `json:"docFullUrl,omitempty"`
}

// Result is one endpoint's entry in the envelope. Fields keeps any other
// top-level member of the result set (pagination counters and the like).
type Result struct {
	EntityType string
	Entries    []Document
	Fields     map[string]any
	SourceInfo SourceInfo
}

// Failed reports whether the entry describes a failure
func (r *Result) Failed() bool {
	return r.SourceInfo.HasError
}

func (r *Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["entity-type"] = r.EntityType
	entries := r.Entries
	if entries == nil {
		entries = []Document{}
	}
	out["entries"] = entries
	out[SourceInfoProperty] = r.SourceInfo
	return json.Marshal(out)
}

func (r *Result) UnmarshalJSON(data []byte) error {
	parsed, err := parseResultSet(data)
	if err != nil {
		return err
	}
	if raw, ok := parsed.Fields[SourceInfoProperty]; ok {
		delete(parsed.Fields, SourceInfoProperty)
		encoded, err := json.Marshal(raw)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(encoded, &parsed.SourceInfo); err != nil {
			return fmt.Errorf("invalid %s: %w", SourceInfoProperty, err)
		}
	}
	*r = *parsed
	return nil
}

// parseResultSet decodes a "documents" result set. Numbers are kept as json.Number
// so that digests, lengths and counters pass through unchanged.
func parseResultSet(body []byte) (*Result, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("malformed result set: %w", err)
	}
	if fields == nil {
		return nil, errors.New("malformed result set: not a JSON object")
	}

	result := &Result{EntityType: DocumentsEntityType, Fields: fields}
	if et, ok := fields["entity-type"].(string); ok {
		result.EntityType = et
	}
	delete(fields, "entity-type")

	if raw, ok := fields["entries"]; ok {
		delete(fields, "entries")
		items, ok := raw.([]any)
		if !ok && raw != nil {
			return nil, errors.New("malformed result set: entries is not an array")
		}
		result.Entries = make([]Document, 0, len(items))
		for i, item := range items {
			doc, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("malformed result set: entry %d is not an object", i)
			}
			result.Entries = append(result.Entries, doc)
		}
	}

	return result, nil
}

// failureResult builds an entry for a failed endpoint. entries is always an empty array.
func failureResult(appName string, status int, message string, detail any) *Result {
	return &Result{
		EntityType: DocumentsEntityType,
		Entries:    []Document{},
		SourceInfo: SourceInfo{
			AppName:     appName,
			HTTPStatus:  status,
			Message:     message,
			HasError:    true,
			ErrorDetail: detail,
		},
	}
}

// errorFailure converts err into a failure entry, with the error chain as detail
// when diagnostics are on.
func errorFailure(appName string, status int, err error, diagnostics bool) *Result {
	var detail any
	if diagnostics {
		detail = newErrorDetail(err)
	}
	return failureResult(appName, status, err.Error(), detail)
}

// errorMessage extracts a human message from an error body: the JSON "message"
// member when present, else the body itself, truncated unless full is set.
func errorMessage(body []byte, full bool) string {
	var structured struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &structured); err == nil && structured.Message != "" {
		return structured.Message
	}

	if !full && len(body) > maxErrorBody {
		return truncatedPrefix + string(body[:maxErrorBody])
	}
	return string(body)
}

// ErrorDetail is the diagnostic form of an error chain
type ErrorDetail struct {
	Type    string       `json:"className"`
	Message string       `json:"message"`
	Stack   []string     `json:"stackTrace,omitempty"`
	Cause   *ErrorDetail `json:"cause,omitempty"`
}

// newErrorDetail walks the wrap chain of err. The stack is captured once, at the
// point the failure entry is built.
func newErrorDetail(err error) *ErrorDetail {
	root := chainDetail(err)
	if root != nil {
		root.Stack = callers(3)
	}
	return root
}

func chainDetail(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	return &ErrorDetail{
		Type:    fmt.Sprintf("%T", err),
		Message: err.Error(),
		Cause:   chainDetail(errors.Unwrap(err)),
	}
}

func callers(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		stack = append(stack, fmt.Sprintf("%s (%s:%d)", frame.Function, frame.File, frame.Line))
		if !more {
			break
		}
	}
	return stack
}
