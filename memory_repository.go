package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var fulltextClause = regexp.MustCompile(`(?i)ecm:fulltext\s*=\s*'((?:[^'\\]|\\.)*)'`)

// MemoryRepository is a Repository over a fixed set of documents, loaded from
// a JSON file. It understands the fulltext clause of NXQL queries and treats
// page provider parameters as keywords and property filters.
type MemoryRepository struct {
	mu   sync.RWMutex
	docs []Document
}

// NewMemoryRepository creates a repository holding docs
func NewMemoryRepository(docs []Document) *MemoryRepository {
	return &MemoryRepository{docs: docs}
}

// LoadMemoryRepository reads documents from a JSON file holding either an
// array of documents or a "documents" result set.
func LoadMemoryRepository(path string) (*MemoryRepository, error) {
	data, err := os.ReadFile(expandPath(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read documents file '%s': %w", path, err)
	}

	docs, err := decodeDocuments(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse documents file '%s': %w", path, err)
	}

	return NewMemoryRepository(docs), nil
}

func decodeDocuments(data []byte) ([]Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var docs []Document
		if err := json.Unmarshal(trimmed, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}

	result, err := parseResultSet(trimmed)
	if err != nil {
		return nil, err
	}
	return result.Entries, nil
}

// Replace swaps the document set
func (m *MemoryRepository) Replace(docs []Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = docs
}

// Len returns the number of documents held
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}

func (m *MemoryRepository) Search(ctx context.Context, q LocalQuery) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	match, err := matcherFor(q)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matched []Document
	for _, doc := range m.docs {
		if match(doc) {
			matched = append(matched, doc)
		}
	}
	m.mu.RUnlock()

	pageSize := q.PageSize
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	pageIndex := max(q.PageIndex, 0)

	start := min(pageIndex*pageSize, len(matched))
	end := min(start+pageSize, len(matched))
	numberOfPages := (len(matched) + pageSize - 1) / pageSize

	page := matched[start:end]
	if page == nil {
		page = []Document{}
	}

	return json.Marshal(map[string]any{
		"entity-type":         DocumentsEntityType,
		"isPaginable":         true,
		"resultsCount":        len(matched),
		"pageSize":            pageSize,
		"currentPageIndex":    pageIndex,
		"numberOfPages":       numberOfPages,
		"isNextPageAvailable": pageIndex+1 < numberOfPages,
		"entries":             page,
	})
}

// matcherFor builds the document predicate of a query
func matcherFor(q LocalQuery) (func(Document) bool, error) {
	if q.Provider != "" {
		keywords := strings.Join(q.QueryParams, " ")
		named := q.NamedParams
		return func(doc Document) bool {
			if keywords != "" && !fulltextMatch(doc, keywords) {
				return false
			}
			return namedMatch(doc, named)
		}, nil
	}

	query := strings.TrimSpace(q.Query)
	if query == "" {
		return func(Document) bool { return true }, nil
	}
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT ") {
		return nil, fmt.Errorf("malformed query: %s", query)
	}

	m := fulltextClause.FindStringSubmatch(query)
	if m == nil {
		return func(Document) bool { return true }, nil
	}

	keywords := strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[1])
	return func(doc Document) bool {
		return fulltextMatch(doc, keywords)
	}, nil
}

// fulltextMatch reports whether every keyword appears, case-insensitively, in
// the title or one of the string properties of doc.
func fulltextMatch(doc Document, keywords string) bool {
	text := strings.ToLower(documentText(doc))
	for _, word := range strings.Fields(strings.ToLower(keywords)) {
		if !strings.Contains(text, word) {
			return false
		}
	}
	return true
}

func documentText(doc Document) string {
	var sb strings.Builder
	if title, ok := doc["title"].(string); ok {
		sb.WriteString(title)
	}

	props, _ := doc["properties"].(map[string]any)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := props[k].(string); ok {
			sb.WriteString(" ")
			sb.WriteString(s)
		}
	}
	return sb.String()
}

// namedMatch checks named parameters against top-level fields, then properties
func namedMatch(doc Document, named map[string]string) bool {
	props, _ := doc["properties"].(map[string]any)
	for name, want := range named {
		got, ok := doc[name]
		if !ok {
			got, ok = props[name]
		}
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}
