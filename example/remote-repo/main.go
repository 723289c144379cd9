// Command remote-repo is a small stand-in for a remote repository server. It
// answers the search, page provider, token and blob endpoints the proxy calls,
// which is enough to try the proxy without a real server.
package main

import (
	"crypto/md5"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
)

type document struct {
	UID        string         `json:"uid"`
	Title      string         `json:"title"`
	Type       string         `json:"type"`
	Path       string         `json:"path"`
	Properties map[string]any `json:"properties"`
	content    string
	filename   string
}

var (
	addr        = flag.String("addr", ":8181", "listen address")
	contextPath = flag.String("context-path", "/nuxeo", "context path of the server")
	publicURL   = flag.String("public-url", "http://localhost:8181", "URL under which this server is reachable")

	documents []*document
)

func initDemoData() {
	add := func(uid, title, docType, filename, content string) {
		blobURL := fmt.Sprintf("%s%s/nxfile/default/%s/file:content/%s", *publicURL, *contextPath, uid, url.PathEscape(filename))
		documents = append(documents, &document{
			UID:   uid,
			Title: title,
			Type:  docType,
			Path:  "/default-domain/workspaces/demo/" + strings.ToLower(strings.ReplaceAll(title, " ", "-")),
			Properties: map[string]any{
				"dc:title":       title,
				"dc:creator":     "jdoe",
				"dc:description": "Demo document " + title,
				"file:content": map[string]any{
					"name":            filename,
					"mime-type":       "text/plain",
					"digestAlgorithm": "MD5",
					"digest":          fmt.Sprintf("%x", md5.Sum([]byte(content))),
					"length":          len(content),
					"data":            blobURL,
					"blobUrl":         blobURL,
				},
			},
			content:  content,
			filename: filename,
		})
	}

	add("a1b2c3", "Annual Report 2024", "File", "annual-report.txt", "Revenue grew in every region.\n")
	add("d4e5f6", "Travel Policy", "File", "travel policy.txt", "Book economy for flights under six hours.\n")
	add("g7h8i9", "Onboarding Checklist", "Note", "onboarding.txt", "Laptop, badge, accounts.\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"entity-type": "exception",
				"status":      http.StatusUnauthorized,
				"message":     "authentication required",
			})
			return
		}
		next(w, r)
	}
}

// resultSet pages the matching documents the way the search endpoint does
func resultSet(w http.ResponseWriter, r *http.Request, match func(*document) bool) {
	index, _ := strconv.Atoi(r.URL.Query().Get("currentPageIndex"))
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if size < 1 {
		size = 50
	}

	var matched []*document
	for _, doc := range documents {
		if match(doc) {
			matched = append(matched, doc)
		}
	}

	entries := []map[string]any{}
	start := index * size
	for i := start; i < len(matched) && i < start+size; i++ {
		doc := matched[i]
		entries = append(entries, map[string]any{
			"entity-type": "document",
			"uid":         doc.UID,
			"title":       doc.Title,
			"type":        doc.Type,
			"path":        doc.Path,
			"properties":  doc.Properties,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity-type":         "documents",
		"isPaginable":         true,
		"resultsCount":        len(matched),
		"pageSize":            size,
		"currentPageIndex":    index,
		"numberOfPages":       (len(matched) + size - 1) / size,
		"isNextPageAvailable": start+size < len(matched),
		"entries":             entries,
	})
}

// searchExecute matches every quoted term of the query against the titles
func searchExecute(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if !strings.HasPrefix(strings.ToUpper(query), "SELECT ") {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"entity-type": "exception",
			"status":      http.StatusBadRequest,
			"message":     "Failed to execute query: " + query,
		})
		return
	}

	var terms []string
	parts := strings.Split(query, "'")
	for i := 1; i < len(parts); i += 2 {
		terms = append(terms, strings.Fields(strings.ToLower(parts[i]))...)
	}

	resultSet(w, r, func(doc *document) bool {
		title := strings.ToLower(doc.Title)
		for _, term := range terms {
			if !strings.Contains(title, term) {
				return false
			}
		}
		return true
	})
}

// providerExecute knows a single provider filtering on the creator
func providerExecute(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	if provider != "default_search" {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"entity-type": "exception",
			"status":      http.StatusNotFound,
			"message":     "unknown page provider " + provider,
		})
		return
	}

	creator := r.URL.Query().Get("dc_creator")
	resultSet(w, r, func(doc *document) bool {
		return creator == "" || doc.Properties["dc:creator"] == creator
	})
}

func issueToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("assertion") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": fmt.Sprintf("demo-%d", time.Now().UnixNano()),
		"token_type":   "bearer",
		"expires_in":   3600,
	})
}

// blob sends clients to the storage location, as servers backed by an object
// store do
func blob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	http.Redirect(w, r, fmt.Sprintf("%s/storage/%s/%s", *publicURL, vars["uid"], vars["name"]), http.StatusFound)
}

func storage(w http.ResponseWriter, r *http.Request) {
	uid := mux.Vars(r)["uid"]
	for _, doc := range documents {
		if doc.UID != uid {
			continue
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, doc.filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(doc.content)))
		w.Write([]byte(doc.content))
		return
	}
	http.NotFound(w, r)
}

func main() {
	flag.Parse()
	initDemoData()

	r := mux.NewRouter()

	// Repository routes
	repo := r.PathPrefix(*contextPath).Subrouter()
	repo.HandleFunc("/api/v1/search/execute", requireAuth(searchExecute)).Methods("GET")
	repo.HandleFunc("/api/v1/search/pp/{provider}/execute", requireAuth(providerExecute)).Methods("GET")
	repo.HandleFunc("/oauth2/token", issueToken).Methods("POST")
	repo.HandleFunc("/nxfile/default/{uid}/file:content/{name}", requireAuth(blob)).Methods("GET")

	// Storage routes, reached without credentials
	r.HandleFunc("/storage/{uid}/{name}", storage).Methods("GET")

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.RequestURI())
			next.ServeHTTP(w, r)
		})
	})

	fmt.Printf("Demo repository server starting on %s\n", *addr)
	fmt.Println("Available endpoints:")
	fmt.Printf("  GET  %s/api/v1/search/execute\n", *contextPath)
	fmt.Printf("  GET  %s/api/v1/search/pp/default_search/execute\n", *contextPath)
	fmt.Printf("  POST %s/oauth2/token\n", *contextPath)
	fmt.Printf("  GET  %s/nxfile/default/{uid}/file:content/{name}\n", *contextPath)
	fmt.Printf("\nTest with: curl -u demo:demo '%s%s/api/v1/search/execute?query=SELECT+*+FROM+Document'\n", *publicURL, *contextPath)

	log.Fatal(http.ListenAndServe(*addr, r))
}
