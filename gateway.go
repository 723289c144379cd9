package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
)

// Gateway serves /<key>/<endpoint>/<remote path> by fetching the blob from the
// endpoint. Storage redirects are relayed to the client, never followed here.
type Gateway struct {
	service *Service
	logger  *slog.Logger
}

func NewGateway(service *Service, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{service: service, logger: logger}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	gatewayPath := r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		gatewayPath += "?" + r.URL.RawQuery
	}

	blob, err := g.service.Fetch(r.Context(), gatewayPath, false)
	if err != nil {
		status := httpStatusFor(err)
		g.logger.Warn("blob fetch failed", "path", gatewayPath, "status", status, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	defer blob.Close()

	if blob.Redirect != nil {
		w.Header().Set("Location", blob.Redirect.Location)
		w.WriteHeader(blob.Redirect.Status)
		return
	}

	w.Header().Set("Content-Type", blob.MIMEType)
	w.Header().Set("Content-Disposition", contentDisposition(blob.Filename))
	if blob.Length >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(blob.Length, 10))
	}
	w.WriteHeader(http.StatusOK)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, blob.Body); err != nil {
		g.logger.Warn("blob stream interrupted", "path", gatewayPath, "error", err)
	}
}
