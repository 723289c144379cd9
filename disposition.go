package proxy

import (
	"mime"
	"net/url"
	"path"
	"regexp"
	"strings"
)

const (
	// DefaultFilename is used when neither headers nor URL name the file
	DefaultFilename = "downloaded-file"

	downloadMarker = "clientReason=download"
)

var (
	extendedFilename = regexp.MustCompile(`(?i)filename\*\s*=\s*(?:UTF-8|ISO-8859-1)?'[^']*'([^;]+)`)
	plainFilename    = regexp.MustCompile(`(?i)filename\s*=\s*"?([^";]+)"?`)
)

// filenameFrom picks the download name: Content-Disposition filename* first,
// then filename, then the last segment of the URL path. Only the base name of
// a remote-supplied value is kept.
func filenameFrom(contentDisposition, rawURL string) string {
	if contentDisposition != "" {
		if _, params, err := mime.ParseMediaType(contentDisposition); err == nil {
			// mime decodes filename* into filename
			if name := baseName(params["filename"]); name != "" {
				return name
			}
		}
		if m := extendedFilename.FindStringSubmatch(contentDisposition); m != nil {
			if name, err := url.PathUnescape(strings.TrimSpace(m[1])); err == nil {
				if name = baseName(name); name != "" {
					return name
				}
			}
		}
		if m := plainFilename.FindStringSubmatch(contentDisposition); m != nil {
			if name := baseName(m[1]); name != "" {
				return name
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		if name := baseName(u.Path); name != "" {
			return name
		}
	}

	return DefaultFilename
}

// baseName returns the last element of name, or "" when that is not a usable file name
func baseName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), `\`, "/")
	if name == "" {
		return ""
	}
	switch base := path.Base(name); base {
	case ".", "..", "/":
		return ""
	default:
		return base
	}
}

// contentDisposition renders an inline disposition carrying both an ASCII
// fallback and the RFC 5987 encoded name.
func contentDisposition(filename string) string {
	ascii := make([]rune, 0, len(filename))
	for _, r := range filename {
		switch {
		case r == '"' || r == '\\':
			ascii = append(ascii, '_')
		case r < 0x20 || r > 0x7e:
			ascii = append(ascii, '_')
		default:
			ascii = append(ascii, r)
		}
	}

	encoded := strings.ReplaceAll(url.QueryEscape(filename), "+", "%20")
	return `inline; filename="` + string(ascii) + `"; filename*=UTF-8''` + encoded
}

// addDownloadMarker appends clientReason=download to a path unless present
func addDownloadMarker(remotePath string) string {
	if strings.Contains(remotePath, downloadMarker) {
		return remotePath
	}
	if strings.Contains(remotePath, "?") {
		return remotePath + "&" + downloadMarker
	}
	return remotePath + "?" + downloadMarker
}
