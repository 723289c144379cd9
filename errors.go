package proxy

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is matched by every NotFoundError and by FetchError values carrying a 404.
var ErrNotFound = errors.New("not found")

// ValidationError reports malformed call input. It fails the whole call before any dispatch.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NotFoundError reports an unknown endpoint or missing remote content.
type NotFoundError struct {
	Kind string
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s <%s> not found", e.Kind, e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// AuthError is returned when an authorization header cannot be produced.
type AuthError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *AuthError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("authentication failed for %s: HTTP %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("authentication failed for %s: %v", e.Endpoint, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// FetchError is a final non-2xx answer to a blob download.
type FetchError struct {
	Status int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to download file: HTTP %d", e.Status)
}

func (e *FetchError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// RedirectError is a storage redirect that cannot be followed or relayed.
type RedirectError struct {
	Status int
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect (HTTP %d) without Location header", e.Status)
}

// httpStatusFor maps an error to the status returned at the HTTP boundary.
func httpStatusFor(err error) int {
	var validationErr *ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
