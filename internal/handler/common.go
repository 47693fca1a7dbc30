package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/dandantas/dcm/internal/backend"
	"github.com/dandantas/dcm/internal/database"
	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/service"
	"github.com/dandantas/dcm/pkg/middleware"
)

// maxBodyBytes limits request bodies
const maxBodyBytes = 1 << 20

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
	})
}

// writeServiceError maps domain errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var statusErr *backend.StatusError

	switch {
	case errors.Is(err, database.ErrNotFound),
		errors.Is(err, layout.ErrWidgetNotFound):
		status = http.StatusNotFound
	case errors.Is(err, backend.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, layout.ErrNotEditing):
		status = http.StatusConflict
	case errors.Is(err, layout.ErrNotCreatable):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrArchiveDisabled),
		errors.Is(err, backend.ErrUnavailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &statusErr):
		if statusErr.Code == http.StatusNotFound {
			status = http.StatusNotFound
		} else {
			status = http.StatusBadGateway
		}
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
			"request_id", middleware.GetRequestID(r.Context()),
		)
	}
	writeError(w, status, err.Error())
}

// decodeJSON decodes a request body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// parseQueryInt parses an integer query parameter with a default value
func parseQueryInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// pathSegments splits the path below prefix into its non-empty segments
func pathSegments(r *http.Request, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
}
