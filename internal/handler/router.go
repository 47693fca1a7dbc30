package handler

import (
	"net/http"

	"github.com/dandantas/dcm/pkg/middleware"
)

// Router handles HTTP routing
type Router struct {
	layoutHandler *LayoutHandler
	jobHandler    *JobHandler
	wsHandler     *WSHandler
	healthHandler *HealthHandler
	corsConfig    middleware.CORSConfig
}

// NewRouter creates a new router
func NewRouter(
	layoutHandler *LayoutHandler,
	jobHandler *JobHandler,
	wsHandler *WSHandler,
	healthHandler *HealthHandler,
	corsConfig middleware.CORSConfig,
) *Router {
	return &Router{
		layoutHandler: layoutHandler,
		jobHandler:    jobHandler,
		wsHandler:     wsHandler,
		healthHandler: healthHandler,
		corsConfig:    corsConfig,
	}
}

// Handler returns the configured HTTP handler with middleware
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", rt.healthHandler.Health)
	mux.HandleFunc("/ready", rt.healthHandler.Ready)

	// API endpoints
	mux.HandleFunc("/api/v1/widgets/types", rt.layoutHandler.Types)
	mux.HandleFunc("/api/v1/layouts/resolve", rt.layoutHandler.Resolve)
	mux.HandleFunc("/api/v1/users/", rt.handleUsers)
	mux.HandleFunc("/api/v1/jobs", rt.jobHandler.Submit)
	mux.HandleFunc("/api/v1/jobs/", rt.handleJobsWithToken)
	mux.HandleFunc("/api/v1/job-configs/", rt.handleJobConfigs)
	mux.HandleFunc("/api/v1/archive/jobs", rt.jobHandler.ListArchived)
	mux.HandleFunc("/api/v1/archive/jobs/", rt.handleArchivedJob)

	// Apply middleware (CORS first to handle preflight requests)
	handler := middleware.CORS(rt.corsConfig)(mux)
	handler = middleware.Recovery(handler)
	handler = middleware.Logging(handler)
	handler = middleware.RequestID(handler)

	return handler
}

// handleUsers routes /api/v1/users/{user}/widgets[/{key}|/edit]
func (rt *Router) handleUsers(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/v1/users/")
	if len(segments) < 2 || segments[1] != "widgets" {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}
	userID := segments[0]

	switch len(segments) {
	case 2:
		switch r.Method {
		case http.MethodGet:
			rt.layoutHandler.Get(w, r, userID)
		case http.MethodPut:
			rt.layoutHandler.Put(w, r, userID)
		case http.MethodPost:
			rt.layoutHandler.Add(w, r, userID)
		default:
			methodNotAllowed(w)
		}
	case 3:
		if segments[2] == "edit" && r.Method == http.MethodGet {
			rt.wsHandler.EditLayout(w, r, userID)
			return
		}
		switch r.Method {
		case http.MethodDelete:
			rt.layoutHandler.Delete(w, r, userID, segments[2])
		case http.MethodPatch:
			rt.layoutHandler.Move(w, r, userID, segments[2])
		default:
			methodNotAllowed(w)
		}
	default:
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

// handleJobsWithToken routes /api/v1/jobs/{token}[/monitor]
func (rt *Router) handleJobsWithToken(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/v1/jobs/")
	switch {
	case len(segments) == 1:
		switch r.Method {
		case http.MethodGet:
			rt.jobHandler.Get(w, r, segments[0])
		case http.MethodDelete:
			rt.jobHandler.Abort(w, r, segments[0])
		default:
			methodNotAllowed(w)
		}
	case len(segments) == 2 && segments[1] == "monitor":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		rt.wsHandler.Monitor(w, r, segments[0])
	default:
		writeError(w, http.StatusNotFound, "Endpoint not found")
	}
}

// handleJobConfigs routes /api/v1/job-configs/{id}/latest
func (rt *Router) handleJobConfigs(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/v1/job-configs/")
	if len(segments) != 2 || segments[1] != "latest" {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rt.jobHandler.Latest(w, r, segments[0])
}

// handleArchivedJob routes /api/v1/archive/jobs/{token}
func (rt *Router) handleArchivedJob(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/api/v1/archive/jobs/")
	if len(segments) != 1 {
		writeError(w, http.StatusNotFound, "Endpoint not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	rt.jobHandler.GetArchived(w, r, segments[0])
}
