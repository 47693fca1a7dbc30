package handler

import (
	"net/http"

	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/service"
	"github.com/dandantas/dcm/internal/widget"
)

// LayoutHandler handles widget layout requests
type LayoutHandler struct {
	service *service.LayoutService
}

// NewLayoutHandler creates a new layout handler
func NewLayoutHandler(service *service.LayoutService) *LayoutHandler {
	return &LayoutHandler{
		service: service,
	}
}

// LayoutResponse is a user's committed layout
type LayoutResponse struct {
	UserID  string       `json:"userId"`
	Key     string       `json:"key,omitempty"`
	Widgets model.Layout `json:"widgets"`
}

// ResolveRequest is a layout to free of overlaps
type ResolveRequest struct {
	Widgets model.Layout `json:"widgets"`
	Locked  []string     `json:"locked,omitempty"`
}

// ResolveResponse is the resolved layout and the overlaps left in it
type ResolveResponse struct {
	Widgets   model.Layout `json:"widgets"`
	Conflicts int          `json:"conflicts"`
}

// Get handles GET /api/v1/users/{user}/widgets
func (h *LayoutHandler) Get(w http.ResponseWriter, r *http.Request, userID string) {
	l, err := h.service.Layout(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LayoutResponse{UserID: userID, Widgets: l})
}

// Put handles PUT /api/v1/users/{user}/widgets. The body is the layout.
func (h *LayoutHandler) Put(w http.ResponseWriter, r *http.Request, userID string) {
	var l model.Layout
	if err := decodeJSON(w, r, &l); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.service.Save(r.Context(), userID, l)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LayoutResponse{UserID: userID, Widgets: saved})
}

// Add handles POST /api/v1/users/{user}/widgets
func (h *LayoutHandler) Add(w http.ResponseWriter, r *http.Request, userID string) {
	var p model.WidgetPlacement
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if p.ID == "" {
		writeError(w, http.StatusBadRequest, "widget id is required")
		return
	}

	key, l, err := h.service.AddWidget(r.Context(), userID, p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, LayoutResponse{UserID: userID, Key: key, Widgets: l})
}

// Delete handles DELETE /api/v1/users/{user}/widgets/{key}
func (h *LayoutHandler) Delete(w http.ResponseWriter, r *http.Request, userID, key string) {
	l, err := h.service.DeleteWidget(r.Context(), userID, key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LayoutResponse{UserID: userID, Widgets: l})
}

// Move handles PATCH /api/v1/users/{user}/widgets/{key} with a target cell
func (h *LayoutHandler) Move(w http.ResponseWriter, r *http.Request, userID, key string) {
	var cell layout.Cell
	if err := decodeJSON(w, r, &cell); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	l, err := h.service.MoveWidget(r.Context(), userID, key, cell)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, LayoutResponse{UserID: userID, Widgets: l})
}

// Resolve handles POST /api/v1/layouts/resolve
func (h *LayoutHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req ResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Widgets == nil {
		req.Widgets = model.Layout{}
	}

	catalog := h.service.Catalog()
	resolved := layout.Resolve(req.Widgets, catalog, req.Locked)
	writeJSON(w, http.StatusOK, ResolveResponse{
		Widgets:   resolved,
		Conflicts: layout.Conflicts(resolved, catalog),
	})
}

// Types handles GET /api/v1/widgets/types
func (h *LayoutHandler) Types(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	var accepted []string
	if ids := r.URL.Query()["id"]; len(ids) > 0 {
		accepted = ids
	}
	types := h.service.Catalog().Creatable(accepted...)
	if types == nil {
		types = []widget.Type{}
	}
	writeJSON(w, http.StatusOK, types)
}
