package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/core"
	"billingsync/internal/plans"
	"billingsync/internal/types"
)

// PlansHandler serves the plan catalog.
type PlansHandler struct {
	plans  *plans.Directory
	logger *slog.Logger
}

// NewPlansHandler creates a PlansHandler.
func NewPlansHandler(dir *plans.Directory, logger *slog.Logger) *PlansHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlansHandler{plans: dir, logger: logger}
}

// RegisterRoutes mounts the plan listing endpoint.
func (h *PlansHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.List)
}

// List returns every configured plan, including unavailable ones so clients
// can still render a plan an existing account is on.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	mappings := h.plans.GetAll()

	data := make([]types.APIPlan, 0, len(mappings))
	for _, m := range mappings {
		data = append(data, types.APIPlan{
			ID:          m.ID,
			Name:        m.Name,
			Unavailable: m.Unavailable,
		})
	}

	var lastKey *string
	if len(data) > 0 {
		lastKey = &data[len(data)-1].ID
	}
	core.JSON(w, r, http.StatusOK, listResponse{
		HasMore:          false,
		LastEvaluatedKey: lastKey,
		Data:             data,
	})
}
