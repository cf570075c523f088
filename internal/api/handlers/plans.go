package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/core"
	"billingsync/internal/types"
)

// ActivePlanReader returns the purchasable catalog.
type ActivePlanReader interface {
	GetActivePlans(ctx context.Context) ([]types.ActivePlan, error)
}

// PlansHandler serves the read side of the plan catalog.
type PlansHandler struct {
	plans  ActivePlanReader
	logger *slog.Logger
}

func NewPlansHandler(plans ActivePlanReader, logger *slog.Logger) *PlansHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlansHandler{plans: plans, logger: logger}
}

// RegisterRoutes mounts GET /plans (under /v1).
func (h *PlansHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.List)
}

// List returns every active plan carrying a local product id, with its
// active prices.
func (h *PlansHandler) List(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.GetActivePlans(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to load active plans", "error", err)
		core.Error(w, r, err)
		return
	}
	if plans == nil {
		plans = []types.ActivePlan{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}
