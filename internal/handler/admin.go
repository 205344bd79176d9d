package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ROHANTHAKUR2004/viag0-vechicle-service/internal/model"
)

// LockLister lists the live seat locks of a run.
type LockLister interface {
	ListLocks(ctx context.Context, runID string) ([]model.SeatLock, error)
}

// AdminHandler exposes operational views for the ADMIN role.
type AdminHandler struct {
	locks LockLister
}

func NewAdminHandler(l LockLister) *AdminHandler { return &AdminHandler{locks: l} }

// RunLocks handles GET /v1/admin/runs/:id/locks.
func (h *AdminHandler) RunLocks(c echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid run id"})
	}
	locks, err := h.locks.ListLocks(c.Request().Context(), runID)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "lock store unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"run_id": runID, "count": len(locks), "locks": locks})
}
