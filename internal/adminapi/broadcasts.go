package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wabridge/internal/broadcast"
	"github.com/talkincode/wabridge/internal/webserver"
	"go.uber.org/zap"
)

func (h *handlers) registerBroadcastRoutes(srv *webserver.AdminServer) {
	srv.ApiPOST("/whatsapp/broadcasts", h.createBroadcast)
	srv.ApiPOST("/whatsapp/broadcasts/:id/start", h.startBroadcast)
	srv.ApiGET("/whatsapp/broadcasts/:id", h.getBroadcast)
}

func (h *handlers) createBroadcast(c echo.Context) error {
	var req broadcast.CreateRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return handleValidationError(c, err)
	}
	job, err := h.Broadcasts.Create(c.Request().Context(), req)
	if err != nil {
		return failWith(c, err, "Unable to create broadcast")
	}
	zap.L().Info("adminapi: broadcast created",
		zap.Int64("job_id", job.ID),
		zap.String("session_id", job.SessionID),
		zap.Int("recipients", job.RecipientCount))
	return c.JSON(http.StatusCreated, job)
}

func (h *handlers) startBroadcast(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid broadcast id", err.Error())
	}
	job, err := h.Broadcasts.Start(c.Request().Context(), id)
	if err != nil {
		return failWith(c, err, "Unable to start broadcast")
	}
	return ok(c, job)
}

func (h *handlers) getBroadcast(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid broadcast id", err.Error())
	}
	job, err := h.Broadcasts.Get(c.Request().Context(), id)
	if err != nil {
		return failWith(c, err, "Broadcast not found")
	}
	return ok(c, job)
}
