// Package adminapi exposes the bridge over HTTP.
package adminapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/talkincode/wabridge/internal/broadcast"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/store"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
)

// SessionManager is the session registry the handlers drive.
type SessionManager interface {
	Connect(ctx context.Context, sessionID string) (whatsapp.Snapshot, error)
	Snapshot(ctx context.Context, sessionID string) (whatsapp.Snapshot, error)
	Sessions() []whatsapp.Snapshot
	Logout(ctx context.Context, sessionID string) error
}

// Broadcasts creates and runs batch jobs.
type Broadcasts interface {
	Create(ctx context.Context, req broadcast.CreateRequest) (*domain.BroadcastJob, error)
	Start(ctx context.Context, id int64) (*domain.BroadcastJob, error)
	Get(ctx context.Context, id int64) (*domain.BroadcastJob, error)
}

// HealthCheck reports one dependency; nil means healthy.
type HealthCheck func(ctx context.Context) error

type Deps struct {
	Sessions   SessionManager
	History    store.SessionStore
	Messages   store.MessageRepository
	Dispatcher broadcast.Enqueuer
	Broadcasts Broadcasts
	Relay      *relay.Relay
	Checks     map[string]HealthCheck
	// NewSessionID mints tokens for qr-code requests without a session id.
	NewSessionID func() string
}

type handlers struct {
	Deps
}

// Init registers every route on srv.
func Init(srv *webserver.AdminServer, d Deps) {
	if d.NewSessionID == nil {
		d.NewSessionID = uuid.NewString
	}
	h := &handlers{Deps: d}
	srv.ApiGET("/health", h.health)
	h.registerWhatsAppRoutes(srv)
	h.registerBroadcastRoutes(srv)
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	body := map[string]interface{}{
		"success": false,
		"code":    code,
		"message": message,
	}
	if detail != nil {
		body["error"] = detail
	}
	return c.JSON(status, body)
}

// failWith maps a domain error to its status and stable code.
func failWith(c echo.Context, err error, message string) error {
	status, code := errorStatus(err)
	return fail(c, status, code, message, err.Error())
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, whatsapp.ErrEmptySessionID), errors.Is(err, errAmbiguousSession):
		return http.StatusBadRequest, "MISSING_SESSION_ID"
	case errors.Is(err, whatsapp.ErrManagerClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, "MESSAGE_NOT_FOUND"
	}
	code := domain.ErrorCode(err)
	switch code {
	case domain.CodeInvalidRecipient, domain.CodeInvalidContent:
		return http.StatusBadRequest, code
	case domain.CodeSessionNotFound, domain.CodeJobNotFound:
		return http.StatusNotFound, code
	case domain.CodeSessionNotReady, domain.CodeSessionTerminated, domain.CodeJobState:
		return http.StatusConflict, code
	}
	return http.StatusInternalServerError, code
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", err.Error())
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fmt.Sprintf("failed on %s", fe.Tag())
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request", fields)
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(c.Param(name)), 10, 64)
}

func (h *handlers) health(c echo.Context) error {
	checks := make(map[string]string, len(h.Checks))
	healthy := true
	for name, check := range h.Checks {
		if err := check(c.Request().Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	published, dropped := h.Relay.Stats()
	body := map[string]interface{}{
		"status":   "ok",
		"sessions": len(h.Sessions.Sessions()),
		"checks":   checks,
		"relay": map[string]interface{}{
			"published":   published,
			"dropped":     dropped,
			"subscribers": h.Relay.Subscribers(relay.AllSessions),
		},
	}
	if !healthy {
		body["status"] = "degraded"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return ok(c, body)
}
