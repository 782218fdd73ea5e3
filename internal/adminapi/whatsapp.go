package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/internal/whatsapp"
	"go.uber.org/zap"
)

var errAmbiguousSession = errors.New("sessionId is required when more than one session is ready")

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

func (h *handlers) registerWhatsAppRoutes(srv *webserver.AdminServer) {
	srv.ApiGET("/whatsapp/qr-code", h.getQRCode)
	srv.ApiPOST("/whatsapp/clear-session", h.postClearSession)
	srv.ApiPOST("/whatsapp/send-message", h.postSendMessage)
	srv.ApiPOST("/whatsapp/connect", h.postConnect)
	srv.ApiGET("/whatsapp/status", h.getStatus)
	srv.ApiGET("/whatsapp/sessions", h.listSessions)
	srv.ApiGET("/whatsapp/sessions/:id/events", h.listSessionEvents)
	srv.ApiGET("/whatsapp/messages/:id", h.getMessage)
	srv.ApiGET("/whatsapp/ws", h.serveEvents)
}

type sessionRequest struct {
	SessionID string `json:"sessionId" validate:"required"`
}

type sendMessageRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to" validate:"required"`
	Message   string `json:"message"`
	Type      string `json:"type" validate:"omitempty,oneof=text template media"`
	MediaURL  string `json:"mediaUrl"`
}

// getQRCode starts pairing for the session if needed and reports the current
// QR artifact. A missing sessionId mints a new session.
func (h *handlers) getQRCode(c echo.Context) error {
	sessionID := strings.TrimSpace(c.QueryParam("sessionId"))
	if sessionID == "" {
		sessionID = h.NewSessionID()
	}
	snap, err := h.Sessions.Connect(c.Request().Context(), sessionID)
	if err != nil {
		zap.L().Error("adminapi: connect for qr failed", zap.String("session_id", sessionID), zap.Error(err))
		return failWith(c, err, "Unable to start session")
	}
	var qr *string
	if snap.State == domain.SessionAwaitingScan && snap.QRCode != "" {
		qr = &snap.QRCode
	}
	return ok(c, map[string]interface{}{
		"qrCode":    qr,
		"status":    snap.Status,
		"sessionId": snap.SessionID,
	})
}

func (h *handlers) postClearSession(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return handleValidationError(c, err)
	}
	if err := h.Sessions.Logout(c.Request().Context(), req.SessionID); err != nil {
		return failWith(c, err, "Unable to clear session")
	}
	zap.L().Info("adminapi: session cleared", zap.String("session_id", req.SessionID))
	return ok(c, map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("session %s cleared", req.SessionID),
	})
}

func (h *handlers) postSendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return handleValidationError(c, err)
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		var err error
		if sessionID, err = h.soleReadySession(); err != nil {
			return failWith(c, err, "No session to send from")
		}
	}

	content := domain.Content{
		Kind:     domain.MessageKind(req.Type),
		Body:     req.Message,
		MediaURL: req.MediaURL,
	}
	msg, err := h.Dispatcher.Enqueue(c.Request().Context(), sessionID, req.To, content)
	if err != nil {
		return failWith(c, err, "Message not accepted")
	}
	return ok(c, map[string]interface{}{
		"success":   true,
		"messageId": cast.ToString(msg.ID),
		"timestamp": msg.QueuedAt.UTC().Format(time.RFC3339),
		"status":    msg.Status,
		"sessionId": sessionID,
	})
}

// soleReadySession picks the sending session when the caller names none.
// It only succeeds when exactly one session is ready.
func (h *handlers) soleReadySession() (string, error) {
	var ready []string
	for _, snap := range h.Sessions.Sessions() {
		if snap.State == domain.SessionReady {
			ready = append(ready, snap.SessionID)
		}
	}
	switch len(ready) {
	case 0:
		return "", domain.ErrSessionNotReady
	case 1:
		return ready[0], nil
	}
	return "", fmt.Errorf("%w: %d sessions are ready", errAmbiguousSession, len(ready))
}

func (h *handlers) postConnect(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return handleValidationError(c, err)
	}
	snap, err := h.Sessions.Connect(c.Request().Context(), req.SessionID)
	if err != nil {
		return failWith(c, err, "Unable to start session")
	}
	return ok(c, snap)
}

func (h *handlers) getStatus(c echo.Context) error {
	sessionID := strings.TrimSpace(c.QueryParam("sessionId"))
	if sessionID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_SESSION_ID", "sessionId is required", nil)
	}
	snap, err := h.Sessions.Snapshot(c.Request().Context(), sessionID)
	if err != nil {
		return failWith(c, err, "Session not available")
	}
	return ok(c, snap)
}

func (h *handlers) listSessions(c echo.Context) error {
	sessions := h.Sessions.Sessions()
	if sessions == nil {
		sessions = []whatsapp.Snapshot{}
	}
	return ok(c, map[string]interface{}{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

func (h *handlers) listSessionEvents(c echo.Context) error {
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}
	events, err := h.History.ListEvents(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return failWith(c, err, "Unable to list session events")
	}
	return ok(c, map[string]interface{}{
		"sessionId": c.Param("id"),
		"events":    events,
	})
}

func (h *handlers) getMessage(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid message id", err.Error())
	}
	msg, err := h.Messages.GetByID(c.Request().Context(), id)
	if err != nil {
		return failWith(c, err, "Message not found")
	}
	return ok(c, msg)
}

// serveEvents upgrades to a websocket that streams relay events. Without a
// sessionId the client receives events for every session.
func (h *handlers) serveEvents(c echo.Context) error {
	sessionID := strings.TrimSpace(c.QueryParam("sessionId"))
	if sessionID == "" {
		sessionID = relay.AllSessions
	}
	conn, err := relay.Upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		zap.L().Warn("adminapi: websocket upgrade failed", zap.Error(err))
		return nil
	}
	relay.ServeConn(conn, h.Relay.Subscribe(sessionID))
	return nil
}
