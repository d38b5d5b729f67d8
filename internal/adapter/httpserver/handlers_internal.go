package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	redisadapter "github.com/jschvat/posting-system-refactor-sub005/internal/adapter/redis"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/jschvat/posting-system-refactor-sub005/internal/notify"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/version"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerInternalRoutes(g *echo.Group) {
	g.POST("/messages", s.handlePublishMessage)
	g.POST("/messages/edited", s.handlePublishEdited)
	g.POST("/messages/deleted", s.handlePublishDeleted)
	g.POST("/notifications", s.handleEnqueueNotification)
	g.POST("/notifications/dispatch", s.handleDispatchNotification)
	g.GET("/presence", s.handlePresence)
	g.GET("/nodes", s.handleNodes)
}

type deletedRequest struct {
	RoomID    domain.RoomID `json:"room_id"`
	MessageID int64         `json:"message_id"`
	DeletedBy domain.UserID `json:"deleted_by"`
}

type notificationRequest struct {
	UserIDs []domain.UserID `json:"user_ids"`
	domain.NotificationTemplate
}

type dispatchResponse struct {
	Attempted int                      `json:"attempted"`
	Succeeded int                      `json:"succeeded"`
	Outcomes  []notify.Outcome         `json:"outcomes"`
	Errors    map[domain.UserID]string `json:"errors,omitempty"`
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return apperrors.ValidationError("malformed request body")
	}
	return nil
}

func ok(c echo.Context, status int, body any) error {
	if err := c.JSON(status, body); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handlePublishMessage(c echo.Context) error {
	var msg domain.Message
	if err := bind(c, &msg); err != nil {
		return err
	}
	if err := s.app.PublishMessage(c.Request().Context(), &msg); err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handlePublishEdited(c echo.Context) error {
	var msg domain.Message
	if err := bind(c, &msg); err != nil {
		return err
	}
	if err := s.app.PublishEdited(c.Request().Context(), &msg); err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handlePublishDeleted(c echo.Context) error {
	var req deletedRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.app.PublishDeleted(c.Request().Context(), req.RoomID, req.MessageID, req.DeletedBy); err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, map[string]string{"status": "published"})
}

func (s *Server) handleEnqueueNotification(c echo.Context) error {
	var req notificationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.app.EnqueueNotification(c.Request().Context(), req.UserIDs, req.NotificationTemplate); err != nil {
		return err
	}
	return ok(c, http.StatusAccepted, map[string]any{"status": "queued", "recipients": len(req.UserIDs)})
}

func (s *Server) handleDispatchNotification(c echo.Context) error {
	var req notificationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	summary, err := s.app.DispatchNotification(c.Request().Context(), req.UserIDs, req.NotificationTemplate)
	if err != nil {
		return err
	}

	resp := dispatchResponse{Outcomes: make([]notify.Outcome, 0, len(summary.Outcomes))}
	resp.Attempted, resp.Succeeded = summary.Totals()
	for _, id := range req.UserIDs {
		if o, found := summary.Outcomes[id]; found {
			resp.Outcomes = append(resp.Outcomes, o)
		}
	}
	if len(summary.Errors) > 0 {
		resp.Errors = make(map[domain.UserID]string, len(summary.Errors))
		for id, e := range summary.Errors {
			resp.Errors[id] = apperrors.AsStructuredError(e).Message
		}
	}
	return ok(c, http.StatusOK, resp)
}

func (s *Server) handlePresence(c echo.Context) error {
	ids, err := parseUserIDs(c.QueryParam("user_ids"))
	if err != nil {
		return err
	}
	statuses, err := s.app.Presence(ids)
	if err != nil {
		return err
	}
	return ok(c, http.StatusOK, map[string]any{"statuses": statuses})
}

// parseUserIDs reads a comma separated id list.
func parseUserIDs(raw string) ([]domain.UserID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, apperrors.ValidationError("user_ids is required")
	}
	parts := strings.Split(raw, ",")
	ids := make([]domain.UserID, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, apperrors.ValidationError("user_ids must be comma separated integers").WithContext("value", part)
		}
		ids = append(ids, domain.UserID(n))
	}
	return ids, nil
}

func (s *Server) handleNodes(c echo.Context) error {
	if s.nodes == nil {
		self := redisadapter.NodeInfo{
			NodeID:      s.config.NodeID,
			Version:     version.Get(s.config.NodeID).Version,
			Connections: s.app.ConnectionCount(),
			Timestamp:   s.clock.Now().Unix(),
		}
		return ok(c, http.StatusOK, map[string]any{"nodes": []redisadapter.NodeInfo{self}})
	}
	nodes, err := s.nodes.Active(c.Request().Context())
	if err != nil {
		return apperrors.InternalError("failed to list nodes", err)
	}
	return ok(c, http.StatusOK, map[string]any{"nodes": nodes})
}
