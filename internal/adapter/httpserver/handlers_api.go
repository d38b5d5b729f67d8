package httpserver

import (
	"net/http"
	"strconv"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	apperrors "github.com/jschvat/posting-system-refactor-sub005/internal/errors"
	"github.com/labstack/echo/v4"
)

func (s *Server) registerAPIRoutes(g *echo.Group) {
	g.GET("/presence", s.handlePresence)
	g.POST("/rooms/:id/messages", s.handleSendMessage)
}

func (s *Server) handleSendMessage(c echo.Context) error {
	p, found := principalFrom(c)
	if !found {
		return apperrors.InternalError("missing principal in context", nil)
	}

	room, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || room <= 0 {
		return apperrors.ValidationError("room id must be a positive integer").WithContext("room_id", c.Param("id"))
	}

	var in domain.NewMessage
	if err := bind(c, &in); err != nil {
		return err
	}
	in.RoomID = domain.RoomID(room)

	msg, err := s.app.SendMessageAs(c.Request().Context(), p, in)
	if err != nil {
		return err
	}
	return ok(c, http.StatusCreated, msg)
}
