// Package httpserver exposes the service over HTTP: the websocket upgrade,
// the internal API used by the REST backend, a small user API, health and
// metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	redisadapter "github.com/jschvat/posting-system-refactor-sub005/internal/adapter/redis"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/notify"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/config"
	"github.com/labstack/echo/v4"
)

type appService interface {
	PublishMessage(ctx context.Context, msg *domain.Message) error
	PublishEdited(ctx context.Context, msg *domain.Message) error
	PublishDeleted(ctx context.Context, room domain.RoomID, messageID int64, by domain.UserID) error
	EnqueueNotification(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) error
	DispatchNotification(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) (notify.Summary, error)
	Presence(users []domain.UserID) (map[domain.UserID]bool, error)
	SendMessageAs(ctx context.Context, p domain.Principal, msg domain.NewMessage) (*domain.Message, error)
	ConnectionCount() int
}

// NodeLister reports the fanout nodes sharing the relay.
type NodeLister interface {
	Active(ctx context.Context) ([]redisadapter.NodeInfo, error)
}

// Verifier resolves a bearer token to a principal.
type Verifier interface {
	Verify(token string) (domain.Principal, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	app       appService
	verifier  Verifier
	websocket echo.HandlerFunc
	nodes     NodeLister

	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(cfg *config.Config, app appService, verifier Verifier, websocket echo.HandlerFunc, clock clockwork.Clock, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		app:          app,
		verifier:     verifier,
		websocket:    websocket,
		healthChecks: healthChecks,
		startTime:    clock.Now(),
	}
	srv.registerRoutes()
	return srv
}

// UseNodeDirectory lists peers from the shared directory instead of only
// this node. Call before Start.
func (s *Server) UseNodeDirectory(nodes NodeLister) {
	s.nodes = nodes
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// tracked by the HTTP server and are closed by the service.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
