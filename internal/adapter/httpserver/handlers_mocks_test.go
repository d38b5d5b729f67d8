package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	redisadapter "github.com/jschvat/posting-system-refactor-sub005/internal/adapter/redis"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/notify"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/config"
	"github.com/labstack/echo/v4"
)

// --- Mock implementations ---

type mockAppService struct {
	publishMessageFn func(ctx context.Context, msg *domain.Message) error
	publishEditedFn  func(ctx context.Context, msg *domain.Message) error
	publishDeletedFn func(ctx context.Context, room domain.RoomID, messageID int64, by domain.UserID) error
	enqueueFn        func(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) error
	dispatchFn       func(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) (notify.Summary, error)
	presenceFn       func(users []domain.UserID) (map[domain.UserID]bool, error)
	sendAsFn         func(ctx context.Context, p domain.Principal, msg domain.NewMessage) (*domain.Message, error)
	connections      int
}

func (m *mockAppService) PublishMessage(ctx context.Context, msg *domain.Message) error {
	if m.publishMessageFn != nil {
		return m.publishMessageFn(ctx, msg)
	}
	return nil
}

func (m *mockAppService) PublishEdited(ctx context.Context, msg *domain.Message) error {
	if m.publishEditedFn != nil {
		return m.publishEditedFn(ctx, msg)
	}
	return nil
}

func (m *mockAppService) PublishDeleted(ctx context.Context, room domain.RoomID, messageID int64, by domain.UserID) error {
	if m.publishDeletedFn != nil {
		return m.publishDeletedFn(ctx, room, messageID, by)
	}
	return nil
}

func (m *mockAppService) EnqueueNotification(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) error {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, users, tmpl)
	}
	return nil
}

func (m *mockAppService) DispatchNotification(ctx context.Context, users []domain.UserID, tmpl domain.NotificationTemplate) (notify.Summary, error) {
	if m.dispatchFn != nil {
		return m.dispatchFn(ctx, users, tmpl)
	}
	return notify.Summary{}, errors.New("not implemented")
}

func (m *mockAppService) Presence(users []domain.UserID) (map[domain.UserID]bool, error) {
	if m.presenceFn != nil {
		return m.presenceFn(users)
	}
	return map[domain.UserID]bool{}, nil
}

func (m *mockAppService) SendMessageAs(ctx context.Context, p domain.Principal, msg domain.NewMessage) (*domain.Message, error) {
	if m.sendAsFn != nil {
		return m.sendAsFn(ctx, p, msg)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) ConnectionCount() int { return m.connections }

type mockNodes struct {
	nodes []redisadapter.NodeInfo
	err   error
}

func (m *mockNodes) Active(context.Context) ([]redisadapter.NodeInfo, error) {
	return m.nodes, m.err
}

type mockVerifier struct {
	principals map[string]domain.Principal
}

func (m *mockVerifier) Verify(token string) (domain.Principal, error) {
	p, found := m.principals[strings.TrimPrefix(token, "Bearer ")]
	if !found {
		return domain.Principal{}, errors.New("invalid token")
	}
	return p, nil
}

// --- Test helpers ---

const testAPIKey = "internal-test-key"

func newTestServer(t *testing.T, app appService, opts ...func(*Server)) *Server {
	t.Helper()

	srv := &Server{
		echo:     echo.New(),
		config:   &config.Config{Port: "0", NodeID: "node-test", InternalAPIKey: testAPIKey},
		clock:    clockwork.NewFakeClock(),
		app:      app,
		verifier: &mockVerifier{principals: map[string]domain.Principal{"alice-token": {ID: 1, DisplayName: "Alice"}}},
	}
	srv.startTime = srv.clock.Now()

	for _, opt := range opts {
		opt(srv)
	}
	srv.registerRoutes()
	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

func withWebsocket(h echo.HandlerFunc) func(*Server) {
	return func(s *Server) {
		s.websocket = h
	}
}

// do runs a request through the full router, middleware included.
func do(srv *Server, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func internalHeader() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func userHeader(token string) map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + token}
}

