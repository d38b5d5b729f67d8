// Package websocket is the client transport: handshake authentication and
// admission, one writer per socket acting as the registry sink, and a read
// loop that turns frames into service calls.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/correlation"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// Authenticator resolves a handshake token to a principal.
type Authenticator interface {
	Verify(token string) (domain.Principal, error)
}

type Config struct {
	AllowedOrigins []string
	Development    bool

	MaxConnections      int64
	MaxConnectionsPerIP int
	HandshakesPerSecond float64
	HandshakeBurst      int

	EventsPerSecond float64
	EventsBurst     int
}

type Handler struct {
	svc        Service
	auth       Authenticator
	admission  *Admission
	upgrader   websocket.Upgrader
	clock      clockwork.Clock
	eventRate  rate.Limit
	eventBurst int
}

func NewHandler(svc Service, auth Authenticator, clock clockwork.Clock, cfg Config) *Handler {
	return &Handler{
		svc:       svc,
		auth:      auth,
		admission: NewAdmission(cfg.MaxConnections, cfg.MaxConnectionsPerIP, cfg.HandshakesPerSecond, cfg.HandshakeBurst, clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     NewCheckOrigin(cfg.AllowedOrigins, cfg.Development),
		},
		clock:      clock,
		eventRate:  rate.Limit(cfg.EventsPerSecond),
		eventBurst: cfg.EventsBurst,
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func reject(reason string, status int, message string) error {
	metrics.ConnectionsRejected.WithLabelValues(reason).Inc()
	metrics.WebSocketConnectionsTotal.WithLabelValues("rejected").Inc()
	return echo.NewHTTPError(status, message)
}

// Handle admits, authenticates and upgrades the request, then serves the
// connection until it closes. Admission runs first so bad tokens spend the
// caller's handshake budget.
func (h *Handler) Handle(c echo.Context) error {
	r := c.Request()

	ip := c.RealIP()
	if ok, reason := h.admission.Acquire(ip); !ok {
		slog.WarnContext(r.Context(), "WebSocket connection rejected", "reason", reason, "ip", ip)
		status := http.StatusTooManyRequests
		if reason == LimitReasonGlobal {
			status = http.StatusServiceUnavailable
		}
		return reject(string(reason), status, "connection limit exceeded")
	}
	defer h.admission.Release(ip)

	p, err := h.auth.Verify(tokenFrom(r))
	if err != nil {
		slog.DebugContext(r.Context(), "WebSocket handshake unauthorized", "error", err)
		return reject("unauthorized", http.StatusUnauthorized, "invalid or missing token")
	}

	conn, err := h.upgrader.Upgrade(c.Response(), r, nil)
	if err != nil {
		// The upgrader has already written the response.
		metrics.WebSocketConnectionsTotal.WithLabelValues("upgrade_failed").Inc()
		slog.DebugContext(r.Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}
	metrics.WebSocketConnectionsTotal.WithLabelValues("accepted").Inc()

	h.serve(context.WithoutCancel(r.Context()), conn, p)
	return nil
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn, p domain.Principal) {
	start := h.clock.Now()
	writer := newConnWriter(conn, h.clock)

	id := h.svc.Connect(ctx, p, writer)
	ctx = correlation.WithConnection(ctx, id, p.ID)

	s := &session{
		id:      id,
		svc:     h.svc,
		conn:    conn,
		writer:  writer,
		limiter: rate.NewLimiter(h.eventRate, h.eventBurst),
		clock:   h.clock,
	}
	s.reply(ctx, Frame{}, domain.Event{
		Kind:    domain.EventConnectionReady,
		UserID:  p.ID,
		Payload: readyPayload{ConnectionID: id, UserID: p.ID, DisplayName: p.DisplayName},
	})

	s.readLoop(ctx)

	h.svc.Disconnect(ctx, id)
	writer.Close("")
	metrics.WebSocketConnectionDuration.Observe(h.clock.Since(start).Seconds())
}
