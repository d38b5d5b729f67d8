package httpserver

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/correlation"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const principalKey = "principal"

func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(echo.HeaderXRequestID)
		if id == "" {
			id = correlation.NewID()
		}
		ctx := correlation.WithID(c.Request().Context(), id)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(echo.HeaderXRequestID, id)
		return next(c)
	}
}

// metricsMiddleware skips scrape, probe and websocket routes.
func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		path := c.Path()
		if path == "/metrics" || path == "/ws" || strings.HasPrefix(path, "/health/") {
			return next(c)
		}

		metrics.HTTPInFlight.Inc()
		defer metrics.HTTPInFlight.Dec()

		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			status := strconv.Itoa(c.Response().Status)
			metrics.HTTPRequestDuration.WithLabelValues(c.Request().Method, path, status).Observe(v)
			metrics.HTTPRequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
		}))

		err := next(c)
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) && !c.Response().Committed {
			c.Response().Status = httpErr.Code
		}
		timer.ObserveDuration()
		return err
	}
}

// internalKeyAuth guards server-to-server routes with the shared X-API-Key.
// An empty configured key rejects every request.
func (s *Server) internalKeyAuth() echo.MiddlewareFunc {
	expected := []byte(s.config.InternalAPIKey)
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:X-API-Key",
		Validator: func(key string, _ echo.Context) (bool, error) {
			if len(expected) == 0 {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), expected) == 1, nil
		},
		ErrorHandler: func(error, echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid api key")
		},
	})
}

// requireUser authenticates the bearer token and stores the principal.
func (s *Server) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if !strings.HasPrefix(header, "Bearer ") {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		p, err := s.verifier.Verify(header)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
		}
		c.Set(principalKey, p)
		c.Set("user_id", p.ID)
		ctx := correlation.WithConnection(c.Request().Context(), "", p.ID)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func principalFrom(c echo.Context) (domain.Principal, bool) {
	p, ok := c.Get(principalKey).(domain.Principal)
	return p, ok
}
