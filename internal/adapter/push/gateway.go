// Package push implements domain.PushProvider against an HTTP push gateway
// that fronts APNs, FCM and Web Push.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
	"github.com/jschvat/posting-system-refactor-sub005/internal/metrics"
	"github.com/jschvat/posting-system-refactor-sub005/internal/platform/version"
	"github.com/sony/gobreaker"
)

const maxErrorBody = 4 << 10

// ThrottledError is a transient failure carrying the gateway's Retry-After.
type ThrottledError struct {
	Wait time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("push gateway throttled, retry after %s", e.Wait)
}

func (e *ThrottledError) Unwrap() error              { return domain.ErrTransientDelivery }
func (e *ThrottledError) RetryAfter() time.Duration { return e.Wait }

type sendRequest struct {
	Platform     domain.Platform    `json:"platform"`
	Token        string             `json:"token"`
	Notification domain.PushPayload `json:"notification"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Gateway sends one platform's pushes. A circuit breaker sheds load while the
// gateway itself is failing; dead tokens do not count against it.
type Gateway struct {
	platform domain.Platform
	endpoint string
	client   *http.Client
	cb       *gobreaker.CircuitBreaker
}

var _ domain.PushProvider = (*Gateway)(nil)

func NewGateway(baseURL string, platform domain.Platform, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{}
	}
	name := "push-" + string(platform)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsPermanentDelivery(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	})
	return &Gateway{
		platform: platform,
		endpoint: strings.TrimRight(baseURL, "/") + "/v1/send",
		client:   client,
		cb:       cb,
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return -1
}

func (g *Gateway) State() gobreaker.State {
	return g.cb.State()
}

func (g *Gateway) Send(ctx context.Context, token string, payload domain.PushPayload) (string, error) {
	res, err := g.cb.Execute(func() (any, error) {
		return g.send(ctx, token, payload)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %w", domain.ErrTransientDelivery, err)
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (g *Gateway) send(ctx context.Context, token string, payload domain.PushPayload) (string, error) {
	body, err := json.Marshal(sendRequest{Platform: g.platform, Token: token, Notification: payload})
	if err != nil {
		return "", fmt.Errorf("%w: failed to encode request: %w", domain.ErrPermanentDelivery, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: failed to build request: %w", domain.ErrTransientDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransientDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var out sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("%w: failed to decode response: %w", domain.ErrTransientDelivery, err)
		}
		return out.MessageID, nil
	}

	return "", classifyResponse(resp)
}

// classifyResponse maps gateway failures onto the delivery taxonomy. Gone and
// unregistered tokens are permanent; everything unrecognised is transient.
func classifyResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body errorResponse
	_ = json.Unmarshal(raw, &body)
	reason := body.Error
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%w: %s", domain.ErrPermanentDelivery, reason)
	case http.StatusTooManyRequests:
		return &ThrottledError{Wait: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case http.StatusBadRequest:
		switch body.Error {
		case "unregistered", "invalid_token", "mismatched_sender":
			return fmt.Errorf("%w: %s", domain.ErrPermanentDelivery, reason)
		}
	}
	return fmt.Errorf("%w: gateway status %d: %s", domain.ErrTransientDelivery, resp.StatusCode, reason)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
