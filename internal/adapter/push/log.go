package push

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jschvat/posting-system-refactor-sub005/internal/domain"
)

// LogProvider stands in for a gateway in development. Every send succeeds.
type LogProvider struct {
	Platform domain.Platform
}

func (p LogProvider) Send(ctx context.Context, token string, payload domain.PushPayload) (string, error) {
	id := uuid.NewString()
	slog.InfoContext(ctx, "Push (log only)", "platform", p.Platform, "token", redact(token),
		"notification_id", payload.NotificationID, "title", payload.Title, "badge", payload.Badge, "message_id", id)
	return id, nil
}

func redact(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "…" + token[len(token)-4:]
}

// Providers builds one provider per platform: gateways when a URL is
// configured, log providers otherwise.
func Providers(gatewayURL string) map[domain.Platform]domain.PushProvider {
	platforms := []domain.Platform{domain.PlatformIOS, domain.PlatformAndroid, domain.PlatformWeb}
	out := make(map[domain.Platform]domain.PushProvider, len(platforms))
	for _, p := range platforms {
		if gatewayURL == "" {
			out[p] = LogProvider{Platform: p}
			continue
		}
		out[p] = NewGateway(gatewayURL, p, nil)
	}
	return out
}
