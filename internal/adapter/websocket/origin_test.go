package websocket

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCheckOrigin(t *testing.T) {
	allowed := []string{"https://app.example.com", "https://admin.example.com:8443/"}

	tests := []struct {
		name          string
		origin        string
		isDevelopment bool
		want          bool
	}{
		{"no origin header", "", false, true},
		{"listed origin", "https://app.example.com", false, true},
		{"listed origin with port", "https://admin.example.com:8443", false, true},
		{"case insensitive", "https://APP.example.com", false, true},

		{"unlisted host", "https://evil.com", false, false},
		{"different port", "https://app.example.com:9090", false, false},
		{"http instead of https", "http://app.example.com", false, false},
		{"subdomain", "https://sub.app.example.com", false, false},

		{"localhost dev", "http://localhost:5173", true, true},
		{"loopback dev", "http://127.0.0.1:3000", true, true},
		{"localhost prod rejected", "http://localhost:5173", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewCheckOrigin(allowed, tt.isDevelopment)
			r, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, checker(r))
		})
	}
}

func TestExtractOrigin(t *testing.T) {
	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{"full URL with path", "https://example.com/chat", "https://example.com"},
		{"URL with port", "https://example.com:8443/path", "https://example.com:8443"},
		{"surrounding space", "  http://localhost:8080 ", "http://localhost:8080"},
		{"empty string", "", ""},
		{"no host", "mailto:user@example.com", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractOrigin(tt.rawURL))
		})
	}
}
