package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    []string
		notExpected []string
	}{
		{name: "empty string", input: ""},
		{
			name:     "no sensitive params",
			input:    "page=1&limit=10",
			expected: []string{"page=1", "limit=10"},
		},
		{
			name:        "token redacted",
			input:       "token=abc123&key=user:1",
			expected:    []string{"token=%5Bredacted%5D", "key=user%3A1"},
			notExpected: []string{"abc123"},
		},
		{
			name:        "case insensitive",
			input:       "Access_Token=secretvalue",
			expected:    []string{"Access_Token=%5Bredacted%5D"},
			notExpected: []string{"secretvalue"},
		},
		{
			name:     "unparseable",
			input:    "%zz",
			expected: []string{"[redacted]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactQueryString(tt.input)
			for _, s := range tt.expected {
				assert.Contains(t, got, s)
			}
			for _, s := range tt.notExpected {
				assert.NotContains(t, got, s)
			}
		})
	}
}

func newLoggedApp(cfg StructuredLoggerConfig) (*fiber.App, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	cfg.Logger = &logger

	app := fiber.New()
	app.Use(StructuredLogger(cfg))
	return app, &buf
}

func lastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.NotEmpty(t, lines[len(lines)-1], "expected a log line")

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestStructuredLogger_SkipPaths(t *testing.T) {
	app, buf := newLoggedApp(DefaultStructuredLoggerConfig())
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("OK") })

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Empty(t, buf.String())
}

func TestStructuredLogger_Fields(t *testing.T) {
	app, buf := newLoggedApp(DefaultStructuredLoggerConfig())
	app.Get("/api/v1/things", func(c *fiber.Ctx) error {
		// Identity set by route-level auth after the logger started
		c.Locals(LocalUserID, "user-123")
		c.Locals(LocalTenantID, "acme")
		c.Set(HeaderRateLimitLimit, "10")
		c.Set(HeaderRateLimitRemaining, "9")
		return c.SendString("OK")
	})

	req := httptest.NewRequest("GET", "/api/v1/things?token=abc", nil)
	req.Header.Set("X-Request-ID", "req-1")
	_, err := app.Test(req)
	require.NoError(t, err)

	entry := lastLogLine(t, buf)
	assert.Equal(t, "HTTP request", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "/api/v1/things", entry["path"])
	assert.Equal(t, float64(200), entry["status"])
	assert.Equal(t, "user-123", entry["user_id"])
	assert.Equal(t, "acme", entry["tenant_id"])
	assert.Equal(t, "10", entry["ratelimit_limit"])
	assert.Equal(t, "9", entry["ratelimit_remaining"])
	assert.NotContains(t, entry["query"], "abc")
}

func TestStructuredLogger_Levels(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"success", 200, "info"},
		{"client error", 400, "warn"},
		{"rate limited", 429, "info"},
		{"server error", 503, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, buf := newLoggedApp(DefaultStructuredLoggerConfig())
			app.Get("/x", func(c *fiber.Ctx) error { return c.SendStatus(tt.status) })

			_, err := app.Test(httptest.NewRequest("GET", "/x", nil))
			require.NoError(t, err)
			assert.Equal(t, tt.level, lastLogLine(t, buf)["level"])
		})
	}
}

func TestStructuredLogger_SkipSuccessfulRequests(t *testing.T) {
	app, buf := newLoggedApp(StructuredLoggerConfig{SkipSuccessfulRequests: true})
	app.Get("/ok", func(c *fiber.Ctx) error { return c.SendString("OK") })
	app.Get("/fail", func(c *fiber.Ctx) error { return c.SendStatus(500) })

	_, err := app.Test(httptest.NewRequest("GET", "/ok", nil))
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	_, err = app.Test(httptest.NewRequest("GET", "/fail", nil))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "/fail")
}

func TestStructuredLogger_HandlerError(t *testing.T) {
	app, buf := newLoggedApp(DefaultStructuredLoggerConfig())
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("kaboom") })

	_, err := app.Test(httptest.NewRequest("GET", "/boom", nil))
	require.NoError(t, err)

	entry := lastLogLine(t, buf)
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "kaboom", entry["error"])
}
