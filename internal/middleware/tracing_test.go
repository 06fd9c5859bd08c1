package middleware

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestDefaultTracingConfig(t *testing.T) {
	cfg := DefaultTracingConfig()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, []string{"/health", "/ready", "/metrics"}, cfg.SkipPaths)
}

func TestTracingMiddleware_Disabled(t *testing.T) {
	recorder := withRecorder(t)

	app := fiber.New()
	app.Use(TracingMiddleware(TracingConfig{Enabled: false}))
	app.Get("/x", func(c *fiber.Ctx) error { return c.SendString(GetTraceID(c)) })

	resp, err := app.Test(httptest.NewRequest("GET", "/x", nil))
	require.NoError(t, err)
	assert.Empty(t, resp.Header.Get("X-Trace-ID"))
	assert.Empty(t, recorder.Ended())
}

func TestTracingMiddleware_SkipPaths(t *testing.T) {
	recorder := withRecorder(t)

	app := fiber.New()
	app.Use(TracingMiddleware(DefaultTracingConfig()))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("OK") })

	_, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Empty(t, recorder.Ended())
}

func TestTracingMiddleware_RequestSpan(t *testing.T) {
	recorder := withRecorder(t)

	app := fiber.New()
	app.Use(TracingMiddleware(DefaultTracingConfig()))

	var traceID string
	app.Get("/api/v1/rate-limit/status/:key", func(c *fiber.Ctx) error {
		traceID = GetTraceID(c)
		// Child spans started from the user context share the trace
		_, child := otel.Tracer("test").Start(c.UserContext(), "child")
		child.End()
		return c.SendString("OK")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/rate-limit/status/k", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, traceID, resp.Header.Get("X-Trace-ID"))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	child, server := spans[0], spans[1]
	assert.Equal(t, "GET /api/v1/rate-limit/status/:key", server.Name())
	assert.Equal(t, server.SpanContext().SpanID(), child.Parent().SpanID())
	assert.Equal(t, traceID, child.SpanContext().TraceID().String())
}
