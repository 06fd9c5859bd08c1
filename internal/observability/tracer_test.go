package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
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

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tracer)

	assert.False(t, tracer.IsEnabled())
	assert.Nil(t, tracer.provider)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracer_NilSafe(t *testing.T) {
	var tracer *Tracer
	assert.False(t, tracer.IsEnabled())
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestSamplerFor(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-1, "AlwaysOnSampler"},
		{0.25, "ParentBased{root:TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		assert.Contains(t, samplerFor(tt.rate).Description(), tt.want, "rate %v", tt.rate)
	}
}

func TestExtractTraceID(t *testing.T) {
	t.Run("empty without span", func(t *testing.T) {
		assert.Empty(t, ExtractTraceID(context.Background()))
	})

	t.Run("returns the recording span's id", func(t *testing.T) {
		withRecorder(t)
		ctx, span := otel.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		id := ExtractTraceID(ctx)
		assert.Len(t, id, 32)
		assert.Equal(t, span.SpanContext().TraceID().String(), id)
	})
}

func TestDBSpan(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartDBSpan(context.Background(), "increment", "ratelimit.rate_limits")
	EndDBSpan(span, nil)
	_, span = StartDBSpan(context.Background(), "cleanup", "ratelimit.rate_limits")
	EndDBSpan(span, errors.New("connection refused"))

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "db.increment", ended[0].Name())
	assert.Equal(t, "ratelimit.rate_limits", attrs(ended[0])["db.table"].AsString())
	assert.Equal(t, "postgresql", attrs(ended[0])["db.system"].AsString())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	assert.Equal(t, "db.cleanup", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "connection refused", ended[1].Status().Description)
}

func TestRateLimitSpan(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartRateLimitSpan(context.Background(), "check", "user:42", "token-bucket")
	EndRateLimitSpan(span, false, nil)
	_, span = StartRateLimitSpan(context.Background(), "clear", "login", "")
	EndRateLimitSpan(span, false, errors.New("store unavailable"))

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	check := attrs(ended[0])
	assert.Equal(t, "ratelimit.check", ended[0].Name())
	assert.Equal(t, "user:42", check["ratelimit.key"].AsString())
	assert.Equal(t, "token-bucket", check["ratelimit.strategy"].AsString())
	assert.False(t, check["ratelimit.allowed"].AsBool())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)

	assert.Equal(t, codes.Error, ended[1].Status().Code)
}
