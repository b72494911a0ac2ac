package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"novelloop/internal/config"
)

func restoreGlobal(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestSetup_NoopWhenDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Endpoint: "http://localhost:4318"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{Enabled: true})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, shutdown(ctx))
}

func TestSetup_ExporterShutsDownCleanly(t *testing.T) {
	restoreGlobal(t)
	// Non-routable address; nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "http://192.0.2.1:4318",
		ServiceName: "novelloop-test",
	})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInstall_RecordsSpans(t *testing.T) {
	restoreGlobal(t)
	rec := tracetest.NewSpanRecorder()
	shutdown, err := install(context.Background(), "", sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	_, span := otel.Tracer("test").Start(context.Background(), "orchestrator.DRAFTING")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "orchestrator.DRAFTING", spans[0].Name())
	assert.Contains(t, spans[0].Resource().Attributes(), semconv.ServiceName("novelloop"))
}
