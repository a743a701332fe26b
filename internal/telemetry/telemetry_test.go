package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/nyashahama/workspace-billing-backend/internal/telemetry"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), telemetry.Config{ServiceName: "test"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	require.Contains(t, fields, "traceparent")
	require.Contains(t, fields, "baggage")
}

func TestTracerStartsSpans(t *testing.T) {
	ctx, span := telemetry.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	require.NotNil(t, ctx)
}
