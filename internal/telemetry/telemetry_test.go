package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/scrolldepth/internal/config"
)

func TestInitWithoutProjectInstallsPropagator(t *testing.T) {
	tp, mp, err := Init(context.Background(), config.ApplicationConfig{ServiceName: "scrolldepth-test", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, mp)
	require.ElementsMatch(t, []string{"traceparent", "tracestate", "baggage"}, otel.GetTextMapPropagator().Fields())

	again, _, err := Init(context.Background(), config.ApplicationConfig{})
	require.NoError(t, err)
	require.Same(t, tp, again)

	require.NoError(t, Shutdown(context.Background(), tp, mp))
}
