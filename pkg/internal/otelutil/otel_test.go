package otelutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabled(t *testing.T) {
	for _, env := range endpointEnvs {
		t.Setenv(env, "")
	}
	assert.False(t, Enabled())

	shutdown, err := Init(context.Background())
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()

	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "localhost:4317")
	assert.True(t, Enabled())
}
