// Package otelutil exports the weaver metrics and spans when OpenTelemetry
// is configured through the standard OTEL_* environment variables.
package otelutil

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/honeycombio/otel-config-go/otelconfig"

	"github.com/cbyrne/betterinject/pkg/version"
)

var endpointEnvs = []string{
	"OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
	"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
}

// Enabled reports whether an OTLP endpoint is configured.
func Enabled() bool {
	for _, env := range endpointEnvs {
		if os.Getenv(env) != "" {
			return true
		}
	}
	return false
}

// Init installs the global OpenTelemetry providers if Enabled.
// The returned func flushes and stops them and must always be called.
func Init(ctx context.Context) (shutdown func(), err error) {
	if !Enabled() {
		return func() {}, nil
	}
	shutdown, err = otelconfig.ConfigureOpenTelemetry(
		otelconfig.WithServiceName("betterinject"),
		otelconfig.WithServiceVersion(version.String()),
	)
	if err != nil {
		return func() {}, fmt.Errorf("error configuring OpenTelemetry: %w", err)
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("OpenTelemetry exporters enabled")
	return shutdown, nil
}
