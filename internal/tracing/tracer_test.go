package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	provider, err := NewProvider(Config{})
	require.NoError(t, err)
	assert.False(t, provider.Enabled())

	_, span := provider.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestEnabledProviderRecordsSpans(t *testing.T) {
	provider, err := NewProvider(Config{Enabled: true, Exporter: ExporterNone, SampleRate: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, span := provider.Tracer().Start(context.Background(), "recorded")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestUnsupportedExporterFails(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestTracerOrNoop(t *testing.T) {
	assert.NotNil(t, TracerOrNoop(nil))
}
