package otelcol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"creatorhub-settlement/pkg/config"
)

func TestNewResourceAttributes(t *testing.T) {
	cfg := &config.Config{
		AppEnv:  "test",
		AppName: "settlement",
	}

	res := newResource(cfg)

	attrs := make(map[attribute.Key]string, len(res.Attributes()))
	for _, kv := range res.Attributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}

	require.Equal(t, "settlement", attrs["service.name"])
	require.Equal(t, "test", attrs["deployment.environment.name"])
}
