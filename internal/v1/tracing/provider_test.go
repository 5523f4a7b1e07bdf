package tracing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectorCredentials(t *testing.T) {
	t.Run("should default to TLS", func(t *testing.T) {
		creds := collectorCredentials()
		assert.Equal(t, "tls", creds.Info().SecurityProtocol)
	})

	t.Run("should use plaintext when the exporter is marked insecure", func(t *testing.T) {
		t.Setenv("OTEL_EXPORTER_INSECURE", "true")
		creds := collectorCredentials()
		assert.Equal(t, "insecure", creds.Info().SecurityProtocol)
	})
}
