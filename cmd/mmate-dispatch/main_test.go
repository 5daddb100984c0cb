package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-dispatch/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPublishCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  url: memory://
handlers:
  - type: invoice.paid
    queue: billing
log:
  level: error
`), 0o600))

	t.Run("publishes onto the configured queue", func(t *testing.T) {
		out, err := run(t, "--config", path, "publish", "invoice.paid", `{"amount":10}`)
		require.NoError(t, err)
		assert.Contains(t, out, "to billing")
	})

	t.Run("unconfigured types use the default queue", func(t *testing.T) {
		out, err := run(t, "--config", path, "publish", "order.created", `{}`)
		require.NoError(t, err)
		assert.Contains(t, out, "to handler.order.created")
	})

	t.Run("rejects a body that is not JSON", func(t *testing.T) {
		_, err := run(t, "--config", path, "publish", "order.created", `{nope`)
		assert.Error(t, err)
	})

	t.Run("redrive on an empty dead-letter queue moves nothing", func(t *testing.T) {
		out, err := run(t, "--config", path, "redrive", "invoice.paid", "--max", "5")
		require.NoError(t, err)
		assert.Contains(t, out, "redrove 0 message(s) of invoice.paid")
	})

	t.Run("unsupported backend fails", func(t *testing.T) {
		_, err := run(t, "--config", path, "--url", "kafka://localhost", "publish", "a", "{}")
		assert.Error(t, err)
	})
}

func TestTransportURL(t *testing.T) {
	cfg := &config.Config{Transport: config.TransportConfig{URL: "sqs://eu-west-1"}}
	assert.Equal(t, "sqs://eu-west-1", transportURL(cfg))

	cfg.Transport.SQSEndpoint = "http://localhost:4566"
	cfg.Transport.SQSCreateQueues = true
	assert.Equal(t, "sqs://eu-west-1?create=true&endpoint=http%3A%2F%2Flocalhost%3A4566", transportURL(cfg))

	cfg.Transport.URL = "redis://localhost:6379"
	assert.Equal(t, "redis://localhost:6379", transportURL(cfg))
}
