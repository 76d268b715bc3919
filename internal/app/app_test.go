package app

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turris-cz/foris-forwarder-go/internal/config"
)

const testDoc = `
host:
  address: 127.0.0.1
  port: 1883
  username: forwarder
  password: secret
subordinates:
  - controller_id: 0123456789abcdef
    ca_cert_path: app_test.go
    client_cert_path: app_test.go
    client_key_path: app_test.go
`

func TestResetForTests_ClearsSingletonLatch(t *testing.T) {
	t.Cleanup(resetForTests)

	instantiated.Store(true)
	resetForTests()
	assert.False(t, instantiated.Load())
}

func TestNew_BuildsOneUnitPerSubordinate(t *testing.T) {
	t.Cleanup(resetForTests)

	cfg, err := config.Parse([]byte(testDoc), slog.Default())
	require.NoError(t, err)

	a, err := New(cfg, slog.Default())
	require.NoError(t, err)

	status := a.Status()
	assert.Len(t, status.Subordinates, 1)
	assert.Equal(t, "idle", status.Subordinates["0123456789ABCDEF"])
}

func TestNew_RejectsSecondApplicationInSameProcess(t *testing.T) {
	t.Cleanup(resetForTests)

	cfg, err := config.Parse([]byte(testDoc), slog.Default())
	require.NoError(t, err)

	_, err = New(cfg, slog.Default())
	require.NoError(t, err)

	_, err = New(cfg, slog.Default())
	assert.Error(t, err)
}
