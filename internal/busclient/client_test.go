package busclient

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turris-cz/foris-forwarder-go/internal/ctrlid"
)

func testLogger() *slog.Logger { return slog.Default() }

func newTestClient(t *testing.T) *Client {
	t.Helper()
	settings := PasswordSettings{
		ID:       ctrlid.MustParse("0123456789abcdef"),
		Host:     "127.0.0.1",
		Port:     1883,
		Username: "forwarder",
		Password: "secret",
	}
	c, err := New(settings, testLogger())
	require.NoError(t, err)
	return c
}

func TestClient_HookReplaceReturnsPrevious(t *testing.T) {
	c := newTestClient(t)

	var firstCalls, secondCalls int
	prev := c.SetOnConnect(func(success bool, err error) { firstCalls++ })
	assert.Nil(t, prev)

	prev = c.SetOnConnect(func(success bool, err error) { secondCalls++ })
	assert.NotNil(t, prev)

	c.fireConnect(true, nil)
	assert.Equal(t, 0, firstCalls)
	assert.Equal(t, 1, secondCalls)
}

func TestClient_OneShotSaveInstallRestore(t *testing.T) {
	c := newTestClient(t)

	var longLivedCalls int
	c.SetOnDisconnect(func(err error) { longLivedCalls++ })

	done := make(chan error, 1)
	saved := c.SetOnDisconnect(func(err error) { done <- err })

	c.fireDisconnect(errors.New("boom"))
	select {
	case err := <-done:
		assert.EqualError(t, err, "boom")
	default:
		t.Fatal("one-shot hook was not invoked")
	}

	c.SetOnDisconnect(saved)
	c.fireDisconnect(nil)
	assert.Equal(t, 1, longLivedCalls)
}

func TestClient_ControllerIDAndAddress(t *testing.T) {
	c := newTestClient(t)
	assert.Equal(t, "0123456789ABCDEF", c.ControllerID().String())
	assert.Equal(t, "127.0.0.1:1883", c.Address())
}

func TestClient_NextMIDIsMonotonic(t *testing.T) {
	c := newTestClient(t)
	first := c.nextMID()
	second := c.nextMID()
	assert.Less(t, first, second)
}

func TestClient_WaitUntilConnected_TimesOutWhenNotConnected(t *testing.T) {
	c := newTestClient(t)

	start := time.Now()
	err := c.WaitUntilConnected(context.Background(), 50*time.Millisecond)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClient_WaitUntilConnected_ReturnsContextError(t *testing.T) {
	c := newTestClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.WaitUntilConnected(ctx, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_NilLoggerPanics(t *testing.T) {
	settings := PasswordSettings{ID: ctrlid.MustParse("0123456789abcdef"), Host: "127.0.0.1", Port: 1883, Username: "u"}
	assert.Panics(t, func() { _, _ = New(settings, nil) })
}
