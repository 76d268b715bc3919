package forwarder

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turris-cz/foris-forwarder-go/internal/busclient"
	"github.com/turris-cz/foris-forwarder-go/internal/config"
)

func testHostSubCfg() (config.Host, config.Subordinate) {
	host := config.Host{Address: "127.0.0.1", Port: 1883, Username: "forwarder", Password: "secret"}
	sub := config.Subordinate{
		ControllerID:   "0123456789abcdef",
		Address:        "10.0.0.5",
		Port:           11884,
		CACertPath:     "forwarder_test.go",
		ClientCertPath: "forwarder_test.go",
		ClientKeyPath:  "forwarder_test.go",
		Subsubordinates: []config.Subsubordinate{
			{ControllerID: "fedcba9876543210"},
		},
	}
	return host, sub
}

func newTestForwarder(t *testing.T) *Forwarder {
	t.Helper()
	host, sub := testHostSubCfg()
	f, err := New(host, sub, slog.Default())
	require.NoError(t, err)
	return f
}

func TestNew_RejectsBadControllerID(t *testing.T) {
	host, sub := testHostSubCfg()
	sub.ControllerID = "not-hex"
	_, err := New(host, sub, slog.Default())
	assert.Error(t, err)
}

func TestHostFilters_WidenedBySubsubordinates(t *testing.T) {
	f := newTestForwarder(t)
	filters := f.hostFilters()

	assert.Greater(t, len(filters), 4)
	found := false
	for _, flt := range filters {
		if flt.Topic == "foris-controller/FEDCBA9876543210/request/+/action/+" {
			found = true
		}
	}
	assert.True(t, found, "expected host filters to include the subsubordinate namespace")
}

func TestSubFilters_WidenedBySubsubordinates(t *testing.T) {
	f := newTestForwarder(t)
	filters := f.subFilters()

	found := false
	for _, flt := range filters {
		if flt.Topic == "foris-controller/FEDCBA9876543210/reply/+" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestState_StringValues(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
}

func TestForwarder_RelaysHostMessageToSubordinateQueue(t *testing.T) {
	f := newTestForwarder(t)

	var relayed int
	f.SetMetricsHook(func(direction string) {
		if direction == "host_to_sub" {
			relayed++
		}
	})

	// New already installed the relay hook via registerMessageHandlers.
	// SetOnMessage(nil) both clears it and returns the installed handler,
	// which we invoke directly to simulate an inbound broker message.
	handler := f.host.SetOnMessage(nil)
	require.NotNil(t, handler)

	handler("foris-controller/0123456789ABCDEF/request/1/action/get", []byte("payload"))

	assert.Equal(t, 1, relayed)
}

func TestForwarder_RelaysSubordinateMessageToHostQueue(t *testing.T) {
	f := newTestForwarder(t)

	var relayed int
	f.SetMetricsHook(func(direction string) {
		if direction == "sub_to_host" {
			relayed++
		}
	})

	handler := f.sub.SetOnMessage(nil)
	require.NotNil(t, handler)

	handler("foris-controller/0123456789ABCDEF/reply/1", []byte("payload"))

	assert.Equal(t, 1, relayed)
}

func TestForwarder_RoundTripRelaysBothDirections(t *testing.T) {
	f := newTestForwarder(t)

	var hostToSub, subToHost int
	f.SetMetricsHook(func(direction string) {
		switch direction {
		case "host_to_sub":
			hostToSub++
		case "sub_to_host":
			subToHost++
		}
	})

	hostHandler := f.host.SetOnMessage(nil)
	subHandler := f.sub.SetOnMessage(nil)
	require.NotNil(t, hostHandler)
	require.NotNil(t, subHandler)

	// A request arrives on the host side and is relayed toward the
	// subordinate; its reply arrives on the subordinate side and is
	// relayed back toward the host.
	hostHandler("foris-controller/0123456789ABCDEF/request/1/action/get", []byte("request"))
	subHandler("foris-controller/0123456789ABCDEF/reply/1", []byte("reply"))

	assert.Equal(t, 1, hostToSub)
	assert.Equal(t, 1, subToHost)
}

func TestForwarder_ReadyOnlyOnceBothSidesConnectedAndSubscribed(t *testing.T) {
	f := newTestForwarder(t)
	f.runCtx = context.Background()

	assert.Equal(t, StateIdle, f.State())

	f.handleConnect(true, true) // host connects, enqueues its Subscribe
	f.onActionResult(true, busclient.Action{Kind: busclient.Subscribe}, busclient.Ready)
	assert.NotEqual(t, StateReady, f.State(), "ready must wait on the subordinate side too")

	f.handleConnect(false, true) // subordinate connects, enqueues its Subscribe
	f.onActionResult(false, busclient.Action{Kind: busclient.Subscribe}, busclient.Ready)
	assert.Equal(t, StateReady, f.State())
}

func TestForwarder_DisconnectOnEitherSideDropsReady(t *testing.T) {
	f := newTestForwarder(t)
	f.runCtx = context.Background()

	f.handleConnect(true, true)
	f.onActionResult(true, busclient.Action{Kind: busclient.Subscribe}, busclient.Ready)
	f.handleConnect(false, true)
	f.onActionResult(false, busclient.Action{Kind: busclient.Subscribe}, busclient.Ready)
	require.Equal(t, StateReady, f.State())

	f.handleDisconnect(false) // only the subordinate side drops
	assert.Equal(t, StateDisconnected, f.State())
}

func TestForwarder_ReconnectHookFiresOnlyAfterFirstConnect(t *testing.T) {
	f := newTestForwarder(t)
	f.runCtx = context.Background()

	var reconnects []string
	f.SetReconnectHook(func(side string) { reconnects = append(reconnects, side) })

	f.handleConnect(true, true) // first connect: not a reconnect
	assert.Empty(t, reconnects)

	f.handleDisconnect(true)
	f.handleConnect(true, true) // second connect: a reconnect
	assert.Equal(t, []string{"host"}, reconnects)
}

func TestForwarder_ActionFailureHookFiresOnNotReady(t *testing.T) {
	f := newTestForwarder(t)

	var side, action string
	f.SetActionFailureHook(func(s, a string) { side, action = s, a })

	f.onActionResult(false, busclient.Action{Kind: busclient.Publish}, busclient.NotReady)

	assert.Equal(t, "subordinate", side)
	assert.Equal(t, "publish", action)
}
