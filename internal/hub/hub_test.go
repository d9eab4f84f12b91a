package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcphub/mcphub/internal/config"
)

func testConfig(servers ...config.ServerConfig) config.HubConfig {
	cfg := config.HubConfig{Listen: config.ListenConfig{Stdio: true}, Servers: servers}
	cfg.SetDefaults()
	return cfg
}

func TestNewBuildsRouterAndRegistry(t *testing.T) {
	h := New(testConfig(), nil)
	assert.NotNil(t, h.registry)
	assert.NotNil(t, h.lifecycle)
	assert.NotNil(t, h.router)
	assert.NotNil(t, h.fanout)
	assert.NotNil(t, h.sessions)
}

func TestClientForReturnsFalseForUnknownServer(t *testing.T) {
	h := New(testConfig(), nil)
	_, ok := h.clientFor("nope")
	assert.False(t, ok, "expected no client for an unregistered server id")
}

func TestStopServerIsNoopWithoutAClient(t *testing.T) {
	h := New(testConfig(config.ServerConfig{ID: "fs", Transport: config.TransportStdio, Command: "true"}), nil)
	require.NoError(t, h.stopServer("fs"))
}

func TestNewTransportRejectsUnknownKind(t *testing.T) {
	_, err := newTransport(config.ServerConfig{ID: "x", Transport: "carrier-pigeon"})
	require.Error(t, err)
}

func TestBroadcastListChangedOnRegistration(t *testing.T) {
	h := New(testConfig(), nil)
	done := make(chan struct{}, 1)
	h.fanout.RegisterClient("c1", fanoutRecorder{done})
	h.registry.RegisterTools("fs", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "read_file", Descriptor: json.RawMessage(`{"name":"read_file"}`)}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a list_changed broadcast after registering a tool")
	}
}

type fanoutRecorder struct{ done chan struct{} }

func (f fanoutRecorder) WriteEvent(event string, data []byte) error {
	select {
	case f.done <- struct{}{}:
	default:
	}
	return nil
}

func TestActivateAlwaysServersSkipsDisabledAndOnDemand(t *testing.T) {
	cfg := testConfig(
		config.ServerConfig{ID: "a", Transport: config.TransportStdio, Command: "true", ActivationPolicy: config.ActivationOnDemand},
		config.ServerConfig{ID: "b", Transport: config.TransportStdio, Command: "true", Disabled: true, ActivationPolicy: config.ActivationAlways},
	)
	h := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.activateAlwaysServers(ctx))

	st, ok := h.lifecycle.State("a")
	if ok {
		assert.False(t, st.AcceptsRequests(), "onDemand server should not be auto-activated")
	}
}
