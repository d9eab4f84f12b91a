package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mcphub/mcphub/internal/config"
	"github.com/mcphub/mcphub/internal/lifecycle"
	"github.com/mcphub/mcphub/internal/registry"
	"github.com/mcphub/mcphub/internal/upstream"
)

func newTestRouter(t *testing.T) (*Router, *registry.Registry, *lifecycle.Manager) {
	t.Helper()
	reg := registry.New(nil)
	reg.RegisterTools("fs", []struct {
		Name       string
		Descriptor json.RawMessage
	}{{Name: "read_file", Descriptor: json.RawMessage(`{"name":"read_file","description":"reads a file"}`)}})

	servers := []config.ServerConfig{{ID: "fs", ActivationPolicy: config.ActivationAlways}}
	lc := lifecycle.New(servers, func(ctx context.Context, id string) error { return nil }, func(id string) error { return nil }, nil)
	if err := lc.Activate(context.Background(), "fs", lifecycle.SourceStartup); err != nil {
		t.Fatalf("activate: %v", err)
	}

	r := New(reg, lc, nil, func(id string) (*upstream.Client, bool) { return nil, false }, nil, ServerInfo{Name: "hub", Version: "1.0"})
	return r, reg, lc
}

func TestHandleToolsListReturnsPublicNames(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := r.Handle(context.Background(), "sess1", []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/list"}`))

	var decoded struct {
		Result struct {
			Tools []struct{ Name string } `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v, body=%s", err, resp)
	}
	if len(decoded.Result.Tools) != 1 || decoded.Result.Tools[0].Name != "fs_read_file" {
		t.Fatalf("tools = %+v, want [fs_read_file]", decoded.Result.Tools)
	}
}

func TestHandleUnknownMethodReturnsMethodNotFound(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := r.Handle(context.Background(), "sess1", []byte(`{"jsonrpc":"2.0","id":1,"method":"bogus/thing"}`))

	var decoded struct {
		Error struct{ Code int } `json:"error"`
	}
	_ = json.Unmarshal(resp, &decoded)
	if decoded.Error.Code != -32601 {
		t.Fatalf("code = %d, want -32601", decoded.Error.Code)
	}
}

func TestHandleNotificationReturnsNil(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := r.Handle(context.Background(), "sess1", []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if resp != nil {
		t.Fatalf("expected nil response for notification, got %s", resp)
	}
}

func TestHandleToolsCallUnknownNameReturnsInvalidParams(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := r.Handle(context.Background(), "sess1", []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"nope"}}`))

	var decoded struct {
		Error struct{ Code int } `json:"error"`
	}
	_ = json.Unmarshal(resp, &decoded)
	if decoded.Error.Code != -32602 {
		t.Fatalf("code = %d, want -32602", decoded.Error.Code)
	}
}

func TestCallContextFixedDeadlineWhenResetDisabled(t *testing.T) {
	ctx, reset, cancel := callContext(context.Background(), config.Timeouts{Call: 20 * time.Millisecond})
	defer cancel()
	reset() // must be a harmless no-op

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("context never expired despite a fixed 20ms deadline")
	}
}

func TestCallContextResetExtendsDeadlineUpToMax(t *testing.T) {
	to := config.Timeouts{Call: 30 * time.Millisecond, MaxTotalTimeout: 80 * time.Millisecond, ResetTimeoutOnProgress: true}
	ctx, reset, cancel := callContext(context.Background(), to)
	defer cancel()

	// Keep resetting faster than the 30ms step; the context must survive
	// well past the original step since progress keeps arriving.
	deadline := time.Now().Add(70 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		reset()
		if ctx.Err() != nil {
			t.Fatalf("context expired early despite repeated progress resets")
		}
	}

	// No more resets: it must still expire once MaxTotalTimeout is reached.
	select {
	case <-ctx.Done():
	case <-time.After(300 * time.Millisecond):
		t.Fatal("context never expired after resets stopped and MaxTotalTimeout elapsed")
	}
}

func TestHandleInitializeReportsToolsCapability(t *testing.T) {
	r, _, _ := newTestRouter(t)
	resp := r.Handle(context.Background(), "sess1", []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))

	var decoded struct {
		Result struct {
			Capabilities struct {
				Tools map[string]interface{} `json:"tools"`
			} `json:"capabilities"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Result.Capabilities.Tools == nil {
		t.Fatal("expected tools capability to be advertised")
	}
}
