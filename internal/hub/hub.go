// Package hub is the facade that binds the registry, lifecycle manager,
// session store, and SSE fan-out into one running MCP multiplexing hub. It
// owns startup and shutdown ordering and exposes the downstream transports.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mcphub/mcphub/internal/config"
	"github.com/mcphub/mcphub/internal/huberr"
	"github.com/mcphub/mcphub/internal/lifecycle"
	"github.com/mcphub/mcphub/internal/registry"
	"github.com/mcphub/mcphub/internal/router"
	"github.com/mcphub/mcphub/internal/session"
	"github.com/mcphub/mcphub/internal/ssefanout"
	"github.com/mcphub/mcphub/internal/transport/childproc"
	"github.com/mcphub/mcphub/internal/transport/httpclient"
	"github.com/mcphub/mcphub/internal/transport/stdiodown"
	"github.com/mcphub/mcphub/internal/transport/streamhttp"
	"github.com/mcphub/mcphub/internal/upstream"
)

// downstreamTransport is the operation surface shared by stdiodown.Transport
// and streamhttp.Transport, the two downstream-facing adapters the hub may
// run concurrently.
type downstreamTransport interface {
	Start(ctx context.Context) error
	Close() error
}

// Hub owns every component and drives startup/shutdown ordering.
type Hub struct {
	cfg    config.HubConfig
	logger *slog.Logger

	registry  *registry.Registry
	lifecycle *lifecycle.Manager
	sessions  *session.Store
	fanout    *ssefanout.Fanout
	router    *router.Router

	clientsMu sync.RWMutex
	clients   map[string]*upstream.Client

	downstream []downstreamTransport
}

// New constructs a Hub from a validated configuration. It does not start
// anything; call Run to bring the hub up.
func New(cfg config.HubConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		cfg:      cfg,
		logger:   logger,
		sessions: session.NewStore(cfg.SessionTTL),
		clients:  make(map[string]*upstream.Client),
	}

	h.fanout = ssefanout.New(func(clientID string) {
		h.logger.Debug("evicted stalled SSE client", "client_id", clientID)
	})

	h.registry = registry.New(func(kind registry.Kind) {
		h.broadcastListChanged(kind)
	})

	byID := make(map[string]config.ServerConfig, len(cfg.Servers))
	active := make([]config.ServerConfig, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		if sc.Disabled {
			continue
		}
		byID[sc.ID] = sc
		active = append(active, sc)
	}

	h.lifecycle = lifecycle.New(active,
		func(ctx context.Context, serverID string) error { return h.startServer(ctx, byID[serverID]) },
		func(serverID string) error { return h.stopServer(serverID) },
		func(serverID string, from, to lifecycle.State) {
			h.logger.Info("server state transition", "server_id", serverID, "from", from, "to", to)
		},
	)

	h.router = router.New(h.registry, h.lifecycle, h.fanout, h.clientFor,
		func(serverID string) config.Timeouts { return byID[serverID].Timeouts },
		router.ServerInfo{Name: "mcphub", Version: "dev"})

	return h
}

func (h *Hub) clientFor(serverID string) (*upstream.Client, bool) {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	c, ok := h.clients[serverID]
	return c, ok
}

func (h *Hub) broadcastListChanged(kind registry.Kind) {
	var method string
	switch kind {
	case registry.KindTool:
		method = "notifications/tools/list_changed"
	case registry.KindResource:
		method = "notifications/resources/list_changed"
	case registry.KindPrompt:
		method = "notifications/prompts/list_changed"
	}
	data, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "method": method})
	h.fanout.Broadcast("", data)
}

// newTransport builds the outbound upstream.Transport for sc's configured
// kind.
func newTransport(sc config.ServerConfig) (upstream.Transport, error) {
	switch sc.Transport {
	case config.TransportStdio:
		return childproc.New(sc.Command, sc.Args, sc.Env, sc.Cwd), nil
	case config.TransportHTTP, config.TransportSSE:
		return httpclient.New(sc.URL, httpclient.WithHeaders(sc.Headers), httpclient.WithTimeout(sc.Timeouts.Call)), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", sc.Transport)
	}
}

func (h *Hub) startServer(ctx context.Context, sc config.ServerConfig) error {
	transport, err := newTransport(sc)
	if err != nil {
		return huberr.Wrap(huberr.KindConfig, "unsupported transport", err)
	}

	client := upstream.NewClient(sc.ID, transport, upstream.Callbacks{
		OnProgress: func(progressToken string, raw json.RawMessage) {
			h.fanout.DispatchProgress(progressToken, raw)
		},
		OnFailure: func(err error) {
			h.logger.Warn("upstream connection failed", "server_id", sc.ID, "error", err)
			h.registry.UnregisterAll(sc.ID)
			h.lifecycle.OnServerError(sc.ID, err, 30*time.Second)
		},
	}, sc.Quirks.MaxInFlight)

	connectCtx, cancel := context.WithTimeout(ctx, sc.Timeouts.Connect+sc.Timeouts.Handshake)
	defer cancel()

	proto, err := client.Connect(connectCtx, sc.Quirks.ForceProtocolVersion, sc.Timeouts.Handshake)
	if err != nil {
		return err
	}

	h.clientsMu.Lock()
	h.clients[sc.ID] = client
	h.clientsMu.Unlock()

	h.discoverCapabilities(ctx, sc, client, proto)
	return nil
}

func (h *Hub) discoverCapabilities(ctx context.Context, sc config.ServerConfig, client *upstream.Client, proto *upstream.NegotiatedProtocol) {
	tools, resources, prompts := proto.Capabilities.Tools, proto.Capabilities.Resources, proto.Capabilities.Prompts
	if assumed := sc.Quirks.AssumedCapabilities; assumed != nil {
		tools, resources, prompts = assumed.Tools, assumed.Resources, assumed.Prompts
	}

	if tools {
		if tools, err := listCapability(ctx, client, "tools/list", "tools"); err == nil {
			h.registry.RegisterTools(sc.ID, tools)
		} else {
			h.logger.Warn("tools/list failed", "server_id", sc.ID, "error", err)
		}
	}
	if resources {
		if records, err := listResources(ctx, client); err == nil {
			h.registry.RegisterResources(sc.ID, records)
		} else {
			h.logger.Warn("resources/list failed", "server_id", sc.ID, "error", err)
		}
	}
	if prompts {
		if records, err := listCapability(ctx, client, "prompts/list", "prompts"); err == nil {
			h.registry.RegisterPrompts(sc.ID, records)
		} else {
			h.logger.Warn("prompts/list failed", "server_id", sc.ID, "error", err)
		}
	}
}

func listCapability(ctx context.Context, client *upstream.Client, method, field string) ([]struct {
	Name       string
	Descriptor json.RawMessage
}, error) {
	result, err := client.Call(ctx, method, nil)
	if err != nil {
		return nil, err
	}
	var decoded map[string][]json.RawMessage
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, err
	}
	entries := decoded[field]
	out := make([]struct {
		Name       string
		Descriptor json.RawMessage
	}, 0, len(entries))
	for _, raw := range entries {
		var named struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(raw, &named) != nil || named.Name == "" {
			continue
		}
		out = append(out, struct {
			Name       string
			Descriptor json.RawMessage
		}{Name: named.Name, Descriptor: raw})
	}
	return out, nil
}

func listResources(ctx context.Context, client *upstream.Client) ([]struct {
	URI        string
	Descriptor json.RawMessage
}, error) {
	result, err := client.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Resources []json.RawMessage `json:"resources"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, err
	}
	out := make([]struct {
		URI        string
		Descriptor json.RawMessage
	}, 0, len(decoded.Resources))
	for _, raw := range decoded.Resources {
		var u struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(raw, &u) != nil || u.URI == "" {
			continue
		}
		out = append(out, struct {
			URI        string
			Descriptor json.RawMessage
		}{URI: u.URI, Descriptor: raw})
	}
	return out, nil
}

func (h *Hub) stopServer(serverID string) error {
	h.registry.UnregisterAll(serverID)

	h.clientsMu.Lock()
	client, ok := h.clients[serverID]
	delete(h.clients, serverID)
	h.clientsMu.Unlock()

	if !ok {
		return nil
	}
	return client.Close()
}

// Run starts always-policy servers in parallel, starts the configured
// downstream transports, and blocks until ctx is cancelled, at which point
// it drains in-flight work and shuts everything down.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.activateAlwaysServers(ctx); err != nil {
		return err
	}

	h.sessions.StartSweeper(config.DefaultSweepInterval)
	h.lifecycle.StartIdleSweeper(10 * time.Second)
	defer h.lifecycle.Stop()
	defer h.sessions.Stop()

	handler := h.router.Handle

	if h.cfg.Listen.Stdio {
		t := stdiodown.New(handler, os.Stdin, os.Stdout, h.logger)
		h.downstream = append(h.downstream, t)
	}
	if h.cfg.Listen.HTTPAddr != "" {
		t := streamhttp.New(h.cfg.Listen.HTTPAddr, handler, h.sessions, h.fanout, h.logger)
		h.downstream = append(h.downstream, t)
	}
	if len(h.downstream) == 0 {
		return errors.New("hub: no downstream transport enabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range h.downstream {
		t := t
		g.Go(func() error { return t.Start(gctx) })
	}

	err := g.Wait()
	h.shutdown()
	return err
}

func (h *Hub) activateAlwaysServers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, sc := range h.cfg.Servers {
		if sc.Disabled || sc.ActivationPolicy != config.ActivationAlways {
			continue
		}
		id := sc.ID
		g.Go(func() error {
			if err := h.lifecycle.Activate(gctx, id, lifecycle.SourceStartup); err != nil {
				h.logger.Error("always-policy server failed to start", "server_id", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (h *Hub) shutdown() {
	grace := h.cfg.ShutdownGrace
	if grace <= 0 {
		grace = config.DefaultShutdownGrace
	}
	done := make(chan struct{})
	go func() {
		for _, t := range h.downstream {
			_ = t.Close()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}

	h.clientsMu.Lock()
	clients := h.clients
	h.clients = make(map[string]*upstream.Client)
	h.clientsMu.Unlock()
	for _, c := range clients {
		_ = c.Close()
	}
}
