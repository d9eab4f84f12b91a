// Package upstream implements the client side of one upstream MCP server
// connection: handshake, request/response correlation, progress dispatch,
// and a bounded in-flight request queue.
package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcphub/mcphub/internal/huberr"
)

// Transport is the duplex byte-stream surface every upstream connection
// adapter (child process, streamable HTTP, SSE) implements. Reads and
// writes are individual newline-delimited JSON-RPC messages.
type Transport interface {
	Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error)
	Wait() error
	Close() error
}

// State is the handshake-layer state machine, distinct from the lifecycle
// manager's activation state.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateReady:
		return "READY"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Capabilities is the fixed record of capability booleans the router needs
// to branch on, plus the raw bag for forward compatibility.
type Capabilities struct {
	Tools             bool
	Resources         bool
	Prompts           bool
	ResourceTemplates bool
	ListChanged       bool
	ProgressTokens    bool
	Raw               json.RawMessage
}

// NegotiatedProtocol is the result of a successful handshake.
type NegotiatedProtocol struct {
	Version      string
	ServerName   string
	ServerVer    string
	Capabilities Capabilities
}

// Callbacks lets the upstream client report events upward without holding
// a reference to the registry, router, or lifecycle manager directly —
// breaking the cyclic dependency between those components.
type Callbacks struct {
	// OnProgress is invoked for notifications/progress messages.
	OnProgress func(progressToken string, raw json.RawMessage)
	// OnNotification is invoked for any other server-initiated notification.
	OnNotification func(method string, raw json.RawMessage)
	// OnFailure is invoked once, the first time the transport fails.
	OnFailure func(err error)
}

type pendingRequest struct {
	resultCh  chan json.RawMessage
	errCh     chan error
	once      sync.Once
	cancelled atomic.Bool
}

func (p *pendingRequest) resolve(result json.RawMessage) {
	p.once.Do(func() { p.resultCh <- result })
}

func (p *pendingRequest) fail(err error) {
	p.once.Do(func() { p.errCh <- err })
}

// DefaultInFlightLimit is the default bound on concurrent outstanding
// requests per upstream server before the client rejects new calls as
// overloaded.
const DefaultInFlightLimit = 64

// ErrOverload is returned by Call when the in-flight queue is full.
var ErrOverload = huberr.New(huberr.KindOverload, "upstream request queue is full")

// Client is a connected (or connecting) upstream MCP server.
type Client struct {
	ServerID  string
	transport Transport
	callbacks Callbacks

	state atomic.Int32

	writer io.WriteCloser
	reader io.ReadCloser

	mu       sync.Mutex
	pending  map[int64]*pendingRequest
	nextID   int64
	writeMu  sync.Mutex
	protocol *NegotiatedProtocol

	inflight chan struct{}

	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewClient creates an upstream client bound to transport. inFlightLimit
// <= 0 uses DefaultInFlightLimit.
func NewClient(serverID string, transport Transport, callbacks Callbacks, inFlightLimit int) *Client {
	if inFlightLimit <= 0 {
		inFlightLimit = DefaultInFlightLimit
	}
	c := &Client{
		ServerID:  serverID,
		transport: transport,
		callbacks: callbacks,
		pending:   make(map[int64]*pendingRequest),
		inflight:  make(chan struct{}, inFlightLimit),
		doneCh:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current handshake-layer state.
func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

// clientProtocolVersions is the preferred list tried, in order, when the
// config does not force a specific version.
var clientProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}

// Connect starts the transport, performs the initialize/initialized
// handshake, and leaves the client in READY on success or FAILED on error.
// forceVersion, if non-empty, is sent verbatim instead of trying the
// preferred list.
func (c *Client) Connect(ctx context.Context, forceVersion string, handshakeTimeout time.Duration) (*NegotiatedProtocol, error) {
	w, r, err := c.transport.Start(ctx)
	if err != nil {
		c.setState(StateFailed)
		return nil, huberr.Wrap(huberr.KindTransport, "failed to start upstream transport", err)
	}
	c.writer, c.reader = w, r
	c.setState(StateHandshaking)

	go c.readLoop()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	versions := clientProtocolVersions
	if forceVersion != "" {
		versions = []string{forceVersion}
	}

	var lastErr error
	for _, v := range versions {
		proto, err := c.tryHandshake(hctx, v, forceVersion != "")
		if err == nil {
			c.mu.Lock()
			c.protocol = proto
			c.mu.Unlock()
			c.setState(StateReady)
			return proto, nil
		}
		lastErr = err
	}
	c.setState(StateFailed)
	return nil, huberr.Wrap(huberr.KindProtocol, "handshake failed", lastErr)
}

func (c *Client) tryHandshake(ctx context.Context, version string, exact bool) (*NegotiatedProtocol, error) {
	params, _ := json.Marshal(map[string]interface{}{
		"protocolVersion": version,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]interface{}{"name": "mcphub", "version": "1"},
	})
	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		ProtocolVersion string          `json:"protocolVersion"`
		ServerInfo      struct{ Name, Version string }
		Capabilities    json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &decoded); err != nil {
		return nil, fmt.Errorf("malformed initialize result: %w", err)
	}
	if exact && decoded.ProtocolVersion != version {
		return nil, fmt.Errorf("server returned version %q, expected %q", decoded.ProtocolVersion, version)
	}

	var caps struct {
		Tools     map[string]interface{} `json:"tools"`
		Resources map[string]interface{} `json:"resources"`
		Prompts   map[string]interface{} `json:"prompts"`
	}
	_ = json.Unmarshal(decoded.Capabilities, &caps)

	proto := &NegotiatedProtocol{
		Version:    decoded.ProtocolVersion,
		ServerName: decoded.ServerInfo.Name,
		ServerVer:  decoded.ServerInfo.Version,
		Capabilities: Capabilities{
			Tools:     caps.Tools != nil,
			Resources: caps.Resources != nil,
			Prompts:   caps.Prompts != nil,
			Raw:       decoded.Capabilities,
		},
	}

	if err := c.notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, err
	}
	return proto, nil
}

// Call issues a request and blocks until the response arrives, ctx is
// cancelled, or the per-call deadline embedded in ctx expires.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	select {
	case c.inflight <- struct{}{}:
		defer func() { <-c.inflight }()
	default:
		return nil, ErrOverload
	}
	return c.call(ctx, method, params)
}

func (c *Client) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	pr := &pendingRequest{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	c.mu.Lock()
	c.pending[id] = pr
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": method}
	if params != nil {
		msg["params"] = json.RawMessage(params)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := c.writeLine(raw); err != nil {
		return nil, huberr.Wrap(huberr.KindTransport, "failed to write request", err)
	}

	select {
	case result := <-pr.resultCh:
		return result, nil
	case err := <-pr.errCh:
		return nil, err
	case <-ctx.Done():
		pr.cancelled.Store(true)
		c.sendCancellation(id, ctx.Err())
		if errors.Is(context.Cause(ctx), context.DeadlineExceeded) {
			return nil, huberr.Wrap(huberr.KindTimeout, "request timed out", ctx.Err())
		}
		return nil, huberr.Wrap(huberr.KindCancelled, "request cancelled", ctx.Err())
	case <-c.doneCh:
		return nil, huberr.New(huberr.KindTransport, "upstream connection closed")
	}
}

// sendCancellation tells the upstream that requestID is no longer wanted, per
// the MCP notifications/cancelled convention, so a server that supports it
// can abandon the in-flight work instead of running it to completion for
// nothing. Best-effort: Call has already abandoned its local wait regardless
// of whether this write reaches the upstream or the upstream honors it.
func (c *Client) sendCancellation(requestID int64, reason error) {
	params, err := json.Marshal(map[string]interface{}{
		"requestId": requestID,
		"reason":    reason.Error(),
	})
	if err != nil {
		return
	}
	_ = c.notify(context.Background(), "notifications/cancelled", params)
}

// Notify sends a fire-and-forget notification (no id, no response expected).
func (c *Client) Notify(ctx context.Context, method string, params json.RawMessage) error {
	return c.notify(ctx, method, params)
}

func (c *Client) notify(ctx context.Context, method string, params json.RawMessage) error {
	msg := map[string]interface{}{"jsonrpc": "2.0", "method": method}
	if params != nil {
		msg["params"] = json.RawMessage(params)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.writeLine(raw); err != nil {
		return huberr.Wrap(huberr.KindTransport, "failed to write notification", err)
	}
	return nil
}

func (c *Client) writeLine(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(raw, '\n')); err != nil {
		c.fail(err)
		return err
	}
	return nil
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleIncoming(append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		c.fail(err)
		return
	}
	c.fail(errors.New("upstream closed the connection"))
}

func (c *Client) handleIncoming(raw []byte) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	if probe.Method != "" {
		c.handleNotification(probe.Method, raw)
		return
	}
	if len(probe.ID) == 0 {
		return
	}

	var id int64
	if err := json.Unmarshal(probe.ID, &id); err != nil {
		return
	}

	c.mu.Lock()
	pr, ok := c.pending[id]
	c.mu.Unlock()
	if !ok || pr.cancelled.Load() {
		// The caller already gave up and was told so; dropping a
		// late-arriving result here avoids writing to a channel nothing
		// will ever read from.
		return
	}

	var env struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int             `json:"code"`
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		} `json:"error"`
	}
	_ = json.Unmarshal(raw, &env)

	if env.Error != nil {
		pr.fail(&huberr.HubError{Kind: huberr.KindInternal, Message: env.Error.Message})
		return
	}
	pr.resolve(env.Result)
}

func (c *Client) handleNotification(method string, raw []byte) {
	if method == "notifications/progress" {
		var params struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		}
		var env struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(raw, &env)
		_ = json.Unmarshal(env.Params, &params)

		token := string(params.ProgressToken)
		if len(token) >= 2 && token[0] == '"' {
			token = token[1 : len(token)-1]
		}
		if c.callbacks.OnProgress != nil {
			c.callbacks.OnProgress(token, env.Params)
		}
		return
	}
	if c.callbacks.OnNotification != nil {
		var env struct {
			Params json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(raw, &env)
		c.callbacks.OnNotification(method, env.Params)
	}
}

// fail transitions the client to FAILED, fails every pending request, and
// invokes OnFailure exactly once.
func (c *Client) fail(err error) {
	var triggered bool
	c.closeOnce.Do(func() {
		triggered = true
		c.setState(StateFailed)
		close(c.doneCh)
	})

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()
	for _, pr := range pending {
		pr.fail(huberr.Wrap(huberr.KindTransport, "upstream connection failed", err))
	}

	if triggered && c.callbacks.OnFailure != nil {
		c.callbacks.OnFailure(err)
	}
}

// Close gracefully tears down the connection: CLOSING, fail all pending
// with a cancellation error, close the transport, CLOSED. Idempotent.
func (c *Client) Close() error {
	c.setState(StateClosing)
	c.closeOnce.Do(func() { close(c.doneCh) })

	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()
	for _, pr := range pending {
		pr.fail(huberr.New(huberr.KindCancelled, "upstream connection closing"))
	}

	err := c.transport.Close()
	c.setState(StateClosed)
	return err
}

// Protocol returns the negotiated protocol, or nil if the handshake has not
// completed.
func (c *Client) Protocol() *NegotiatedProtocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}
