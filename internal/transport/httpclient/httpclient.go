// Package httpclient implements the hub's outbound streamable-HTTP
// transport for upstream MCP servers: each JSON-RPC message is sent as one
// POST, and the server's Mcp-Session-Id is captured and replayed on
// subsequent requests. Unlike a single-upstream relay that blocks on one
// outstanding call at a time, the hub keeps many calls in flight
// concurrently against the same upstream, so requests are sent as soon as
// they arrive and responses are funneled back onto a shared stream as they
// complete, in whatever order the upstream answers them.
package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mcphub/mcphub/internal/huberr"
	"github.com/mcphub/mcphub/pkg/mcp"
)

const (
	scannerInitialBufSize = 256 * 1024
	scannerMaxBufSize     = 1024 * 1024
	maxResponseBodySize   = 10 * 1024 * 1024
)

type state int

const (
	stateNew state = iota
	stateStarted
	stateClosed
)

// Conn is a persistent streamable-HTTP connection to one upstream MCP
// server. It implements the duplex stream shape the upstream client
// expects: writes are individual JSON-RPC messages (newline-delimited),
// reads yield response/notification bodies as they arrive.
type Conn struct {
	endpoint string
	client   *http.Client
	headers  map[string]string

	mu        sync.Mutex
	state     state
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	requestR *io.PipeReader
	requestW *io.PipeWriter

	respMu    sync.Mutex
	responseR *io.PipeReader
	responseW *io.PipeWriter
}

// Option configures a Conn.
type Option func(*Conn)

// WithHTTPClient overrides the default *http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(conn *Conn) { conn.client = c }
}

// WithTimeout sets the per-request timeout on the default *http.Client.
func WithTimeout(d time.Duration) Option {
	return func(conn *Conn) { conn.client.Timeout = d }
}

// WithHeaders sets static headers (e.g. auth) attached to every request.
func WithHeaders(h map[string]string) Option {
	return func(conn *Conn) { conn.headers = h }
}

// New creates a streamable-HTTP connection to endpoint.
func New(endpoint string, opts ...Option) *Conn {
	c := &Conn{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the connection. Returns a writer for outgoing JSON-RPC
// messages and a reader for incoming ones, matching the duplex stream
// shape used by the hub's upstream client regardless of transport kind.
func (c *Conn) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateNew {
		return nil, nil, errors.New("httpclient: already started")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.requestR, c.requestW = io.Pipe()
	c.responseR, c.responseW = io.Pipe()
	c.state = stateStarted

	c.wg.Add(1)
	go c.pump()

	return c.requestW, c.responseR, nil
}

// pump reads newline-delimited outgoing messages and dispatches each as a
// concurrent POST, so a slow call never head-of-line blocks the rest.
func (c *Conn) pump() {
	defer c.wg.Done()
	defer c.responseW.Close()

	scanner := bufio.NewScanner(c.requestR)
	scanner.Buffer(make([]byte, 0, scannerInitialBufSize), scannerMaxBufSize)

	var inflight sync.WaitGroup
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			c.dispatch(line)
		}()
	}
	inflight.Wait()
}

func (c *Conn) dispatch(raw []byte) {
	body, err := c.sendRequest(raw)
	if err != nil {
		body = writeErrorResponse(raw, err)
	}
	if len(body) == 0 {
		// A bare notification draws no response body; nothing to relay.
		return
	}
	// responseW is a single io.Pipe shared across all in-flight dispatches;
	// each write must land as one uninterrupted line.
	c.respMu.Lock()
	defer c.respMu.Unlock()
	trimmed := bytes.TrimRight(body, "\n")
	if _, err := c.responseW.Write(append(trimmed, '\n')); err != nil {
		return
	}
}

func (c *Conn) sendRequest(body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(c.ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("httpclient: reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusAccepted {
		// A 202 acknowledges a notification; no body is expected.
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("httpclient: unexpected status %d", resp.StatusCode)
	}

	return data, nil
}

// writeErrorResponse renders a JSON-RPC error body for a request that
// failed at the transport level, reusing the failed request's id. Internal
// error detail is never exposed; only a generic, safe message is returned.
func writeErrorResponse(rawRequest []byte, err error) []byte {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(rawRequest, &probe)

	msg := "internal error"
	switch {
	case errors.Is(err, context.Canceled):
		msg = "request cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request timeout"
	}

	return mcp.NewErrorResponse(probe.ID, huberr.CodeInternalError, msg, nil)
}

// Wait blocks until the connection's background pump has drained.
func (c *Conn) Wait() error {
	c.wg.Wait()
	return nil
}

// Close terminates the connection, idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state != stateStarted {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	cancel := c.cancel
	reqW := c.requestW
	c.mu.Unlock()

	cancel()
	_ = reqW.Close()

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	_ = c.responseR.Close()
	return nil
}
