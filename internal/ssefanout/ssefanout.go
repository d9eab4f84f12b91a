// Package ssefanout routes server-initiated events — progress notifications
// and list-changed notifications — to the downstream SSE connection that is
// waiting for them. It maintains clientId -> writer and progressToken ->
// clientId, plus progressToken -> deadline-reset hook for in-flight calls.
package ssefanout

import (
	"sync"
	"time"
)

// Writer is one downstream SSE connection's outbound sink. Implementations
// must be safe to call from multiple goroutines is NOT required: the
// fan-out serializes all writes to a given client itself.
type Writer interface {
	// WriteEvent sends one SSE frame. event may be empty for a plain
	// "data:"-only frame.
	WriteEvent(event string, data []byte) error
}

type client struct {
	mu     sync.Mutex
	writer Writer
	dead   bool
}

// Fanout tracks connected downstream clients and the progress tokens
// currently associated with each.
type Fanout struct {
	mu              sync.Mutex
	clients         map[string]*client
	tokenToClient   map[string]string
	tokenReset      map[string]func()
	onClientEvicted func(clientID string)
}

// New creates an empty fan-out registry. onClientEvicted, if non-nil, is
// called after a client is dropped because a write to it failed, so the
// caller can clean up any session state tied to that client. UnregisterClient
// does not call it.
func New(onClientEvicted func(clientID string)) *Fanout {
	return &Fanout{
		clients:         make(map[string]*client),
		tokenToClient:   make(map[string]string),
		tokenReset:      make(map[string]func()),
		onClientEvicted: onClientEvicted,
	}
}

// RegisterClient attaches a writer for clientID, replacing any prior one.
func (f *Fanout) RegisterClient(clientID string, w Writer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[clientID] = &client{writer: w}
}

// UnregisterClient removes a client and every progress token pointing at it.
// Reset hooks are left alone: they are owned by the in-flight call, not the
// SSE connection, and are unregistered separately when that call returns.
func (f *Fanout) UnregisterClient(clientID string) {
	f.mu.Lock()
	delete(f.clients, clientID)
	for tok, cid := range f.tokenToClient {
		if cid == clientID {
			delete(f.tokenToClient, tok)
		}
	}
	f.mu.Unlock()
}

// RegisterToken associates a progress token with the client that initiated
// the call carrying it. Last-writer-wins on token collisions, per spec's
// open-question resolution for cross-session token collisions.
func (f *Fanout) RegisterToken(progressToken, clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenToClient[progressToken] = clientID
}

// UnregisterToken drops a single progress token, e.g. once its call
// completes.
func (f *Fanout) UnregisterToken(progressToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokenToClient, progressToken)
}

// RegisterProgressReset attaches reset to progressToken. DispatchProgress
// invokes it for every progress event carrying that token, independent of
// whether a downstream SSE client is also listening on it, so the router
// can extend an in-flight call's deadline (resetTimeoutOnProgress) even
// when the call came in over stdio or plain HTTP.
func (f *Fanout) RegisterProgressReset(progressToken string, reset func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenReset[progressToken] = reset
}

// UnregisterProgressReset drops the reset hook for progressToken, e.g. once
// its call completes.
func (f *Fanout) UnregisterProgressReset(progressToken string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokenReset, progressToken)
}

// DispatchProgress delivers a progress event to the client that owns
// progressToken, if any, and runs its registered reset hook. A miss (unknown
// token, e.g. the client already disconnected) is silently dropped.
func (f *Fanout) DispatchProgress(progressToken string, data []byte) {
	f.mu.Lock()
	reset := f.tokenReset[progressToken]
	clientID, ok := f.tokenToClient[progressToken]
	var c *client
	if ok {
		c = f.clients[clientID]
	}
	f.mu.Unlock()

	if reset != nil {
		reset()
	}
	if c == nil {
		return
	}
	f.writeOrEvict(clientID, c, "progress", data)
}

// Broadcast sends an event to every connected client, best-effort: a write
// failure on one client evicts only that client.
func (f *Fanout) Broadcast(event string, data []byte) {
	f.mu.Lock()
	targets := make(map[string]*client, len(f.clients))
	for id, c := range f.clients {
		targets[id] = c
	}
	f.mu.Unlock()

	for id, c := range targets {
		f.writeOrEvict(id, c, event, data)
	}
}

// SendTo delivers an event to one specific client.
func (f *Fanout) SendTo(clientID string, event string, data []byte) {
	f.mu.Lock()
	c, ok := f.clients[clientID]
	f.mu.Unlock()
	if !ok {
		return
	}
	f.writeOrEvict(clientID, c, event, data)
}

func (f *Fanout) writeOrEvict(clientID string, c *client, event string, data []byte) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	err := c.writer.WriteEvent(event, data)
	if err != nil {
		c.dead = true
	}
	c.mu.Unlock()

	if err != nil {
		f.UnregisterClient(clientID)
		if f.onClientEvicted != nil {
			f.onClientEvicted(clientID)
		}
	}
}

// KeepAliveInterval is how often an idle SSE connection is pinged to keep
// intermediary proxies from closing it.
const KeepAliveInterval = 30 * time.Second

// WriterStallGrace is how long a stalled downstream SSE writer is tolerated
// before the client is considered dead and evicted.
const WriterStallGrace = 5 * time.Second
