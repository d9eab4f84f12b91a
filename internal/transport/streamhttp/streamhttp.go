// Package streamhttp is the hub's downstream streamable-HTTP transport: a
// single endpoint accepting POST (JSON-RPC call), GET (SSE upgrade), and
// DELETE (session termination), per the MCP Streamable HTTP transport.
package streamhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mcphub/mcphub/internal/huberr"
	"github.com/mcphub/mcphub/internal/session"
	"github.com/mcphub/mcphub/internal/ssefanout"
	"github.com/mcphub/mcphub/pkg/mcp"
)

// SessionHeader carries the session id in both directions.
const SessionHeader = "Mcp-Session-Id"

const maxRequestBodySize = 1 << 20 // 1 MiB

// Handler processes one downstream JSON-RPC message.
type Handler func(ctx context.Context, sessionID string, raw []byte) []byte

// Transport serves the MCP streamable-HTTP endpoint.
type Transport struct {
	addr     string
	handler  Handler
	sessions *session.Store
	fanout   *ssefanout.Fanout
	logger   *slog.Logger

	server *http.Server
}

// New creates a streamable-HTTP downstream transport listening on addr.
func New(addr string, handler Handler, sessions *session.Store, fanout *ssefanout.Fanout, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{addr: addr, handler: handler, sessions: sessions, fanout: fanout, logger: logger}
}

// Start runs the HTTP server until ctx is cancelled.
func (t *Transport) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.serveMCP)

	t.server = &http.Server{Addr: t.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("starting streamable-HTTP server", "addr", t.addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

func (t *Transport) serveMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodGet:
		t.handleGet(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func acceptsJSON(accept string) bool  { return accept == "" || strings.Contains(accept, "application/json") }
func acceptsEventStream(accept string) bool { return strings.Contains(accept, "text/event-stream") }

func (t *Transport) handlePost(w http.ResponseWriter, r *http.Request) {
	accept := r.Header.Get("Accept")
	if accept != "" && !acceptsJSON(accept) && !acceptsEventStream(accept) {
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		t.writeParseError(w, nil, "request body too large or unreadable")
		return
	}
	if len(body) == 0 || !json.Valid(body) {
		t.writeParseError(w, nil, "invalid JSON")
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = t.sessions.Create().ID
	} else if _, err := t.sessions.Touch(sessionID); err != nil {
		sessionID = t.sessions.Create().ID
	}
	w.Header().Set(SessionHeader, sessionID)

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		t.handleBatch(w, r, sessionID, trimmed)
		return
	}

	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      json.RawMessage `json:"id"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		t.writeParseError(w, nil, "request must be a JSON object or array")
		return
	}
	if probe.JSONRPC != "2.0" || probe.Method == "" {
		t.writeParseError(w, probe.ID, "invalid request")
		return
	}
	isNotification := len(probe.ID) == 0

	if isNotification {
		t.handler(r.Context(), sessionID, body)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	progressToken, wantsSSE := extractProgressToken(probe.Params)
	wantsSSE = wantsSSE && acceptsEventStream(accept)

	if !wantsSSE {
		resp := t.handler(r.Context(), sessionID, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp)
		return
	}

	t.handlePostSSE(w, r, sessionID, progressToken, body)
}

// handleBatch dispatches each element of a JSON-RPC batch request through
// the handler independently, per the JSON-RPC 2.0 batch convention, and
// aggregates the non-notification responses into a single JSON array. An
// all-notifications batch draws no body, only the 202 status.
func (t *Transport) handleBatch(w http.ResponseWriter, r *http.Request, sessionID string, body []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil || len(elements) == 0 {
		t.writeParseError(w, nil, "invalid batch request")
		return
	}

	responses := make([]json.RawMessage, 0, len(elements))
	for _, elem := range elements {
		if resp := t.handler(r.Context(), sessionID, elem); resp != nil {
			responses = append(responses, resp)
		}
	}

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	out, err := json.Marshal(responses)
	if err != nil {
		t.writeParseError(w, nil, "failed to encode batch response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func extractProgressToken(params json.RawMessage) (token string, ok bool) {
	var p struct {
		Meta *struct {
			ProgressToken json.RawMessage `json:"progressToken"`
		} `json:"_meta"`
	}
	if json.Unmarshal(params, &p) != nil || p.Meta == nil || len(p.Meta.ProgressToken) == 0 {
		return "", false
	}
	raw := string(p.Meta.ProgressToken)
	if len(raw) >= 2 && raw[0] == '"' {
		raw = raw[1 : len(raw)-1]
	}
	return raw, true
}

func (t *Transport) handlePostSSE(w http.ResponseWriter, r *http.Request, sessionID, progressToken string, body []byte) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		resp := t.handler(r.Context(), sessionID, body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	sw := newSSEWriter(w, flusher)
	clientID := sessionID
	if progressToken != "" {
		clientID = sessionID + ":" + progressToken
	}
	t.fanout.RegisterClient(clientID, sw)
	if progressToken != "" {
		t.fanout.RegisterToken(progressToken, clientID)
	}
	defer func() {
		t.fanout.UnregisterClient(clientID)
		if progressToken != "" {
			t.fanout.UnregisterToken(progressToken)
		}
	}()

	resp := t.handler(r.Context(), sessionID, body)
	if resp != nil {
		_ = sw.WriteEvent("", resp)
	}
}

func (t *Transport) handleGet(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	if _, err := t.sessions.Touch(sessionID); err != nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(SessionHeader, sessionID)
	w.WriteHeader(http.StatusOK)

	sw := newSSEWriter(w, flusher)
	t.fanout.RegisterClient(sessionID, sw)
	defer t.fanout.UnregisterClient(sessionID)

	sw.writeRaw(": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(ssefanout.KeepAliveInterval)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sw.writeRaw(":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (t *Transport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	t.sessions.Delete(sessionID)
	t.fanout.UnregisterClient(sessionID)
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) writeParseError(w http.ResponseWriter, id json.RawMessage, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(mcp.NewErrorResponse(id, huberr.CodeParseError, msg, nil))
}

// sseWriter adapts an http.ResponseWriter/Flusher pair to ssefanout.Writer,
// serializing writes to one downstream connection. Each write is bounded by
// ssefanout.WriterStallGrace via http.ResponseController, so a connection
// whose client stopped reading gets evicted instead of blocking its
// goroutine forever.
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter, f http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: f, rc: http.NewResponseController(w)}
}

func (s *sseWriter) WriteEvent(event string, data []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return s.writeRaw(buf.String())
}

func (s *sseWriter) writeRaw(raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.rc.SetWriteDeadline(time.Now().Add(ssefanout.WriterStallGrace))
	defer s.rc.SetWriteDeadline(time.Time{})

	if _, err := io.WriteString(s.w, raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
