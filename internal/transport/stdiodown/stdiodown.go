// Package stdiodown is the hub's downstream stdio transport: it frames
// JSON-RPC messages LSP-style (Content-Length/CRLF) over stdin/stdout and
// feeds each one to the router.
package stdiodown

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mcphub/mcphub/internal/transport/stdioframe"
)

// Handler processes one downstream JSON-RPC message and returns the
// response bytes to write back, or nil for a notification.
type Handler func(ctx context.Context, sessionID string, raw []byte) []byte

// Transport reads framed JSON-RPC from in and writes framed responses to
// out. Requests are dispatched concurrently; since stdio has no natural
// notion of a client session, one is synthesized for the lifetime of the
// process so SSE-style progress routing still has a stable key.
type Transport struct {
	handler   Handler
	in        io.Reader
	out       io.Writer
	logger    *slog.Logger
	sessionID string

	writeMu sync.Mutex
}

// New creates a stdio downstream transport.
func New(handler Handler, in io.Reader, out io.Writer, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		handler:   handler,
		in:        in,
		out:       out,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// Start reads and dispatches messages until in is exhausted or ctx is
// cancelled. Framing errors are logged and reading goes on with the next
// message. ctx is checked before each read; a read already blocked on in is
// not interrupted by cancellation, so Start returns only once in yields.
func (t *Transport) Start(ctx context.Context) error {
	reader := stdioframe.NewReader(t.in)
	writer := stdioframe.NewWriter(t.out)

	var wg sync.WaitGroup
	for {
		if ctx.Err() != nil {
			break
		}
		msg, err := reader.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.logger.Error("stdio framing error, resuming at next header", "error", err)
			continue
		}

		raw := msg
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := t.handler(ctx, t.sessionID, raw)
			if resp == nil {
				return
			}
			t.writeMu.Lock()
			defer t.writeMu.Unlock()
			if err := writer.WriteMessage(resp); err != nil {
				t.logger.Error("failed to write stdio response", "error", err)
			}
		}()
	}
	wg.Wait()
	return nil
}

// Close is a no-op: stdio has no resources beyond the process's own stdin/stdout.
func (t *Transport) Close() error { return nil }
