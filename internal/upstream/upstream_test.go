package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

// fakeServer is an in-process duplex Transport that answers initialize and
// echoes back a fixed result for any other call, simulating a well-behaved
// upstream for handshake and call-correlation tests.
type fakeServer struct {
	clientW *io.PipeWriter
	clientR *io.PipeReader
	serverW *io.PipeWriter
	serverR *io.PipeReader
}

func newFakeServer() *fakeServer {
	cr, sw := io.Pipe() // server writes -> client reads
	sr, cw := io.Pipe() // client writes -> server reads
	return &fakeServer{clientW: cw, clientR: cr, serverW: sw, serverR: sr}
}

func (f *fakeServer) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	go f.serve()
	return f.clientW, f.clientR, nil
}

func (f *fakeServer) Wait() error  { return nil }
func (f *fakeServer) Close() error { f.clientW.Close(); f.serverW.Close(); return nil }

func (f *fakeServer) serve() {
	scanner := bufio.NewScanner(f.serverR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var probe struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		_ = json.Unmarshal(scanner.Bytes(), &probe)
		if probe.Method == "notifications/initialized" {
			continue
		}
		if len(probe.ID) == 0 {
			continue
		}
		var result json.RawMessage
		if probe.Method == "initialize" {
			result = json.RawMessage(`{"protocolVersion":"2025-06-18","serverInfo":{"name":"fake","version":"1"},"capabilities":{"tools":{}}}`)
		} else {
			result = json.RawMessage(`{"echo":true}`)
		}
		resp, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(probe.ID), "result": result})
		f.serverW.Write(append(resp, '\n'))
	}
}

func TestConnectNegotiatesProtocol(t *testing.T) {
	fs := newFakeServer()
	c := NewClient("s1", fs, Callbacks{}, 0)

	proto, err := c.Connect(context.Background(), "", time.Second)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if proto.Version != "2025-06-18" {
		t.Errorf("Version = %q", proto.Version)
	}
	if !proto.Capabilities.Tools {
		t.Errorf("expected Tools capability true")
	}
	if c.State() != StateReady {
		t.Errorf("state = %v, want READY", c.State())
	}
}

func TestCallReturnsResultMatchingMethod(t *testing.T) {
	fs := newFakeServer()
	c := NewClient("s1", fs, Callbacks{}, 0)
	if _, err := c.Connect(context.Background(), "", time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	result, err := c.Call(context.Background(), "tools/call", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(result) != `{"echo":true}` {
		t.Errorf("result = %s", result)
	}
}

func TestOverloadRejectsBeyondInFlightLimit(t *testing.T) {
	fs := newFakeServer()
	c := NewClient("s1", fs, Callbacks{}, 1)
	if _, err := c.Connect(context.Background(), "", time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	c.inflight <- struct{}{} // saturate the single slot directly
	_, err := c.Call(context.Background(), "tools/call", nil)
	if err != ErrOverload {
		t.Fatalf("expected ErrOverload, got %v", err)
	}
}

func TestProgressNotificationDispatchedToCallback(t *testing.T) {
	fs := newFakeServer()
	received := make(chan string, 1)
	c := NewClient("s1", fs, Callbacks{
		OnProgress: func(token string, raw json.RawMessage) { received <- token },
	}, 0)
	if _, err := c.Connect(context.Background(), "", time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"tok1","progress":50}}` + "\n"
	fs.serverW.Write([]byte(msg))

	select {
	case tok := <-received:
		if tok != "tok1" {
			t.Errorf("token = %q, want tok1", tok)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress callback")
	}
}

func TestCloseCancelsPendingRequests(t *testing.T) {
	cr, _ := io.Pipe()     // nothing ever written here: no response ever arrives
	sr, cw := io.Pipe()    // writes are drained below so Write doesn't block forever
	go io.Copy(io.Discard, sr)
	blocking := blockingTransport{w: cw, r: cr}
	c := NewClient("s1", blocking, Callbacks{}, 0)
	c.setState(StateReady)
	c.writer = cw
	c.reader = cr
	go c.readLoop()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow/call", nil)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Call did not return after Close")
	}
}

func TestCallSendsCancellationNotificationOnContextTimeout(t *testing.T) {
	sr, cw := io.Pipe() // everything the client writes lands here
	cr, _ := io.Pipe()  // nothing ever written back: no response ever arrives
	blocking := blockingTransport{w: cw, r: cr}
	c := NewClient("s1", blocking, Callbacks{}, 0)
	c.setState(StateReady)
	c.writer = cw
	c.reader = cr
	go c.readLoop()

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(sr)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "slow/call", nil); err == nil {
		t.Fatal("expected an error after the context deadline elapsed")
	}

	<-lines // the original "slow/call" request
	select {
	case line := <-lines:
		if !strings.Contains(line, "notifications/cancelled") {
			t.Fatalf("expected a notifications/cancelled write, got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the cancellation notification")
	}
}

type blockingTransport struct {
	w io.WriteCloser
	r io.ReadCloser
}

func (b blockingTransport) Start(ctx context.Context) (io.WriteCloser, io.ReadCloser, error) {
	return b.w, b.r, nil
}
func (b blockingTransport) Wait() error { return nil }
func (b blockingTransport) Close() error {
	b.w.Close()
	b.r.Close()
	return nil
}
