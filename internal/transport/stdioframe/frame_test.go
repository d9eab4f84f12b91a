package stdioframe

import (
	"bytes"
	"io"
	"testing"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	msgs := [][]byte{
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`),
		[]byte(`{"jsonrpc":"2.0","id":2,"result":{}}`),
	}
	for _, m := range msgs {
		if err := w.WriteMessage(m); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range msgs {
		got, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage[%d]: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadMessage[%d] = %s, want %s", i, got, want)
		}
	}

	if _, err := r.ReadMessage(); err != io.EOF {
		t.Fatalf("expected clean io.EOF at stream end, got %v", err)
	}
}

func TestReadMessageMissingContentLength(t *testing.T) {
	r := NewReader(bytes.NewBufferString("X-Custom: foo\r\n\r\n"))
	if _, err := r.ReadMessage(); err == nil {
		t.Fatal("expected error for missing Content-Length")
	}
}

func TestReadMessageTruncatedBody(t *testing.T) {
	r := NewReader(bytes.NewBufferString("Content-Length: 10\r\n\r\nabc"))
	if _, err := r.ReadMessage(); err == nil {
		t.Fatal("expected error for truncated body")
	}
}

func TestReadMessageIgnoresUnknownHeaders(t *testing.T) {
	body := `{"jsonrpc":"2.0","id":1,"method":"ping"}`
	raw := "Content-Type: application/vscode-jsonrpc; charset=utf-8\r\nContent-Length: " +
		itoa(len(body)) + "\r\n\r\n" + body
	r := NewReader(bytes.NewBufferString(raw))
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != body {
		t.Errorf("ReadMessage = %s, want %s", got, body)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}
