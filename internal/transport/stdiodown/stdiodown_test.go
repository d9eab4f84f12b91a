package stdiodown

import (
	"bytes"
	"context"
	"testing"

	"github.com/mcphub/mcphub/internal/transport/stdioframe"
)

func TestStartEchoesResponses(t *testing.T) {
	var in bytes.Buffer
	w := stdioframe.NewWriter(&in)
	if err := w.WriteMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var out bytes.Buffer
	tr := New(func(ctx context.Context, sessionID string, raw []byte) []byte {
		return []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)
	}, &in, &out, nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	r := stdioframe.NewReader(&out)
	got, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(got) != `{"jsonrpc":"2.0","id":1,"result":{}}` {
		t.Errorf("got %s", got)
	}
}

func TestStartSkipsNotificationsWithNoResponse(t *testing.T) {
	var in bytes.Buffer
	w := stdioframe.NewWriter(&in)
	w.WriteMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))

	var out bytes.Buffer
	tr := New(func(ctx context.Context, sessionID string, raw []byte) []byte {
		return nil
	}, &in, &out, nil)

	if err := tr.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %q", out.String())
	}
}
