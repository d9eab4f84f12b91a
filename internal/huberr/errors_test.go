package huberr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSafeMessageHidesInternalDetails(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.5:9999: connection refused")
	err := Wrap(KindTransport, "upstream unavailable", cause)

	if got := SafeMessage(err); got != "upstream unavailable" {
		t.Fatalf("SafeMessage() = %q, want %q", got, "upstream unavailable")
	}
	if got := err.Error(); !strings.Contains(got, cause.Error()) {
		t.Fatalf("Error() should include cause for logging, got %q", got)
	}
}

func TestSafeMessageOnPlainError(t *testing.T) {
	err := fmt.Errorf("some wrapped: %w", errors.New("raw cause"))
	if got := SafeMessage(err); got != "internal error" {
		t.Fatalf("SafeMessage() = %q, want generic fallback", got)
	}
	if got := Code(err); got != CodeInternalError {
		t.Fatalf("Code() = %d, want %d", got, CodeInternalError)
	}
}

func TestKindJSONRPCCode(t *testing.T) {
	cases := map[Kind]int{
		KindConfig:     CodeInvalidParams,
		KindTransport:  CodeInternalError,
		KindProtocol:   CodeInvalidRequest,
		KindTimeout:    CodeTimeout,
		KindCancelled:  CodeCancelled,
		KindNotFound:   CodeInvalidParams,
		KindOverload:   CodeOverload,
		KindPolicy:     CodeInvalidParams,
		KindInternal:   CodeInternalError,
	}
	for kind, want := range cases {
		if got := kind.JSONRPCCode(); got != want {
			t.Errorf("%s.JSONRPCCode() = %d, want %d", kind, got, want)
		}
	}
}

func TestDataCarriesTransportAndTimeoutPayloads(t *testing.T) {
	if got := Data(New(KindTransport, "unreachable")); string(got) != `{"transport":true}` {
		t.Errorf("Data(transport) = %s, want data.transport", got)
	}
	if got := Data(New(KindTimeout, "deadline exceeded")); string(got) != `{"timeout":true}` {
		t.Errorf("Data(timeout) = %s, want data.timeout", got)
	}
	if got := Data(New(KindPolicy, "disabled")); got != nil {
		t.Errorf("Data(policy) = %s, want nil", got)
	}
	if got := Data(errors.New("plain")); got != nil {
		t.Errorf("Data(plain error) = %s, want nil", got)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindInternal, "failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause through Unwrap")
	}
}
