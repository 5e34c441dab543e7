package syncerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTransferErrorUnwraps(t *testing.T) {
	err := &TransferError{
		Track: "local:abc",
		Attempts: []Attempt{
			{Candidate: "direct/youtube", Err: errors.New("timeout"), Elapsed: 2 * time.Second},
			{Candidate: "direct/yandex", Err: errors.New("404"), Elapsed: 10 * time.Millisecond},
		},
	}
	wrapped := fmt.Errorf("follower: %w", err)
	if !errors.Is(wrapped, ErrTransferFailed) {
		t.Fatal("TransferError must unwrap to ErrTransferFailed")
	}
	var te *TransferError
	if !errors.As(wrapped, &te) || len(te.Attempts) != 2 {
		t.Fatalf("errors.As failed: %v", wrapped)
	}
	if msg := err.Error(); !strings.Contains(msg, "direct/youtube: timeout") || !strings.Contains(msg, "direct/yandex: 404") {
		t.Errorf("Error() = %q", msg)
	}
}

func TestSuggestion(t *testing.T) {
	if Suggestion(nil) != "" {
		t.Error("nil error must have no suggestion")
	}
	if s := Suggestion(fmt.Errorf("join: %w", ErrSessionNotFound)); s == "" {
		t.Error("expected suggestion for wrapped ErrSessionNotFound")
	}
	n := WithSuggestion(ErrNoAvailableSource, "custom")
	if Suggestion(n) != "custom" {
		t.Errorf("Suggestion = %q, want custom", Suggestion(n))
	}
	if !errors.Is(n, ErrNoAvailableSource) {
		t.Error("Notice must unwrap")
	}
	if Suggestion(errors.New("something else")) != "" {
		t.Error("unknown errors must have no suggestion")
	}
}

func TestCodeRoundTrip(t *testing.T) {
	for _, err := range []error{ErrSessionNotFound, ErrNotHost, ErrSessionFull, ErrSessionEnded} {
		if got := FromCode(Code(err), ""); !errors.Is(got, err) {
			t.Errorf("FromCode(Code(%v)) = %v", err, got)
		}
	}
	if Code(nil) != "" || FromCode("", "") != nil {
		t.Error("nil must map to empty code")
	}
	if got := FromCode("internal", "boom"); got == nil || got.Error() != "boom" {
		t.Errorf("FromCode internal = %v", got)
	}
}
