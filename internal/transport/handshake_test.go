package transport

import (
	"testing"

	"github.com/shurlinet/gitd/internal/session"
)

func TestNoHandshakeCompletesImmediately(t *testing.T) {
	h := NewNoHandshake(session.Outbound)
	if h.Link() != session.Outbound {
		t.Fatalf("expected Outbound link, got %v", h.Link())
	}
	res := h.NextStage(nil)
	if res.Outcome != HandshakeComplete {
		t.Fatalf("expected HandshakeComplete, got %v", res.Outcome)
	}
	if _, ok := res.Transcoder.(PlainTranscoder); !ok {
		t.Fatalf("expected a PlainTranscoder, got %T", res.Transcoder)
	}
}
