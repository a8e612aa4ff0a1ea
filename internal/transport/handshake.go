package transport

import "github.com/shurlinet/gitd/internal/session"

// HandshakeOutcome tags the result of one handshake stage, mirroring
// transcode.rs's HandshakeResult enum (Next/Complete/Error).
type HandshakeOutcome int

const (
	HandshakeNext HandshakeOutcome = iota
	HandshakeComplete
	HandshakeFailed
)

// HandshakeResult is what NextStage returns: either more bytes to send
// and another round to run, a completed Transcode ready for framing,
// or a terminal error.
type HandshakeResult struct {
	Outcome    HandshakeOutcome
	Reply      []byte
	Transcoder Transcode
	Err        error
}

// Handshake runs a stream's pre-framing negotiation. gitd's streams
// are already authenticated and encrypted by the libp2p Noise
// transport, so the shipped implementation (NoHandshake) is a single
// no-op stage — the interface exists so a protocol-level handshake
// could be layered in without reworking Framer or the reactor.
type Handshake interface {
	NextStage(input []byte) HandshakeResult
	Link() session.Link
}

// NoHandshake completes immediately with a PlainTranscoder, matching
// transcode.rs's NoHandshake used when the underlying transport
// already secures the channel.
type NoHandshake struct {
	link session.Link
}

// NewNoHandshake returns a handshake for an outbound or inbound stream.
func NewNoHandshake(link session.Link) *NoHandshake {
	return &NoHandshake{link: link}
}

func (h *NoHandshake) NextStage(_ []byte) HandshakeResult {
	return HandshakeResult{Outcome: HandshakeComplete, Transcoder: PlainTranscoder{}}
}

func (h *NoHandshake) Link() session.Link { return h.link }
