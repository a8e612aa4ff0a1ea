// Package session implements the per-peer protocol state machine
// (spec.md §4.D). A Session owns nothing but its own state: all I/O
// and timing decisions are made by the caller (internal/service), in
// keeping with the sans-I/O design the rest of the core follows.
package session

import (
	"errors"
	"fmt"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/wire"
)

// Link is the connection direction.
type Link int

const (
	Inbound Link = iota
	Outbound
)

func (l Link) IsInbound() bool { return l == Inbound }

// PingKind tags the session's liveness-probe state.
type PingKind int

const (
	// PingNone means no ping has been sent since the last response.
	PingNone PingKind = iota
	// PingAwaiting means a ping was sent and we're waiting on its pong.
	PingAwaiting
	// PingOK means the last ping round-tripped successfully.
	PingOK
)

// Ping is the session's liveness-probe state.
type Ping struct {
	Kind    PingKind
	PongLen uint16 // valid only when Kind == PingAwaiting
}

// ProtocolKind tags which sub-protocol a connected session is running.
type ProtocolKind int

const (
	// ProtocolGossip is the default message-based gossip protocol.
	ProtocolGossip ProtocolKind = iota
	// ProtocolFetch is the bulk-transfer protocol, entered after an
	// upgrade handoff triggered by a Fetch message.
	ProtocolFetch
)

// Protocol is the session's current sub-protocol and, for Gossip,
// whether a fetch has been requested and not yet upgraded to Fetch.
type Protocol struct {
	Kind      ProtocolKind
	Requested storage.ProjectID // valid only for ProtocolGossip with a pending request
	HasReq    bool
	RID       storage.ProjectID // valid only for ProtocolFetch
}

func defaultProtocol() Protocol { return Protocol{Kind: ProtocolGossip} }

// StateKind tags which of the three session states is active.
type StateKind int

const (
	StateConnecting StateKind = iota
	StateConnected
	StateDisconnected
)

// State is the session's current lifecycle state.
type State struct {
	Kind     StateKind
	Since    uint64 // LocalTime the state was entered
	Ping     Ping
	Protocol Protocol
}

// FetchOutcome tags the result of a Session.Fetch call.
type FetchOutcome int

const (
	// FetchReady means a Message{Fetch} is ready to be sent.
	FetchReady FetchOutcome = iota
	// FetchAlreadyFetching means a fetch for some project is already in
	// flight on this session.
	FetchAlreadyFetching
	// FetchNotConnected means the session isn't connected.
	FetchNotConnected
)

// FetchResult is the return value of Session.Fetch.
type FetchResult struct {
	Outcome FetchOutcome
	Message wire.Fetch        // valid when Outcome == FetchReady
	Active  storage.ProjectID // valid when Outcome == FetchAlreadyFetching
}

// Sentinel errors for session operations that the original protocol
// treats as programmer-error panics; here they're ordinary errors
// (spec.md §4.D: "implementer may return error instead").
var (
	ErrNotConnected    = errors.New("session: not connected")
	ErrNotDisconnected = errors.New("session: cannot transition to connecting from a non-disconnected state")
	ErrNotConnecting   = errors.New("session: cannot transition to connected from a non-connecting state")
	ErrNotFetching     = errors.New("session: cannot return to gossip: session is not in the fetch protocol")
)

// Session is a single peer's protocol state.
type Session struct {
	ID         identity.NodeID
	Link       Link
	Persistent bool
	State      State
	Subscribe  *wire.Subscribe
	LastActive uint64

	attempts int
}

// Connecting returns a new session in the initial Connecting state,
// for an outbound dial we initiated ourselves.
func Connecting(id identity.NodeID, persistent bool) *Session {
	return &Session{
		ID:         id,
		Link:       Outbound,
		Persistent: persistent,
		State:      State{Kind: StateConnecting},
		attempts:   1,
	}
}

// Connected returns a new session already in the Connected state, for
// a connection that completed its handshake before the session was
// constructed (e.g. an inbound connection).
func Connected(id identity.NodeID, link Link, persistent bool, since uint64) *Session {
	return &Session{
		ID:         id,
		Link:       link,
		Persistent: persistent,
		State: State{
			Kind:     StateConnected,
			Since:    since,
			Protocol: defaultProtocol(),
		},
	}
}

func (s *Session) IsConnecting() bool   { return s.State.Kind == StateConnecting }
func (s *Session) IsConnected() bool    { return s.State.Kind == StateConnected }
func (s *Session) IsDisconnected() bool { return s.State.Kind == StateDisconnected }

// IsGossipAllowed reports whether the session is connected, running
// the gossip protocol, and has no fetch request outstanding.
func (s *Session) IsGossipAllowed() bool {
	return s.State.Kind == StateConnected &&
		s.State.Protocol.Kind == ProtocolGossip &&
		!s.State.Protocol.HasReq
}

// Attempts returns the number of connection attempts made so far.
func (s *Session) Attempts() int { return s.attempts }

// Fetch attempts to initiate a fetch of project rid on this session
// (spec.md §4.D).
func (s *Session) Fetch(rid storage.ProjectID) FetchResult {
	if s.State.Kind != StateConnected {
		return FetchResult{Outcome: FetchNotConnected}
	}
	switch s.State.Protocol.Kind {
	case ProtocolGossip:
		if s.State.Protocol.HasReq {
			return FetchResult{Outcome: FetchAlreadyFetching, Active: s.State.Protocol.Requested}
		}
		return FetchResult{Outcome: FetchReady, Message: wire.Fetch{RID: rid}}
	case ProtocolFetch:
		return FetchResult{Outcome: FetchAlreadyFetching, Active: s.State.Protocol.RID}
	default:
		return FetchResult{Outcome: FetchNotConnected}
	}
}

// ToRequesting marks rid as requested on the gossip protocol, pending
// an upgrade to the fetch sub-protocol.
func (s *Session) ToRequesting(rid storage.ProjectID) error {
	if s.State.Kind != StateConnected {
		return fmt.Errorf("session: to_requesting: %w", ErrNotConnected)
	}
	s.State.Protocol = Protocol{Kind: ProtocolGossip, Requested: rid, HasReq: true}
	return nil
}

// ToFetching upgrades the session to the Fetch sub-protocol.
func (s *Session) ToFetching(rid storage.ProjectID) error {
	if s.State.Kind != StateConnected {
		return fmt.Errorf("session: to_fetching: %w", ErrNotConnected)
	}
	s.State.Protocol = Protocol{Kind: ProtocolFetch, RID: rid}
	return nil
}

// ToGossip returns the session to the default gossip protocol after a
// fetch completes. Only valid from the Fetch sub-protocol.
func (s *Session) ToGossip() error {
	if s.State.Kind != StateConnected || s.State.Protocol.Kind != ProtocolFetch {
		return ErrNotFetching
	}
	s.State.Protocol = defaultProtocol()
	return nil
}

// ToConnecting transitions Disconnected -> Connecting, incrementing
// the attempt counter.
func (s *Session) ToConnecting() error {
	if s.State.Kind != StateDisconnected {
		return ErrNotDisconnected
	}
	s.State = State{Kind: StateConnecting}
	s.attempts++
	return nil
}

// ToConnected transitions Connecting -> Connected, resetting attempts
// and ping state.
func (s *Session) ToConnected(since uint64) error {
	if s.State.Kind != StateConnecting {
		return ErrNotConnecting
	}
	s.attempts = 0
	s.State = State{Kind: StateConnected, Since: since, Protocol: defaultProtocol()}
	return nil
}

// ToDisconnected transitions to Disconnected from any state.
func (s *Session) ToDisconnected(since uint64) {
	s.State = State{Kind: StateDisconnected, Since: since}
	s.Subscribe = nil
}

// BeginPing marks a ping as sent, awaiting pongLen zero bytes back.
// No-op if the session isn't connected.
func (s *Session) BeginPing(pongLen uint16) {
	if s.State.Kind != StateConnected {
		return
	}
	s.State.Ping = Ping{Kind: PingAwaiting, PongLen: pongLen}
}

// AcceptPong validates a Pong against the outstanding ping and, if
// valid, marks the session as live. Returns false (misbehavior) if a
// pong's length does not match what was expected.
func (s *Session) AcceptPong(zeroes int) bool {
	if s.State.Ping.Kind != PingAwaiting {
		return true // unsolicited pong; not a protocol violation on its own
	}
	if zeroes != int(s.State.Ping.PongLen) {
		return false
	}
	s.State.Ping = Ping{Kind: PingOK}
	return true
}
