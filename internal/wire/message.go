// Package wire defines the protocol's message kinds and their
// canonical binary encoding (spec.md §6). Messages are a tagged
// union; the canonical encoding of an announcement's body is what
// gets signed, so the encoding here must be deterministic.
package wire

import (
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
)

// Kind tags a wire message.
type Kind byte

const (
	KindHello Kind = iota + 1
	KindSubscribe
	KindPing
	KindPong
	KindAnnouncement
	KindFetch
	KindFetchOk
	KindFetchErr
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindSubscribe:
		return "Subscribe"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindAnnouncement:
		return "Announcement"
	case KindFetch:
		return "Fetch"
	case KindFetchOk:
		return "FetchOk"
	case KindFetchErr:
		return "FetchErr"
	default:
		return "Unknown"
	}
}

// ProtocolVersion is this node's protocol version (spec.md §6): a
// 1-byte major and 1-byte minor. A mismatched major disconnects with
// WrongVersion.
type ProtocolVersion struct {
	Major byte
	Minor byte
}

// CurrentVersion is the version this implementation speaks.
var CurrentVersion = ProtocolVersion{Major: 1, Minor: 0}

// Message is any value that can cross the wire.
type Message interface {
	Kind() Kind
}

// Hello advertises the sender's protocol version. It is the first
// message exchanged once a session reaches Connected (spec.md §4.E
// rule 2, §6 "Protocol version"); a mismatched major version
// disconnects with WrongVersion.
type Hello struct {
	Version ProtocolVersion
}

func (Hello) Kind() Kind { return KindHello }

// Subscribe declares the sender's interest: a filter over project
// ids and a time window (spec.md §4.E "Subscriptions").
type Subscribe struct {
	Filter Filter
	Since  uint64
	Until  uint64
}

func (Subscribe) Kind() Kind { return KindSubscribe }

// Ping carries a nonce and the length of the zero-padding the peer
// must echo back in Pong (spec.md §4.D liveness rules).
type Ping struct {
	Nonce   uint64
	PongLen uint16
}

func (Ping) Kind() Kind { return KindPing }

// Pong echoes back PongLen zero bytes.
type Pong struct {
	Zeroes []byte
}

func (Pong) Kind() Kind { return KindPong }

// BodyKind tags an announcement's body.
type BodyKind byte

const (
	BodyInventory BodyKind = iota + 1
	BodyNode
	BodyRefs
)

// AnnouncementBody is the payload an Announcement envelope signs
// over (spec.md §3).
type AnnouncementBody interface {
	BodyKind() BodyKind
	AnnouncedAt() uint64
}

// InventoryBody announces the set of projects a node hosts.
type InventoryBody struct {
	Inventory []storage.ProjectID
	Timestamp uint64
}

func (InventoryBody) BodyKind() BodyKind      { return BodyInventory }
func (b InventoryBody) AnnouncedAt() uint64   { return b.Timestamp }

// NodeBody announces node metadata.
type NodeBody struct {
	Addresses []string
	Alias     string
	Features  uint64
	Timestamp uint64
}

func (NodeBody) BodyKind() BodyKind    { return BodyNode }
func (b NodeBody) AnnouncedAt() uint64 { return b.Timestamp }

// RefsBody announces a project's reference tips as held by Remote.
type RefsBody struct {
	Project   storage.ProjectID
	Remote    identity.NodeID
	Refs      map[string]storage.ObjectID
	Timestamp uint64
}

func (RefsBody) BodyKind() BodyKind    { return BodyRefs }
func (b RefsBody) AnnouncedAt() uint64 { return b.Timestamp }

// Announcement is a signed gossip envelope (spec.md §3).
type Announcement struct {
	Node      identity.NodeID
	Body      AnnouncementBody
	Signature []byte
}

func (Announcement) Kind() Kind { return KindAnnouncement }

// Fetch requests a protocol upgrade to replicate project RID
// (spec.md §4.E "Fetch trigger").
type Fetch struct {
	RID storage.ProjectID
}

func (Fetch) Kind() Kind { return KindFetch }

// FetchOk acknowledges a completed upgrade handover.
type FetchOk struct{}

func (FetchOk) Kind() Kind { return KindFetchOk }

// FetchErr reports a failed upgrade/fetch attempt.
type FetchErr struct {
	Reason string
}

func (FetchErr) Kind() Kind { return KindFetchErr }
