package service

import (
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/wire"
)

// ActionKind tags the I/O action a Service asks its caller to perform
// (spec.md §4.G: "Connect | Disconnect | Write | Wakeup | Fetch |
// Event").
type ActionKind int

const (
	ActionConnect ActionKind = iota
	ActionDisconnect
	ActionWrite
	ActionWakeup
	ActionUpgrade
	ActionEvent
)

// DisconnectReason explains why a session was, or should be,
// disconnected.
type DisconnectReason int

const (
	ReasonOperator DisconnectReason = iota
	ReasonTimeout
	ReasonMisbehavior
	ReasonWrongVersion
	ReasonInvalidTimestamp
	ReasonConnectionReset
	ReasonHandshake
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonTimeout:
		return "Timeout"
	case ReasonMisbehavior:
		return "Misbehavior"
	case ReasonWrongVersion:
		return "WrongVersion"
	case ReasonInvalidTimestamp:
		return "InvalidTimestamp"
	case ReasonConnectionReset:
		return "ConnectionReset"
	case ReasonHandshake:
		return "Handshake"
	default:
		return "Operator"
	}
}

// Action is one unit of I/O the caller (the transport reactor) must
// perform on the Service's behalf. The core never performs I/O
// itself — every side effect a caller must take comes back as one of
// these (spec.md §4.G, §5 sans-I/O design).
type Action struct {
	Kind ActionKind

	// ActionConnect / ActionDisconnect / ActionWrite / ActionUpgrade
	Node identity.NodeID
	Addr string // ActionConnect only

	// ActionDisconnect
	Reason DisconnectReason

	// ActionWrite
	Messages []wire.Message

	// ActionWakeup
	WakeupAfter uint64 // seconds from now

	// ActionUpgrade
	FetchSpec storage.ProjectID

	// ActionEvent
	Event Event
}

// EventKind tags a user-visible event (spec.md §7: "Connected,
// Disconnected(reason), RefsFetched{from, project-id}, RefsSynced,
// AnnouncementReceived, PolicyChanged").
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventRefsFetched
	EventRefsSynced
	EventAnnouncementReceived
	EventPolicyChanged
	// EventFetchFailed reports a fetch that did not complete — not
	// named by the original event list, added because a caller needs
	// some signal distinct from EventDisconnected to know a requested
	// fetch did not materialize.
	EventFetchFailed
)

// Event is a user-visible notification, delivered wrapped in an
// ActionEvent Action.
type Event struct {
	Kind    EventKind
	Node    identity.NodeID
	Reason  DisconnectReason
	Project storage.ProjectID
}

func connectAction(node identity.NodeID, addr string) Action {
	return Action{Kind: ActionConnect, Node: node, Addr: addr}
}

func disconnectAction(node identity.NodeID, reason DisconnectReason) Action {
	return Action{Kind: ActionDisconnect, Node: node, Reason: reason}
}

func writeAction(node identity.NodeID, msgs ...wire.Message) Action {
	return Action{Kind: ActionWrite, Node: node, Messages: msgs}
}

func eventAction(ev Event) Action {
	return Action{Kind: ActionEvent, Event: ev}
}

func upgradeAction(node identity.NodeID, rid storage.ProjectID) Action {
	return Action{Kind: ActionUpgrade, Node: node, FetchSpec: rid}
}
