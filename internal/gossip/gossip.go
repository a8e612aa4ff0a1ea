// Package gossip implements the validation, deduplication, routing
// update, and relay-selection rules for announcement messages
// (spec.md §4.E). It is sans-I/O: Engine mutates its cache and the
// routing table it's given, and tells the caller what to relay; it
// never touches a socket or a clock of its own.
package gossip

import (
	"sort"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/routing"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/wire"
)

// DisconnectReason explains why an envelope was rejected hard enough
// to warrant disconnecting its sender (spec.md §4.E envelope rules).
// The zero value means no disconnect is warranted.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonInvalidTimestamp
	ReasonMisbehavior
	// ReasonUnauthorizedDelegate is returned when a Refs announcement
	// names a Remote that is neither the announcer nor a recorded
	// delegate of the project (spec.md §3 delegation invariant).
	ReasonUnauthorizedDelegate
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonInvalidTimestamp:
		return "InvalidTimestamp"
	case ReasonMisbehavior:
		return "Misbehavior"
	case ReasonUnauthorizedDelegate:
		return "UnauthorizedDelegate"
	default:
		return "None"
	}
}

// AcceptResult reports the verdict reached for one announcement.
type AcceptResult struct {
	// Accepted is true iff the announcement passed validation and was
	// fresher than anything cached for its (node, kind, scope).
	Accepted bool
	// Disconnect is non-zero if the sender violated the protocol badly
	// enough to be disconnected.
	Disconnect DisconnectReason
	// Routing reports the routing table update made, if the
	// announcement carried one (Inventory or Refs bodies).
	Routing []RoutingUpdate
}

// RoutingUpdate records one routing.Table.Insert call's outcome.
type RoutingUpdate struct {
	Project storage.ProjectID
	Node    identity.NodeID
	Result  routing.Result
}

// cacheKey identifies the (node, kind, scope) slot an announcement's
// freshness is judged against (spec.md §4.E "Acceptance & dedup").
type cacheKey struct {
	node  identity.NodeID
	kind  wire.BodyKind
	scope string // project id string for Refs; empty for Inventory/Node
}

type cacheEntry struct {
	timestamp uint64
	ann       wire.Announcement
}

// Config holds the engine's tunable envelope-validation parameters.
type Config struct {
	// MaxTimeDelta bounds how far into the future an announcement's
	// timestamp may be before it's rejected (spec.md §4.E rule 1,
	// default 1 hour in seconds).
	MaxTimeDelta uint64
}

// DefaultConfig returns the spec's default envelope-validation config.
func DefaultConfig() Config {
	return Config{MaxTimeDelta: 3600}
}

// Engine owns the announcement cache and decides acceptance, routing
// updates, and relay targets.
type Engine struct {
	cfg     Config
	cache   map[cacheKey]cacheEntry
	routing *routing.Table
	storage storage.Storage
}

// New constructs a gossip Engine backed by table. store is consulted to
// authorize a Refs announcement's Remote field against the project's
// recorded delegates (spec.md §3 invariant); it may be nil, in which
// case no Remote can be shown to be a delegate and every Refs
// announcement whose Remote differs from its signer is rejected.
func New(cfg Config, table *routing.Table, store storage.Storage) *Engine {
	return &Engine{cfg: cfg, cache: make(map[cacheKey]cacheEntry), routing: table, storage: store}
}

func keyFor(ann wire.Announcement) cacheKey {
	k := cacheKey{node: ann.Node, kind: ann.Body.BodyKind()}
	if refs, ok := ann.Body.(wire.RefsBody); ok {
		k.scope = refs.Project.String()
	}
	return k
}

// Accept validates and, if valid, applies ann: envelope rules 1 and 3
// of spec.md §4.E (rule 2, protocol version, is enforced once at
// session handshake rather than per message — see DESIGN.md), dedup
// against the cache, and routing table updates for Inventory/Refs
// bodies. now is the local wall-clock time in Unix seconds.
func (e *Engine) Accept(ann wire.Announcement, now uint64) AcceptResult {
	ts := ann.Body.AnnouncedAt()
	if ts > now+e.cfg.MaxTimeDelta {
		return AcceptResult{Disconnect: ReasonInvalidTimestamp}
	}

	payload, err := wire.EncodeBody(ann.Body)
	if err != nil || !identity.Verify(ann.Node, payload, ann.Signature) {
		return AcceptResult{Disconnect: ReasonMisbehavior}
	}

	if refs, ok := ann.Body.(wire.RefsBody); ok && refs.Remote != ann.Node {
		if !e.remoteIsDelegate(ann.Node, refs.Project, refs.Remote) {
			return AcceptResult{Disconnect: ReasonUnauthorizedDelegate}
		}
	}

	key := keyFor(ann)
	if existing, ok := e.cache[key]; ok && ts <= existing.timestamp {
		return AcceptResult{Accepted: false}
	}
	e.cache[key] = cacheEntry{timestamp: ts, ann: ann}

	result := AcceptResult{Accepted: true}
	if e.routing != nil {
		switch body := ann.Body.(type) {
		case wire.InventoryBody:
			for _, p := range body.Inventory {
				r := e.routing.Insert(p, ann.Node, ts)
				result.Routing = append(result.Routing, RoutingUpdate{Project: p, Node: ann.Node, Result: r})
			}
		case wire.RefsBody:
			r := e.routing.Insert(body.Project, body.Remote, ts)
			result.Routing = append(result.Routing, RoutingUpdate{Project: body.Project, Node: body.Remote, Result: r})
		}
	}
	return result
}

// remoteIsDelegate reports whether remote is a recorded delegate of
// project, as known from announcer's view (spec.md §3: "a Refs
// announcement naming Remote R is only authoritative if R is a
// recorded delegate of the project, or the announcement is
// self-authored"). With no storage wired, or no local record of the
// project, the claim cannot be authorized.
func (e *Engine) remoteIsDelegate(announcer identity.NodeID, project storage.ProjectID, remote identity.NodeID) bool {
	if e.storage == nil {
		return false
	}
	proj, ok, err := e.storage.Get(announcer, project)
	if err != nil || !ok {
		return false
	}
	return proj.Delegates[remote]
}

// RelaySubscriber is the information the engine needs about a
// candidate relay target (spec.md §4.E "Relay policy").
type RelaySubscriber struct {
	Node      identity.NodeID
	Subscribe *wire.Subscribe // nil means no active subscription, never relay
}

// ShouldRelay reports whether ann should be relayed to sub, given that
// it arrived from source (spec.md §4.E "Relay policy").
func ShouldRelay(ann wire.Announcement, source identity.NodeID, sub RelaySubscriber) bool {
	if sub.Subscribe == nil {
		return false
	}
	if sub.Node == source || sub.Node == ann.Node {
		return false
	}
	ts := ann.Body.AnnouncedAt()
	if ts < sub.Subscribe.Since {
		return false
	}
	if sub.Subscribe.Until != 0 && ts > sub.Subscribe.Until {
		return false
	}
	return matchesFilter(ann.Body, sub.Subscribe.Filter)
}

// matchesFilter applies a subscription filter to an announcement body.
// Refs bodies are scoped to one project. Inventory bodies match if any
// announced project matches. Node bodies carry no project scope and so
// always match — node metadata is not subject to project filtering.
func matchesFilter(body wire.AnnouncementBody, filter wire.Filter) bool {
	if filter.MatchAll {
		return true
	}
	switch b := body.(type) {
	case wire.RefsBody:
		return filter.Match(b.Project)
	case wire.InventoryBody:
		for _, p := range b.Inventory {
			if filter.Match(p) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// Replay returns the latest cached announcement per (node, kind,
// scope) matching filter and the window [since, until] (spec.md §4.E
// "Subscriptions": "Only the latest cached entry ... is replayed").
func (e *Engine) Replay(filter wire.Filter, since, until uint64) []wire.Announcement {
	out := make([]wire.Announcement, 0, len(e.cache))
	for _, entry := range e.cache {
		ts := entry.timestamp
		if ts < since {
			continue
		}
		if until != 0 && ts > until {
			continue
		}
		if !matchesFilter(entry.ann.Body, filter) {
			continue
		}
		out = append(out, entry.ann)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Body.AnnouncedAt() < out[j].Body.AnnouncedAt()
	})
	return out
}
