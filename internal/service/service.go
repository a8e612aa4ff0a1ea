// Package service is the owner (spec.md §4.G): it holds sessions, the
// routing table, the gossip cache, the address book, and tracking
// policy, and drives all of it through a single tick(now) plus a
// handful of event-in methods. It is sans-I/O: every side effect
// comes back to the caller as an Action, never performed directly.
package service

import (
	"fmt"
	"sort"

	"github.com/shurlinet/gitd/internal/addrbook"
	"github.com/shurlinet/gitd/internal/gossip"
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/pclock"
	"github.com/shurlinet/gitd/internal/routing"
	"github.com/shurlinet/gitd/internal/session"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/tracking"
	"github.com/shurlinet/gitd/internal/wire"
)

// Config holds the service's tunable constants (spec.md §6
// "Constants (defaults)").
type Config struct {
	MaxTimeDelta           uint64
	StaleConnectionTimeout uint64
	PingInterval           uint64
	MaxPongZeroes          uint16
	PruneInterval          uint64
	MaxConnectionAttempts  int
	FetchDeadline          uint64

	Alias     string
	Addresses []string
	Features  uint64
}

// DefaultConfig returns the spec's default constants.
func DefaultConfig() Config {
	return Config{
		MaxTimeDelta:           3600,
		StaleConnectionTimeout: 60,
		PingInterval:           30,
		MaxPongZeroes:          128,
		PruneInterval:          300,
		MaxConnectionAttempts:  3,
		FetchDeadline:          60,
	}
}

type peer struct {
	sess       *session.Session
	addr       string
	lastPingAt uint64
}

type pendingFetch struct {
	node     identity.NodeID
	deadline uint64
}

// Service is the protocol state machine owner.
type Service struct {
	cfg      Config
	clock    pclock.Clock
	rand     *pclock.Rand
	signer   identity.Signer
	storage  storage.Storage
	routing  *routing.Table
	gossip   *gossip.Engine
	addrbook *addrbook.Book
	tracking tracking.Policy

	peers          map[identity.NodeID]*peer
	persistent     map[identity.NodeID]string // node -> addr, for configured connect=[] peers
	pendingFetches map[storage.ProjectID]*pendingFetch
	lastPrune      uint64
}

// New constructs a Service. persistent lists the peers this node
// should maintain a connection to (spec.md §4.D "persistent").
func New(
	cfg Config,
	clock pclock.Clock,
	rnd *pclock.Rand,
	signer identity.Signer,
	store storage.Storage,
	table *routing.Table,
	engine *gossip.Engine,
	book *addrbook.Book,
	policy tracking.Policy,
	persistent map[identity.NodeID]string,
) *Service {
	if persistent == nil {
		persistent = map[identity.NodeID]string{}
	}
	return &Service{
		cfg:            cfg,
		clock:          clock,
		rand:           rnd,
		signer:         signer,
		storage:        store,
		routing:        table,
		gossip:         engine,
		addrbook:       book,
		tracking:       policy,
		peers:          make(map[identity.NodeID]*peer),
		persistent:     persistent,
		pendingFetches: make(map[storage.ProjectID]*pendingFetch),
	}
}

func (s *Service) now() uint64 { return pclock.Seconds(s.clock) }

func (s *Service) isPersistent(node identity.NodeID) bool {
	_, ok := s.persistent[node]
	return ok
}

func (s *Service) signBody(body wire.AnnouncementBody) (wire.Announcement, error) {
	payload, err := wire.EncodeBody(body)
	if err != nil {
		return wire.Announcement{}, err
	}
	sig, err := s.signer.Sign(payload)
	if err != nil {
		return wire.Announcement{}, fmt.Errorf("service: sign announcement: %w", err)
	}
	return wire.Announcement{Node: s.signer.NodeID(), Body: body, Signature: sig}, nil
}

func (s *Service) localInventoryAnnouncement() (wire.Announcement, error) {
	inv, err := s.storage.Inventory()
	if err != nil {
		return wire.Announcement{}, fmt.Errorf("service: inventory: %w", err)
	}
	ids := make([]storage.ProjectID, 0, len(inv))
	for id := range inv {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return s.signBody(wire.InventoryBody{Inventory: ids, Timestamp: s.now()})
}

func (s *Service) localNodeAnnouncement() (wire.Announcement, error) {
	return s.signBody(wire.NodeBody{
		Addresses: s.cfg.Addresses,
		Alias:     s.cfg.Alias,
		Features:  s.cfg.Features,
		Timestamp: s.now(),
	})
}

func (s *Service) localSubscribe() wire.Subscribe {
	return wire.Subscribe{Filter: s.tracking.Project.Filter(), Since: 0, Until: 0}
}

// RequestConnect asks the caller to dial addr for node, and creates
// the Connecting session (spec.md §4.D).
func (s *Service) RequestConnect(node identity.NodeID, addr string, persistent bool) []Action {
	if p, ok := s.peers[node]; ok && !p.sess.IsDisconnected() {
		return nil
	}
	s.peers[node] = &peer{sess: session.Connecting(node, persistent), addr: addr}
	s.addrbook.RecordAttempt(node, s.clock.Now())
	return []Action{connectAction(node, addr)}
}

// HandleConnected reports that a connection to/from node completed
// its handshake (spec.md §4.D "connected(id,time)"). It runs the
// initial exchange: Hello, Subscribe, local Inventory, local Node
// announcement.
func (s *Service) HandleConnected(node identity.NodeID, link session.Link, persistent bool) ([]Action, error) {
	now := s.now()
	p, ok := s.peers[node]
	if !ok {
		p = &peer{sess: session.Connected(node, link, persistent, now)}
		s.peers[node] = p
	} else if p.sess.IsConnecting() {
		if err := p.sess.ToConnected(now); err != nil {
			return nil, err
		}
	}
	s.addrbook.RecordSuccess(node, s.clock.Now())

	sub := s.localSubscribe()
	inv, err := s.localInventoryAnnouncement()
	if err != nil {
		return nil, err
	}
	nodeAnn, err := s.localNodeAnnouncement()
	if err != nil {
		return nil, err
	}

	return []Action{
		writeAction(node, wire.Hello{Version: wire.CurrentVersion}, sub, inv, nodeAnn),
		eventAction(Event{Kind: EventConnected, Node: node}),
	}, nil
}

// HandleDisconnected reports that node's connection ended, and decides
// whether to reconnect (spec.md §4.D "Reconnection", §7 policy).
func (s *Service) HandleDisconnected(node identity.NodeID, reason DisconnectReason) []Action {
	p, ok := s.peers[node]
	if !ok {
		return nil
	}
	now := s.now()
	p.sess.ToDisconnected(now)
	for rid, pf := range s.pendingFetches {
		if pf.node == node {
			delete(s.pendingFetches, rid)
		}
	}

	actions := []Action{eventAction(Event{Kind: EventDisconnected, Node: node, Reason: reason})}

	if reason == ReasonConnectionReset && p.sess.Persistent && p.sess.Attempts() < s.cfg.MaxConnectionAttempts {
		if err := p.sess.ToConnecting(); err == nil {
			addr := p.addr
			if addr == "" {
				addr = s.persistent[node]
			}
			s.addrbook.RecordAttempt(node, s.clock.Now())
			actions = append(actions, connectAction(node, addr))
		}
	}
	return actions
}

// HandleMessage processes one message received from node (spec.md
// §4.E, §4.D).
func (s *Service) HandleMessage(node identity.NodeID, msg wire.Message) ([]Action, error) {
	p, ok := s.peers[node]
	if !ok {
		return nil, fmt.Errorf("service: message from unknown peer %s", node.Short())
	}
	p.sess.LastActive = s.now()

	switch m := msg.(type) {
	case wire.Hello:
		return s.handleHello(node, m), nil
	case wire.Subscribe:
		return s.handleSubscribe(node, p, m)
	case wire.Ping:
		return s.handlePing(node, p, m), nil
	case wire.Pong:
		return s.handlePong(node, p, m), nil
	case wire.Announcement:
		return s.handleAnnouncement(node, m)
	case wire.Fetch:
		return s.handleFetchRequest(node, p, m)
	case wire.FetchOk:
		return s.handleFetchOk(node, p)
	case wire.FetchErr:
		return s.handleFetchErr(node, p, m)
	default:
		return nil, fmt.Errorf("service: unhandled message type %T", msg)
	}
}

// handleHello checks the peer's advertised protocol version against
// CurrentVersion (spec.md §4.E rule 2, §6 "Protocol version"). A
// differing major version is incompatible and ends the session; a
// differing minor is a forward-compatible extension.
func (s *Service) handleHello(node identity.NodeID, hello wire.Hello) []Action {
	if hello.Version.Major != wire.CurrentVersion.Major {
		return []Action{disconnectAction(node, ReasonWrongVersion)}
	}
	return nil
}

func (s *Service) handleSubscribe(node identity.NodeID, p *peer, sub wire.Subscribe) ([]Action, error) {
	cp := sub
	p.sess.Subscribe = &cp
	replay := s.gossip.Replay(sub.Filter, sub.Since, sub.Until)
	if len(replay) == 0 {
		return nil, nil
	}
	msgs := make([]wire.Message, len(replay))
	for i, ann := range replay {
		msgs[i] = ann
	}
	return []Action{writeAction(node, msgs...)}, nil
}

func (s *Service) handlePing(node identity.NodeID, p *peer, ping wire.Ping) []Action {
	if ping.PongLen > s.cfg.MaxPongZeroes {
		// Forward-compatible extension: ignore, no disconnect.
		return nil
	}
	return []Action{writeAction(node, wire.Pong{Zeroes: make([]byte, ping.PongLen)})}
}

func (s *Service) handlePong(node identity.NodeID, p *peer, pong wire.Pong) []Action {
	if !p.sess.AcceptPong(len(pong.Zeroes)) {
		return []Action{disconnectAction(node, ReasonMisbehavior)}
	}
	return nil
}

func (s *Service) handleAnnouncement(node identity.NodeID, ann wire.Announcement) ([]Action, error) {
	res := s.gossip.Accept(ann, s.now())
	if res.Disconnect != gossip.ReasonNone {
		reason := ReasonMisbehavior
		if res.Disconnect == gossip.ReasonInvalidTimestamp {
			reason = ReasonInvalidTimestamp
		}
		return []Action{disconnectAction(node, reason)}, nil
	}
	if !res.Accepted {
		return nil, nil
	}

	actions := []Action{eventAction(Event{Kind: EventAnnouncementReceived, Node: node})}

	if refs, ok := ann.Body.(wire.RefsBody); ok && refs.Remote != ann.Node {
		if !s.isTrackingRemote(ann.Node, refs.Project, refs.Remote) {
			return actions, nil
		}
	}

	actions = append(actions, s.relay(ann, node)...)

	if refs, ok := ann.Body.(wire.RefsBody); ok {
		actions = append(actions, s.maybeTriggerFetch(refs.Project)...)
	}
	return actions, nil
}

// isTrackingRemote reports whether remote's refs for project should be
// relayed and acted on, per the configured remote tracking policy
// (spec.md §4.F). announcer is consulted for the project's recorded
// delegate set, the same storage lookup gossip.Engine.Accept uses to
// authorize the Remote field itself.
func (s *Service) isTrackingRemote(announcer identity.NodeID, project storage.ProjectID, remote identity.NodeID) bool {
	var delegates map[identity.NodeID]bool
	if proj, ok, err := s.storage.Get(announcer, project); err == nil && ok {
		delegates = make(map[identity.NodeID]bool, len(proj.Delegates))
		for d := range proj.Delegates {
			delegates[d] = true
		}
	}
	return s.tracking.Remote.IsTrackingRemote(remote, delegates)
}

// relay forwards ann to every other connected, subscribed peer per
// spec.md §4.E "Relay policy".
func (s *Service) relay(ann wire.Announcement, source identity.NodeID) []Action {
	var actions []Action
	nodes := make([]identity.NodeID, 0, len(s.peers))
	for n := range s.peers {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })
	for _, n := range nodes {
		q := s.peers[n]
		if !q.sess.IsConnected() {
			continue
		}
		if gossip.ShouldRelay(ann, source, gossip.RelaySubscriber{Node: n, Subscribe: q.sess.Subscribe}) {
			actions = append(actions, writeAction(n, ann))
		}
	}
	return actions
}

// maybeTriggerFetch starts a fetch for project if it is tracked and
// not already present in local storage (spec.md §4.E "Fetch trigger",
// S8).
func (s *Service) maybeTriggerFetch(project storage.ProjectID) []Action {
	if !s.tracking.Project.IsTracking(project) {
		return nil
	}
	if _, exists := s.pendingFetches[project]; exists {
		return nil
	}
	inv, err := s.storage.Inventory()
	if err == nil {
		if _, have := inv[project]; have {
			return nil
		}
	}
	return s.RequestFetch(project)
}

// RequestFetch picks a connected seed for project and asks its
// session to begin a fetch (spec.md §4.E "Fetch trigger").
func (s *Service) RequestFetch(project storage.ProjectID) []Action {
	seeds := s.routing.Get(project)
	if len(seeds) == 0 {
		return nil
	}
	candidates := make([]identity.NodeID, 0, len(seeds))
	for n := range seeds {
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ti, _ := s.routing.LastSeen(project, candidates[i])
		tj, _ := s.routing.LastSeen(project, candidates[j])
		if ti != tj {
			return ti > tj
		}
		return candidates[i].Less(candidates[j])
	})

	for _, n := range candidates {
		p, ok := s.peers[n]
		if !ok || !p.sess.IsConnected() {
			continue
		}
		res := p.sess.Fetch(project)
		switch res.Outcome {
		case session.FetchReady:
			_ = p.sess.ToRequesting(project)
			s.pendingFetches[project] = &pendingFetch{node: n, deadline: s.now() + s.cfg.FetchDeadline}
			return []Action{writeAction(n, res.Message)}
		case session.FetchAlreadyFetching:
			if res.Active == project {
				return nil
			}
		}
	}
	return nil
}

func (s *Service) handleFetchRequest(node identity.NodeID, p *peer, req wire.Fetch) ([]Action, error) {
	inv, err := s.storage.Inventory()
	if err != nil {
		return nil, fmt.Errorf("service: inventory: %w", err)
	}
	if _, ok := inv[req.RID]; !ok {
		return []Action{writeAction(node, wire.FetchErr{Reason: "project not found"})}, nil
	}
	if err := p.sess.ToFetching(req.RID); err != nil {
		return nil, err
	}
	return []Action{upgradeAction(node, req.RID)}, nil
}

func (s *Service) handleFetchOk(node identity.NodeID, p *peer) ([]Action, error) {
	if p.sess.State.Kind == session.StateConnected && p.sess.State.Protocol.Kind == session.ProtocolFetch {
		if err := p.sess.ToGossip(); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (s *Service) handleFetchErr(node identity.NodeID, p *peer, msg wire.FetchErr) ([]Action, error) {
	var project storage.ProjectID
	for rid, pf := range s.pendingFetches {
		if pf.node == node {
			project = rid
			delete(s.pendingFetches, rid)
			break
		}
	}
	if p.sess.State.Kind == session.StateConnected && p.sess.State.Protocol.Kind != session.ProtocolGossip {
		if err := p.sess.ToGossip(); err != nil {
			return nil, err
		}
	} else {
		p.sess.State.Protocol = session.Protocol{Kind: session.ProtocolGossip}
	}
	return []Action{eventAction(Event{Kind: EventFetchFailed, Node: node, Reason: ReasonHandshake, Project: project})}, nil
}

// HandleFetchResult reports a worker's bulk-transfer outcome for the
// session with node (spec.md §4.E step 4).
func (s *Service) HandleFetchResult(node identity.NodeID, rid storage.ProjectID, fetchErr error) ([]Action, error) {
	p, ok := s.peers[node]
	if !ok {
		return nil, fmt.Errorf("service: fetch result from unknown peer %s", node.Short())
	}
	delete(s.pendingFetches, rid)
	if p.sess.State.Kind == session.StateConnected && p.sess.State.Protocol.Kind == session.ProtocolFetch {
		if err := p.sess.ToGossip(); err != nil {
			return nil, err
		}
	}

	if fetchErr != nil {
		s.addrbook.RecordFailure(node)
		return []Action{eventAction(Event{Kind: EventFetchFailed, Node: node, Project: rid})}, nil
	}

	actions := []Action{eventAction(Event{Kind: EventRefsFetched, Node: node, Project: rid})}
	announce, err := s.AnnounceRefs(rid)
	if err != nil {
		return nil, err
	}
	actions = append(actions, announce...)
	actions = append(actions, eventAction(Event{Kind: EventRefsSynced, Project: rid}))
	return actions, nil
}

// AnnounceRefs signs and locally accepts a fresh Refs announcement for
// project, then relays it to subscribed peers (spec.md §4.E step 4,
// §6 "AnnounceRefs(project-id)").
func (s *Service) AnnounceRefs(project storage.ProjectID) ([]Action, error) {
	refs, err := s.storage.Refs(project, s.signer.NodeID())
	if err != nil {
		return nil, fmt.Errorf("service: refs: %w", err)
	}
	ann, err := s.signBody(wire.RefsBody{Project: project, Remote: s.signer.NodeID(), Refs: refs, Timestamp: s.now()})
	if err != nil {
		return nil, err
	}
	res := s.gossip.Accept(ann, s.now())
	if !res.Accepted {
		return nil, nil
	}
	return s.relay(ann, s.signer.NodeID()), nil
}

// Track marks project as tracked, re-subscribing every connected peer
// if the policy changed (spec.md §4.F).
func (s *Service) Track(project storage.ProjectID) ([]Action, bool) {
	changed := s.tracking.Project.Track(project)
	if !changed {
		return nil, false
	}
	return s.resubscribeAll(), true
}

// Untrack marks project as untracked, optionally evicting its routing
// entries (spec.md §4.F, §9 Open Question).
func (s *Service) Untrack(project storage.ProjectID) ([]Action, bool) {
	changed := s.tracking.Project.Untrack(project)
	if !changed {
		return nil, false
	}
	if s.tracking.EvictOnUntrack {
		s.routing.RemoveProject(project)
	}
	return s.resubscribeAll(), true
}

func (s *Service) resubscribeAll() []Action {
	sub := s.localSubscribe()
	var actions []Action
	nodes := make([]identity.NodeID, 0, len(s.peers))
	for n := range s.peers {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })
	for _, n := range nodes {
		p := s.peers[n]
		if p.sess.IsConnected() {
			actions = append(actions, writeAction(n, sub))
		}
	}
	actions = append(actions, eventAction(Event{Kind: EventPolicyChanged}))
	return actions
}

// Status is a read-only snapshot for operator tooling.
type Status struct {
	Peers        int
	RoutingSize  int
	Tracking     tracking.Policy
	PendingFetch int
}

// Status returns a snapshot of the service's current state.
func (s *Service) Status() Status {
	return Status{
		Peers:        len(s.peers),
		RoutingSize:  s.routing.Len(),
		Tracking:     s.tracking,
		PendingFetch: len(s.pendingFetches),
	}
}

// Tick runs the service's periodic duties (spec.md §4.G "Periodic
// duties per tick").
func (s *Service) Tick() ([]Action, error) {
	now := s.now()
	var actions []Action

	if s.lastPrune == 0 || now-s.lastPrune >= s.cfg.PruneInterval {
		if _, err := s.routing.Prune(now); err != nil {
			return nil, fmt.Errorf("service: prune routing: %w", err)
		}
		s.lastPrune = now
	}
	if err := s.addrbook.Persist(); err != nil {
		return nil, fmt.Errorf("service: persist addrbook: %w", err)
	}

	nodes := make([]identity.NodeID, 0, len(s.peers))
	for n := range s.peers {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Less(nodes[j]) })

	for _, n := range nodes {
		p := s.peers[n]
		switch {
		case p.sess.IsConnected():
			if now-p.sess.LastActive > s.cfg.StaleConnectionTimeout {
				actions = append(actions, s.HandleDisconnected(n, ReasonTimeout)...)
				continue
			}
			if p.sess.State.Ping.Kind == session.PingNone && now-p.lastPingAt >= s.cfg.PingInterval {
				pongLen := s.rand.PongLen(s.cfg.MaxPongZeroes)
				p.sess.BeginPing(pongLen)
				p.lastPingAt = now
				actions = append(actions, writeAction(n, wire.Ping{Nonce: s.rand.Uint64(), PongLen: pongLen}))
			}
		case p.sess.IsDisconnected() && p.sess.Persistent && p.sess.Attempts() < s.cfg.MaxConnectionAttempts:
			if s.addrbook.ReadyToDial(n, s.clock.Now()) {
				if err := p.sess.ToConnecting(); err == nil {
					addr := p.addr
					if addr == "" {
						addr = s.persistent[n]
					}
					s.addrbook.RecordAttempt(n, s.clock.Now())
					actions = append(actions, connectAction(n, addr))
				}
			}
		}
	}

	for rid, pf := range s.pendingFetches {
		if now > pf.deadline {
			delete(s.pendingFetches, rid)
			if p, ok := s.peers[pf.node]; ok && p.sess.State.Kind == session.StateConnected {
				p.sess.State.Protocol = session.Protocol{Kind: session.ProtocolGossip}
			}
			actions = append(actions, eventAction(Event{Kind: EventFetchFailed, Node: pf.node, Project: rid}))
		}
	}

	return actions, nil
}
