package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/pclock"
	"github.com/shurlinet/gitd/internal/service"
	"github.com/shurlinet/gitd/internal/session"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/wire"
)

// link tracks one connected peer's stream and framing state, the Go
// counterpart of transport.rs's Peer enum — collapsed to the states
// the reactor actually needs to hold open resources for, since
// Connecting/Disconnected have no associated resource here.
type link struct {
	stream network.Stream
	framer *Framer
	addr   string
}

// Upgrader hands a connected peer's raw stream to a bulk-transfer
// worker for a fetch, and returns it once the worker is done. It is
// satisfied by internal/fetch's worker pool; the reactor only needs
// this narrow seam (mirrors transport.rs's worker channel handover).
type Upgrader interface {
	Upgrade(ctx context.Context, node identity.NodeID, rid storage.ProjectID, stream io.ReadWriteCloser, result func(err error))
}

// Reactor drives a service.Service from a libp2p Host: it turns
// Service Actions into real dials/writes/disconnects, and turns
// Host/stream events into Service calls. It is the Go analogue of
// transport.rs's Wire reactor handler, rebuilt around goroutines and
// channels instead of a single poll loop.
type Reactor struct {
	svc      *service.Service
	host     *Host
	upgrader Upgrader
	clock    pclock.Clock
	log      *slog.Logger

	mu    sync.Mutex
	links map[identity.NodeID]*link

	events chan event
	done   chan struct{}
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evData
	evFetchResult
	evCommand
)

// Command is an operator command run on the reactor's single goroutine,
// the seam CLI commands (connect/disconnect/track/untrack/announce-refs)
// use to reach the otherwise single-threaded Service safely.
type Command func(*service.Service) ([]service.Action, error)

type event struct {
	kind    eventKind
	node    identity.NodeID
	link    session.Link
	addr    string
	reason  service.DisconnectReason
	payload []byte
	project storage.ProjectID
	err     error
	cmd     Command
	cmdDone chan error
}

// Done returns a channel closed once Run has returned.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Exec runs cmd on the reactor's own goroutine and dispatches any
// resulting Actions, giving CLI commands (connect/disconnect/track/
// untrack/announce-refs/status) safe access to the otherwise
// single-threaded Service while Run is active. It blocks until cmd has
// run, or ctx is cancelled first.
func (r *Reactor) Exec(ctx context.Context, cmd Command) error {
	done := make(chan error, 1)
	select {
	case r.events <- event{kind: evCommand, cmd: cmd, cmdDone: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewReactor builds a Reactor. upgrader may be nil if fetch upgrades
// are not wired yet; ActionUpgrade is then logged and reported back to
// the service as a failed fetch.
func NewReactor(svc *service.Service, h *Host, upgrader Upgrader, clock pclock.Clock) *Reactor {
	return &Reactor{
		svc:      svc,
		host:     h,
		upgrader: upgrader,
		clock:    clock,
		log:      slog.Default().With("component", "transport"),
		links:    make(map[identity.NodeID]*link),
		events:   make(chan event, 256),
		done:     make(chan struct{}),
	}
}

// Run installs the host's stream handler and processes events and
// periodic ticks until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context, tickInterval time.Duration) error {
	r.host.SetStreamHandler(func(s network.Stream, node identity.NodeID) {
		r.acceptStream(node, s)
	})

	ticker := r.clock.Ticker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(r.done)
			return ctx.Err()
		case <-ticker.C:
			actions, err := r.svc.Tick()
			if err != nil {
				r.log.Error("tick failed", "error", err)
				continue
			}
			r.dispatch(ctx, actions)
		case ev := <-r.events:
			r.handleEvent(ctx, ev)
		}
	}
}

func (r *Reactor) handleEvent(ctx context.Context, ev event) {
	var (
		actions []service.Action
		err     error
	)
	switch ev.kind {
	case evConnected:
		actions, err = r.svc.HandleConnected(ev.node, ev.link, false)
	case evDisconnected:
		r.mu.Lock()
		delete(r.links, ev.node)
		r.mu.Unlock()
		actions = r.svc.HandleDisconnected(ev.node, ev.reason)
	case evData:
		actions, err = r.deliverFrames(ev.node, ev.payload)
	case evFetchResult:
		actions, err = r.svc.HandleFetchResult(ev.node, ev.project, ev.err)
	case evCommand:
		actions, err = ev.cmd(r.svc)
		ev.cmdDone <- err
	}
	if err != nil {
		r.log.Error("service call failed", "node", ev.node.Short(), "error", err)
		return
	}
	r.dispatch(ctx, actions)
}

// deliverFrames feeds newly-arrived bytes through the peer's framer
// and hands every complete frame to the service as a decoded message.
func (r *Reactor) deliverFrames(node identity.NodeID, data []byte) ([]service.Action, error) {
	r.mu.Lock()
	l, ok := r.links[node]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("transport: data from unknown link %s", node.Short())
	}
	l.framer.Feed(data)

	var all []service.Action
	for {
		payload, ok := l.framer.Next()
		if !ok {
			break
		}
		msg, err := wire.DecodeMessage(payload)
		if err != nil {
			r.log.Warn("dropping malformed frame", "node", node.Short(), "error", err)
			continue
		}
		actions, err := r.svc.HandleMessage(node, msg)
		if err != nil {
			return nil, err
		}
		all = append(all, actions...)
	}
	return all, nil
}

// dispatch executes the I/O each Action names (spec.md §4.G sans-I/O
// contract: the service never touches a socket itself).
func (r *Reactor) dispatch(ctx context.Context, actions []service.Action) {
	for _, a := range actions {
		switch a.Kind {
		case service.ActionConnect:
			go r.connect(ctx, a.Node, a.Addr)
		case service.ActionDisconnect:
			r.disconnect(a.Node, a.Reason)
		case service.ActionWrite:
			r.write(a.Node, a.Messages)
		case service.ActionUpgrade:
			r.upgrade(ctx, a.Node, a.FetchSpec)
		case service.ActionWakeup:
			// Tick already runs on a fixed interval; an explicit
			// wakeup request needs no extra action here.
		case service.ActionEvent:
			r.log.Info("event", "kind", a.Event.Kind, "node", a.Event.Node.Short())
		}
	}
}

func (r *Reactor) connect(ctx context.Context, node identity.NodeID, addr string) {
	stream, remote, err := r.host.Dial(ctx, addr)
	if err != nil {
		r.log.Debug("dial failed", "node", node.Short(), "addr", addr, "error", err)
		r.events <- event{kind: evDisconnected, node: node, reason: service.ReasonConnectionReset}
		return
	}
	if remote != node {
		r.log.Warn("dialed peer identity mismatch", "expected", node.Short(), "got", remote.Short())
	}
	r.registerStream(node, addr, stream, session.Outbound)
}

func (r *Reactor) acceptStream(node identity.NodeID, s network.Stream) {
	r.registerStream(node, "", s, session.Inbound)
}

// registerStream installs s as node's active stream. If a stream is
// already registered for node (a simultaneous-dial race), the two
// sides must converge on the identical underlying connection without
// talking to each other: local and node each see one outbound dial and
// one inbound accept for the same pair, and both are the same
// connection from opposite ends. So the tie-break compares node ids
// (identity.NodeID.Less, spec.md §9 Open Question) rather than arrival
// order: the lower-id side's outbound dial survives, and that is
// exactly the stream the higher-id side sees as its inbound accept.
// keepNewStream applies the tie-break: local keeps its own outbound
// dial iff local's id sorts lower than remote's, and keeps its own
// inbound accept iff local's id sorts higher.
func keepNewStream(local, remote identity.NodeID, linkDir session.Link) bool {
	return (linkDir == session.Outbound) == local.Less(remote)
}

func (r *Reactor) registerStream(node identity.NodeID, addr string, s network.Stream, linkDir session.Link) {
	keep := true
	if local, err := r.host.NodeID(); err == nil {
		keep = keepNewStream(local, node, linkDir)
	}

	r.mu.Lock()
	existing, hasExisting := r.links[node]
	if hasExisting && !keep {
		r.mu.Unlock()
		_ = s.Close()
		return
	}
	if hasExisting {
		_ = existing.stream.Close()
	}
	r.links[node] = &link{stream: s, framer: NewFramer(PlainTranscoder{}), addr: addr}
	r.mu.Unlock()

	go r.readLoop(node, s)
	r.events <- event{kind: evConnected, node: node, link: linkDir}
}

func (r *Reactor) readLoop(node identity.NodeID, s network.Stream) {
	buf := make([]byte, 64*1024)
	for {
		n, err := s.Read(buf)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			r.events <- event{kind: evData, node: node, payload: payload}
		}
		if err != nil {
			r.events <- event{kind: evDisconnected, node: node, reason: service.ReasonConnectionReset}
			return
		}
	}
}

func (r *Reactor) disconnect(node identity.NodeID, reason service.DisconnectReason) {
	r.mu.Lock()
	l, ok := r.links[node]
	delete(r.links, node)
	r.mu.Unlock()
	if ok {
		_ = l.stream.Close()
	}
}

func (r *Reactor) write(node identity.NodeID, msgs []wire.Message) {
	r.mu.Lock()
	l, ok := r.links[node]
	r.mu.Unlock()
	if !ok {
		r.log.Error("write requested for unknown link", "node", node.Short())
		return
	}
	for _, m := range msgs {
		frame, err := l.framer.EncodeFrame(m)
		if err != nil {
			r.log.Error("encode message failed", "node", node.Short(), "error", err)
			continue
		}
		if _, err := l.stream.Write(frame); err != nil {
			r.log.Debug("write failed", "node", node.Short(), "error", err)
			r.events <- event{kind: evDisconnected, node: node, reason: service.ReasonConnectionReset}
			return
		}
	}
}

func (r *Reactor) upgrade(ctx context.Context, node identity.NodeID, rid storage.ProjectID) {
	r.mu.Lock()
	l, ok := r.links[node]
	r.mu.Unlock()
	if !ok {
		r.log.Error("upgrade requested for unknown link", "node", node.Short())
		return
	}
	if r.upgrader == nil {
		r.log.Warn("fetch upgrade requested but no upgrader wired", "node", node.Short(), "project", rid)
		r.events <- event{kind: evFetchResult, node: node, project: rid, err: fmt.Errorf("transport: no fetch upgrader configured")}
		return
	}
	r.upgrader.Upgrade(ctx, node, rid, l.stream, func(err error) {
		r.events <- event{kind: evFetchResult, node: node, project: rid, err: err}
	})
}
