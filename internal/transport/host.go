package transport

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	ws "github.com/libp2p/go-libp2p/p2p/transport/websocket"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/gitd/internal/identity"
)

// ProtocolID is the libp2p stream protocol gitd peers speak, analogous
// to the teacher's per-service protocol strings in pkg/p2pnet's
// ServiceRegistry ("/peerup/<name>/1.0.0").
const ProtocolID = protocol.ID("/gitd/gossip/1.0.0")

// HostConfig configures the libp2p host backing a Host (grounded on
// pkg/p2pnet/network.go's Config: transports, listen addresses, and
// identity are all operator-controlled; relay/NAT traversal options
// are left to internal/nodeconfig to plumb through).
type HostConfig struct {
	PrivateKey     crypto.PrivKey
	ListenAddrs    []string
	EnableRelay    bool
	RelayAddrs     []peer.AddrInfo
	EnableNATPort  bool
	EnableHolePunch bool
}

// Host wraps a libp2p host.Host, translating between gitd's NodeID
// and libp2p's peer.ID/multiaddr world (pkg/p2pnet/network.go's
// Network plays the identical role for the teacher's own protocol).
type Host struct {
	h host.Host
}

// NewHost constructs and starts listening on a libp2p host per cfg.
func NewHost(cfg HostConfig) (*Host, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("transport: host requires a private key")
	}

	opts := []libp2p.Option{
		libp2p.Identity(cfg.PrivateKey),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
		libp2p.Transport(ws.New),
	}
	if len(cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(cfg.ListenAddrs...))
	}
	if cfg.EnableRelay {
		if len(cfg.RelayAddrs) > 0 {
			opts = append(opts, libp2p.EnableAutoRelayWithStaticRelays(cfg.RelayAddrs))
		}
		if cfg.EnableNATPort {
			opts = append(opts, libp2p.NATPortMap())
		}
		if cfg.EnableHolePunch {
			opts = append(opts, libp2p.EnableHolePunching())
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}
	return &Host{h: h}, nil
}

// Underlying returns the libp2p host, for callers (e.g. a DHT or mDNS
// discovery service) that need direct access.
func (h *Host) Underlying() host.Host { return h.h }

// NodeID returns this host's gitd node identifier, derived from its
// libp2p public key.
func (h *Host) NodeID() (identity.NodeID, error) {
	raw, err := h.h.Peerstore().PubKey(h.h.ID()).Raw()
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("transport: extract host public key: %w", err)
	}
	// ed25519 public keys are 32 bytes; NodeIDFromBytes validates that.
	return identity.NodeIDFromBytes(raw)
}

// PeerIDFor derives the libp2p peer.ID a gitd NodeID corresponds to.
func PeerIDFor(node identity.NodeID) (peer.ID, error) {
	pub, err := crypto.UnmarshalEd25519PublicKey(node[:])
	if err != nil {
		return "", fmt.Errorf("transport: unmarshal node public key: %w", err)
	}
	pid, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("transport: derive peer id: %w", err)
	}
	return pid, nil
}

// Dial opens a gitd protocol stream to addr, a multiaddr string
// carrying the remote's /p2p/<peer-id> suffix.
func (h *Host) Dial(ctx context.Context, addr string) (network.Stream, identity.NodeID, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return nil, identity.NodeID{}, fmt.Errorf("transport: parse multiaddr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, identity.NodeID{}, fmt.Errorf("transport: parse peer info from %q: %w", addr, err)
	}
	h.h.Peerstore().AddAddrs(info.ID, info.Addrs, peerstore.TempAddrTTL)

	if err := h.h.Connect(ctx, *info); err != nil {
		return nil, identity.NodeID{}, fmt.Errorf("transport: connect to %s: %w", info.ID, err)
	}
	stream, err := h.h.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, identity.NodeID{}, fmt.Errorf("transport: open stream to %s: %w", info.ID, err)
	}
	node, err := nodeIDFromPeer(h.h, info.ID)
	if err != nil {
		return nil, identity.NodeID{}, err
	}
	return stream, node, nil
}

// SetStreamHandler registers fn to be invoked for each inbound gitd
// protocol stream, mirroring pkg/p2pnet ServiceRegistry's per-protocol
// SetStreamHandler wiring.
func (h *Host) SetStreamHandler(fn func(network.Stream, identity.NodeID)) {
	h.h.SetStreamHandler(ProtocolID, func(s network.Stream) {
		node, err := nodeIDFromPeer(h.h, s.Conn().RemotePeer())
		if err != nil {
			_ = s.Reset()
			return
		}
		fn(s, node)
	})
}

// Close shuts down the host.
func (h *Host) Close() error { return h.h.Close() }

func nodeIDFromPeer(h host.Host, p peer.ID) (identity.NodeID, error) {
	pub := h.Peerstore().PubKey(p)
	if pub == nil {
		return identity.NodeID{}, fmt.Errorf("transport: no public key on file for peer %s", p)
	}
	raw, err := pub.Raw()
	if err != nil {
		return identity.NodeID{}, fmt.Errorf("transport: extract peer public key: %w", err)
	}
	return identity.NodeIDFromBytes(raw)
}
