package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"path/filepath"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"

	"github.com/shurlinet/gitd/internal/addrbook"
	"github.com/shurlinet/gitd/internal/gossip"
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/pclock"
	"github.com/shurlinet/gitd/internal/routing"
	"github.com/shurlinet/gitd/internal/service"
	"github.com/shurlinet/gitd/internal/session"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/tracking"
)

// mustEd25519Pub extracts the public key half of a raw libp2p ed25519
// private key (64-byte seed+pub encoding, same as crypto/ed25519's).
func mustEd25519Pub(t *testing.T, raw []byte) []byte {
	t.Helper()
	if len(raw) != ed25519.PrivateKeySize {
		t.Fatalf("unexpected raw key size %d", len(raw))
	}
	return ed25519.PrivateKey(raw).Public().(ed25519.PublicKey)
}

func ed25519Sign(raw []byte, data []byte) []byte {
	return ed25519.Sign(ed25519.PrivateKey(raw), data)
}

type testNode struct {
	host    *Host
	svc     *service.Service
	reactor *Reactor
	signer  identity.Signer
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h, err := NewHost(HostConfig{
		PrivateKey:  priv,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
	})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	raw, err := priv.Raw()
	if err != nil {
		t.Fatalf("raw priv key: %v", err)
	}
	node, err := identity.NodeIDFromBytes(mustEd25519Pub(t, raw))
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	signer := &testSigner{node: node, raw: raw}

	table, err := routing.Open(routing.NewMemStore(), 1000, 3600)
	if err != nil {
		t.Fatalf("routing.Open: %v", err)
	}
	book, err := addrbook.Open(filepath.Join(t.TempDir(), "addrbook.json"))
	if err != nil {
		t.Fatalf("addrbook.Open: %v", err)
	}
	store := storage.NewMemStorage()
	engine := gossip.New(gossip.DefaultConfig(), table, store)
	clock := pclock.New()
	rnd := pclock.NewRand(1, 2)

	svc := service.New(service.DefaultConfig(), clock, rnd, signer, store, table, engine, book, tracking.NewDefaultPolicy(), nil)
	reactor := NewReactor(svc, h, nil, clock)

	return &testNode{host: h, svc: svc, reactor: reactor, signer: signer}
}

// testSigner wraps a raw ed25519 private key extracted from the
// libp2p key used to build the host, so the service and the host
// agree on one node identity.
type testSigner struct {
	node identity.NodeID
	raw  []byte
}

func (s *testSigner) NodeID() identity.NodeID { return s.node }

func (s *testSigner) Sign(data []byte) ([]byte, error) {
	return ed25519Sign(s.raw, data), nil
}

func TestKeepNewStreamConvergesBothSides(t *testing.T) {
	lo, err := identity.NodeIDFromBytes(mustEd25519Pub(t, bytes.Repeat([]byte{1}, ed25519.PrivateKeySize)))
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	hi, err := identity.NodeIDFromBytes(mustEd25519Pub(t, bytes.Repeat([]byte{2}, ed25519.PrivateKeySize)))
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	if !lo.Less(hi) {
		t.Fatal("test fixture expects lo to sort before hi")
	}

	// lo's outbound dial to hi and hi's inbound accept from lo are the
	// same underlying connection; the tie-break must pick it on both
	// ends for the race to converge.
	if !keepNewStream(lo, hi, session.Outbound) {
		t.Fatal("the lower-id side must keep its own outbound dial")
	}
	if keepNewStream(lo, hi, session.Inbound) {
		t.Fatal("the lower-id side must not keep an inbound accept from a higher id")
	}
	if keepNewStream(hi, lo, session.Outbound) {
		t.Fatal("the higher-id side must not keep its own outbound dial")
	}
	if !keepNewStream(hi, lo, session.Inbound) {
		t.Fatal("the higher-id side must keep its own inbound accept")
	}
}

func TestReactorConnectHandshake(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go a.reactor.Run(ctx, 50*time.Millisecond)
	go b.reactor.Run(ctx, 50*time.Millisecond)

	bAddrs := b.host.Underlying().Addrs()
	if len(bAddrs) == 0 {
		t.Fatal("node b has no listen addresses")
	}
	addr := bAddrs[0].String() + "/p2p/" + b.host.Underlying().ID().String()

	bNode, err := b.host.NodeID()
	if err != nil {
		t.Fatalf("b.host.NodeID: %v", err)
	}

	err = a.reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
		return svc.RequestConnect(bNode, addr, false), nil
	})
	if err != nil {
		t.Fatalf("Exec(connect): %v", err)
	}

	// a's Status counts its peer from RequestConnect onward, so poll b:
	// b only records a peer once the inbound stream reaches HandleConnected.
	deadline := time.Now().Add(4 * time.Second)
	for time.Now().Before(deadline) {
		var st service.Status
		if err := b.reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
			st = svc.Status()
			return nil, nil
		}); err != nil {
			t.Fatalf("Exec(status): %v", err)
		}
		if st.Peers > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("node b never saw a connected peer")
}

func TestReactorExecRespectsContextCancellation(t *testing.T) {
	a := newTestNode(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := a.reactor.Exec(ctx, func(svc *service.Service) ([]service.Action, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error from Exec with a cancelled context and no running reactor")
	}
}
