// Package identity provides node identifiers and the signer/verifier
// boundary the gossip engine consumes. The cryptographic primitives
// themselves are not the core's concern: the core only ever sees a
// NodeID (raw ed25519 public key bytes) and calls Verify on signed
// bytes. Key generation and on-disk storage are concrete conveniences
// built on libp2p's crypto package.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Size is the fixed byte length of a node identifier (spec.md §3).
const Size = ed25519.PublicKeySize // 32

// NodeID is a node's public key. Equality is byte equality.
type NodeID [Size]byte

// String renders the node ID as lowercase hex.
func (n NodeID) String() string {
	return hex.EncodeToString(n[:])
}

// Short returns a truncated hex string suitable for log lines.
func (n NodeID) Short() string {
	s := n.String()
	if len(s) > 12 {
		return s[:12] + "…"
	}
	return s
}

// IsZero reports whether n is the zero value.
func (n NodeID) IsZero() bool {
	return n == NodeID{}
}

// Less defines the deterministic tie-break order used for routing
// table eviction (spec.md §4.B) and for resolving conflicting
// simultaneous sessions from the same node (spec.md §9: the session
// whose local node id sorts lower wins).
func (n NodeID) Less(other NodeID) bool {
	for i := range n {
		if n[i] != other[i] {
			return n[i] < other[i]
		}
	}
	return false
}

// MarshalJSON renders NodeID as a hex string, for config and routing
// store files.
func (n NodeID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + n.String() + `"`), nil
}

// UnmarshalJSON parses a hex string produced by MarshalJSON.
func (n *NodeID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return fmt.Errorf("identity: invalid node id JSON %q", s)
	}
	b, err := hex.DecodeString(s[1 : len(s)-1])
	if err != nil {
		return fmt.Errorf("identity: decode node id: %w", err)
	}
	id, err := NodeIDFromBytes(b)
	if err != nil {
		return err
	}
	*n = id
	return nil
}

// NodeIDFromBytes validates and wraps a raw public key.
func NodeIDFromBytes(b []byte) (NodeID, error) {
	var n NodeID
	if len(b) != Size {
		return n, fmt.Errorf("identity: node id must be %d bytes, got %d", Size, len(b))
	}
	copy(n[:], b)
	return n, nil
}

// Signer signs byte strings under a node's private key. The core
// never constructs one; it is handed in at startup.
type Signer interface {
	NodeID() NodeID
	Sign(data []byte) ([]byte, error)
}

// Verify checks that sig is a valid ed25519 signature over data under
// the public key identified by node. This is the only cryptographic
// primitive the gossip engine calls directly (spec.md §3 invariant,
// §4.E rule 3).
func Verify(node NodeID, data, sig []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(node[:]), data, sig)
}

// CheckKeyFilePermissions verifies that a key file is not readable by group or others.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil // Windows file permissions work differently
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot stat key file %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("key file %s has insecure permissions %04o (expected 0600); fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}

// LoadOrCreateIdentity loads an existing libp2p-encoded private key from a
// file or generates and persists a new ed25519 one.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if err := CheckKeyFilePermissions(path); err != nil {
			return nil, err
		}
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal key from %s: %w", path, err)
		}
		return priv, nil
	}

	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to save key to %s: %w", path, err)
	}
	return priv, nil
}

// LoadOrCreateSigner loads or creates an identity file at path and wraps
// it as the narrow Signer interface the gossip engine consumes.
func LoadOrCreateSigner(path string) (Signer, error) {
	priv, err := LoadOrCreateIdentity(path)
	if err != nil {
		return nil, err
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("identity: extract raw key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: unexpected key size %d, want ed25519", len(raw))
	}
	key := ed25519.PrivateKey(raw)
	pub := key.Public().(ed25519.PublicKey)
	id, err := NodeIDFromBytes(pub)
	if err != nil {
		return nil, err
	}
	return &ed25519Signer{id: id, key: key}, nil
}

type ed25519Signer struct {
	id  NodeID
	key ed25519.PrivateKey
}

func (s *ed25519Signer) NodeID() NodeID { return s.id }

func (s *ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}
