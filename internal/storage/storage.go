// Package storage defines the boundary the gossip core consumes for
// project content: project/object identifiers and the narrow
// Storage interface (spec.md §6). The storage engine's own internals
// (the content-addressed object store) are explicitly out of scope;
// this package only declares what the core needs and ships an
// in-memory double for tests. The bulk-transfer worker lives in
// internal/fetch.
package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// ProjectID is an opaque content-addressed digest naming a project's
// root document. Equality is byte equality, which cid.Cid gives for
// free since it is itself a comparable string-backed type.
type ProjectID = cid.Cid

// ObjectID names a single object (a ref target) within a project.
type ObjectID = cid.Cid

// NewProjectID wraps an arbitrary payload as a content-addressed
// project identifier using a blake2b-256 multihash, matching the
// digest style already used by the teacher's libp2p/boxo dependency
// tree for content addressing.
func NewProjectID(payload []byte) (ProjectID, error) {
	mh, err := multihash.Sum(payload, multihash.BLAKE2B_MIN+31, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("storage: hash project payload: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// ParseProjectID decodes a project id from its string form (as
// accepted on the CLI or in config files).
func ParseProjectID(s string) (ProjectID, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("storage: parse project id %q: %w", s, err)
	}
	return c, nil
}

// VerifyError is returned by Storage.WriteRefs when replicated content
// fails verification against its claimed digests.
type VerifyError struct {
	Project ProjectID
	Reason  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("storage: verification failed for %s: %s", e.Project, e.Reason)
}

// Project is the subset of project identity the core ever inspects:
// its delegate set, used to authorize a Refs announcement's remote
// field (spec.md §3 invariant).
type Project struct {
	ID        ProjectID
	Delegates map[[32]byte]bool
}

// Storage is the narrow interface the core consumes for content
// queries and bulk writes (spec.md §6). It is implemented elsewhere
// (a real content-addressed object store); here we only declare the
// contract and provide an in-memory double for tests.
type Storage interface {
	// Inventory returns the set of projects this node currently hosts.
	Inventory() (map[ProjectID]struct{}, error)
	// Get returns project identity metadata as known from node, if any.
	Get(node [32]byte, project ProjectID) (*Project, bool, error)
	// Refs returns the current ref tips for project as held by node.
	Refs(project ProjectID, node [32]byte) (map[string]ObjectID, error)
	// WriteRefs bulk-writes replicated refs and backing objects
	// received from a fetch. Used only by fetch workers.
	WriteRefs(project ProjectID, from [32]byte, refs map[string]ObjectID, objects io.Reader) error
}

// MemStorage is an in-memory Storage double for tests and for running
// the service without a real object store.
type MemStorage struct {
	mu    sync.RWMutex
	repos map[ProjectID]*repo
}

type repo struct {
	project   *Project
	refsByRem map[[32]byte]map[string]ObjectID
}

// NewMemStorage returns an empty in-memory storage double.
func NewMemStorage() *MemStorage {
	return &MemStorage{repos: make(map[ProjectID]*repo)}
}

// Seed registers a project as hosted locally, optionally with
// delegates, for tests that need Inventory/Get to return it.
func (m *MemStorage) Seed(p ProjectID, delegates ...[32]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := make(map[[32]byte]bool, len(delegates))
	for _, id := range delegates {
		d[id] = true
	}
	m.repos[p] = &repo{
		project:   &Project{ID: p, Delegates: d},
		refsByRem: make(map[[32]byte]map[string]ObjectID),
	}
}

func (m *MemStorage) Inventory() (map[ProjectID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[ProjectID]struct{}, len(m.repos))
	for p := range m.repos {
		out[p] = struct{}{}
	}
	return out, nil
}

func (m *MemStorage) Get(_ [32]byte, project ProjectID) (*Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[project]
	if !ok {
		return nil, false, nil
	}
	return r.project, true, nil
}

func (m *MemStorage) Refs(project ProjectID, node [32]byte) (map[string]ObjectID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.repos[project]
	if !ok {
		return nil, nil
	}
	return r.refsByRem[node], nil
}

func (m *MemStorage) WriteRefs(project ProjectID, from [32]byte, refs map[string]ObjectID, objects io.Reader) error {
	if objects != nil {
		if _, err := io.Copy(io.Discard, objects); err != nil {
			return &VerifyError{Project: project, Reason: err.Error()}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.repos[project]
	if !ok {
		r = &repo{
			project:   &Project{ID: project, Delegates: map[[32]byte]bool{}},
			refsByRem: make(map[[32]byte]map[string]ObjectID),
		}
		m.repos[project] = r
	}
	cp := make(map[string]ObjectID, len(refs))
	for k, v := range refs {
		cp[k] = v
	}
	r.refsByRem[from] = cp
	return nil
}
