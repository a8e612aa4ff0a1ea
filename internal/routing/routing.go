// Package routing maintains the table mapping a project id to the set
// of nodes known to host it (spec.md §4.B). The table is exercised
// from a single goroutine (the service loop); the Store interface
// exists purely to swap a persistent on-disk store in for tests'
// in-memory one, not for concurrent access.
package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
)

// Result reports the effect of an Insert call.
type Result int

const (
	// Stale means the pair existed with a timestamp >= the new one; no-op.
	Stale Result = iota
	// Updated means the pair existed and the timestamp strictly advanced.
	Updated
	// Fresh means the pair did not exist before.
	Fresh
)

func (r Result) String() string {
	switch r {
	case Fresh:
		return "Fresh"
	case Updated:
		return "Updated"
	default:
		return "Stale"
	}
}

type entry struct {
	Project  storage.ProjectID `json:"project"`
	Node     identity.NodeID   `json:"node"`
	LastSeen uint64            `json:"last_seen"`
}

type pairKey struct {
	project storage.ProjectID
	node    identity.NodeID
}

// Store is the narrow persistence contract a routing Table is built
// on (spec.md §9: "Store with insert/get/remove/prune/iter"). Table
// itself holds the indexes and enforces the size/age invariants;
// Store only needs to durably remember the triples.
type Store interface {
	Load() ([]entry, error)
	Save(entries []entry) error
}

// MemStore is a Store that keeps entries only in memory, for tests.
type MemStore struct {
	saved []entry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Load() ([]entry, error) { return append([]entry(nil), s.saved...), nil }

func (s *MemStore) Save(entries []entry) error {
	s.saved = append([]entry(nil), entries...)
	return nil
}

// FileStore persists the table as JSON, written atomically via a
// temp-file-then-rename, matching the persistence style used
// elsewhere in this codebase for small local state files.
type FileStore struct {
	path string
}

// NewFileStore returns a Store backed by the file at path.
func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Load() ([]entry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("routing: read store: %w", err)
	}
	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("routing: parse store: %w", err)
	}
	return entries, nil
}

func (s *FileStore) Save(entries []entry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("routing: marshal store: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("routing: write temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("routing: rename temp file: %w", err)
	}
	return nil
}

// Table is the routing table (spec.md §4.B): a set of
// (project-id, node-id, last-seen) triples, secondary-indexed by
// project id, bounded by MaxSize and MaxAge.
type Table struct {
	store   Store
	byPair  map[pairKey]uint64
	byProj  map[storage.ProjectID]map[identity.NodeID]struct{}
	MaxSize int
	MaxAge  uint64 // seconds; 0 means unbounded
}

// Open constructs a Table, loading any previously persisted entries
// from store.
func Open(store Store, maxSize int, maxAge uint64) (*Table, error) {
	t := &Table{
		store:   store,
		byPair:  make(map[pairKey]uint64),
		byProj:  make(map[storage.ProjectID]map[identity.NodeID]struct{}),
		MaxSize: maxSize,
		MaxAge:  maxAge,
	}
	entries, err := store.Load()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		t.set(e.Project, e.Node, e.LastSeen)
	}
	return t, nil
}

func (t *Table) set(p storage.ProjectID, n identity.NodeID, ts uint64) {
	t.byPair[pairKey{p, n}] = ts
	m, ok := t.byProj[p]
	if !ok {
		m = make(map[identity.NodeID]struct{})
		t.byProj[p] = m
	}
	m[n] = struct{}{}
}

// Insert records that node hosted project as of timestamp.
func (t *Table) Insert(project storage.ProjectID, node identity.NodeID, timestamp uint64) Result {
	key := pairKey{project, node}
	prev, existed := t.byPair[key]
	if !existed {
		t.set(project, node, timestamp)
		return Fresh
	}
	if timestamp > prev {
		t.set(project, node, timestamp)
		return Updated
	}
	return Stale
}

// Get returns the set of nodes known to host project.
func (t *Table) Get(project storage.ProjectID) map[identity.NodeID]struct{} {
	m := t.byProj[project]
	out := make(map[identity.NodeID]struct{}, len(m))
	for n := range m {
		out[n] = struct{}{}
	}
	return out
}

// LastSeen returns the stored timestamp for (project, node), if present.
func (t *Table) LastSeen(project storage.ProjectID, node identity.NodeID) (uint64, bool) {
	ts, ok := t.byPair[pairKey{project, node}]
	return ts, ok
}

// Remove deletes a single (project, node) pair.
func (t *Table) Remove(project storage.ProjectID, node identity.NodeID) {
	delete(t.byPair, pairKey{project, node})
	if m, ok := t.byProj[project]; ok {
		delete(m, node)
		if len(m) == 0 {
			delete(t.byProj, project)
		}
	}
}

// RemoveProject deletes every entry for project, used when untracking
// a project with eviction enabled (spec.md §9 Open Question).
func (t *Table) RemoveProject(project storage.ProjectID) {
	for n := range t.byProj[project] {
		delete(t.byPair, pairKey{project, n})
	}
	delete(t.byProj, project)
}

// Len returns the total number of (project, node) pairs.
func (t *Table) Len() int { return len(t.byPair) }

// Prune drops stale entries by age, then by size, and persists the
// result (spec.md §4.B). It returns the number of entries removed.
func (t *Table) Prune(now uint64) (int, error) {
	removed := 0
	if t.MaxAge > 0 {
		for key, ts := range t.byPair {
			if now-ts > t.MaxAge {
				t.Remove(key.project, key.node)
				removed++
			}
		}
	}
	if t.MaxSize > 0 && len(t.byPair) > t.MaxSize {
		type ranked struct {
			key pairKey
			ts  uint64
		}
		all := make([]ranked, 0, len(t.byPair))
		for key, ts := range t.byPair {
			all = append(all, ranked{key, ts})
		}
		sort.Slice(all, func(i, j int) bool {
			if all[i].ts != all[j].ts {
				return all[i].ts < all[j].ts
			}
			if all[i].key.project.String() != all[j].key.project.String() {
				return all[i].key.project.String() < all[j].key.project.String()
			}
			return all[i].key.node.Less(all[j].key.node)
		})
		excess := len(t.byPair) - t.MaxSize
		for i := 0; i < excess; i++ {
			t.Remove(all[i].key.project, all[i].key.node)
			removed++
		}
	}
	if err := t.persist(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (t *Table) persist() error {
	entries := make([]entry, 0, len(t.byPair))
	for key, ts := range t.byPair {
		entries = append(entries, entry{Project: key.project, Node: key.node, LastSeen: ts})
	}
	return t.store.Save(entries)
}
