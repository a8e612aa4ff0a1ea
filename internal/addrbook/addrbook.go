// Package addrbook tracks known addresses per node and the dial
// throttling state used to rank connection candidates and enforce an
// exponential reconnection backoff (spec.md §4.C). Its internals are
// not part of the protocol: no wire behavior depends on them.
package addrbook

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/shurlinet/gitd/internal/identity"
)

const (
	// backoffBase is the starting backoff after the first dial failure.
	backoffBase = 30 * time.Second

	// backoffMax caps the exponential backoff regardless of how many
	// consecutive failures have accumulated.
	backoffMax = 15 * time.Minute

	// maxBackoffShift bounds the exponent so backoffBase<<shift never
	// overflows before the backoffMax clamp is applied.
	maxBackoffShift = 5
)

// Entry is a node's address-book record: the addresses it has been
// seen at, and the dial-throttle state derived from recent attempts.
type Entry struct {
	Node           identity.NodeID `json:"node"`
	Addresses      []string        `json:"addresses"`
	LastAttempt    time.Time       `json:"last_attempt,omitempty"`
	LastSuccess    time.Time       `json:"last_success,omitempty"`
	ConsecFailures int             `json:"consec_failures"`
}

// BackoffUntil returns the time before which a dial should not be
// retried, given the entry's current failure streak (spec.md §4.C:
// "exponential of failures, capped").
func (e Entry) BackoffUntil() time.Time {
	if e.ConsecFailures == 0 {
		return time.Time{}
	}
	shift := e.ConsecFailures - 1
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	backoff := backoffBase * time.Duration(1<<shift)
	if backoff > backoffMax {
		backoff = backoffMax
	}
	return e.LastAttempt.Add(backoff)
}

// Book is the in-memory address book, periodically persisted to disk.
type Book struct {
	path    string
	entries map[identity.NodeID]*Entry
}

// Open loads an address book from path, or starts empty if the file
// does not yet exist.
func Open(path string) (*Book, error) {
	b := &Book{path: path, entries: make(map[identity.NodeID]*Entry)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return nil, fmt.Errorf("addrbook: read %s: %w", path, err)
	}
	var list []*Entry
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("addrbook: parse %s: %w", path, err)
	}
	for _, e := range list {
		b.entries[e.Node] = e
	}
	return b, nil
}

// Persist writes the address book to disk atomically (temp file then
// rename), matching the style used for other small local state files
// in this codebase.
func (b *Book) Persist() error {
	list := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Node.String() < list[j].Node.String() })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("addrbook: marshal: %w", err)
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("addrbook: write temp file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("addrbook: rename temp file: %w", err)
	}
	return nil
}

func (b *Book) entry(node identity.NodeID) *Entry {
	e, ok := b.entries[node]
	if !ok {
		e = &Entry{Node: node}
		b.entries[node] = e
	}
	return e
}

// AddAddress records addr as a known address for node, if not already
// present.
func (b *Book) AddAddress(node identity.NodeID, addr string) {
	e := b.entry(node)
	for _, a := range e.Addresses {
		if a == addr {
			return
		}
	}
	e.Addresses = append(e.Addresses, addr)
}

// Addresses returns the known addresses for node.
func (b *Book) Addresses(node identity.NodeID) []string {
	e, ok := b.entries[node]
	if !ok {
		return nil
	}
	return append([]string(nil), e.Addresses...)
}

// RecordAttempt marks that a dial to node was attempted at now.
func (b *Book) RecordAttempt(node identity.NodeID, now time.Time) {
	e := b.entry(node)
	e.LastAttempt = now
}

// RecordSuccess resets the failure streak and records success.
func (b *Book) RecordSuccess(node identity.NodeID, now time.Time) {
	e := b.entry(node)
	e.LastSuccess = now
	e.ConsecFailures = 0
}

// RecordFailure increments the node's consecutive failure count.
func (b *Book) RecordFailure(node identity.NodeID) {
	e := b.entry(node)
	e.ConsecFailures++
}

// ReadyToDial reports whether node's backoff window has elapsed as of
// now (or it has never failed).
func (b *Book) ReadyToDial(node identity.NodeID, now time.Time) bool {
	e, ok := b.entries[node]
	if !ok {
		return true
	}
	until := e.BackoffUntil()
	return until.IsZero() || !now.Before(until)
}

// Candidates ranks known nodes as dial candidates: ready-to-dial nodes
// first, most-recently-successful first, ties broken by node id for
// determinism.
func (b *Book) Candidates(now time.Time) []identity.NodeID {
	list := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		ri, rj := b.ReadyToDial(list[i].Node, now), b.ReadyToDial(list[j].Node, now)
		if ri != rj {
			return ri
		}
		if !list[i].LastSuccess.Equal(list[j].LastSuccess) {
			return list[i].LastSuccess.After(list[j].LastSuccess)
		}
		return list[i].Node.Less(list[j].Node)
	})
	out := make([]identity.NodeID, len(list))
	for i, e := range list {
		out[i] = e.Node
	}
	return out
}
