package addrbook

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shurlinet/gitd/internal/identity"
)

func genNodeID(seed byte) identity.NodeID {
	var n identity.NodeID
	for i := range n {
		n[i] = seed
	}
	return n
}

func TestAddAddressDedups(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "book.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n := genNodeID(1)
	b.AddAddress(n, "/ip4/1.2.3.4/tcp/9000")
	b.AddAddress(n, "/ip4/1.2.3.4/tcp/9000")
	b.AddAddress(n, "/ip4/5.6.7.8/tcp/9000")
	if got := b.Addresses(n); len(got) != 2 {
		t.Fatalf("Addresses = %v, want 2 unique entries", got)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "book.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n := genNodeID(1)
	base := time.Unix(1_000_000, 0)

	b.RecordAttempt(n, base)
	b.RecordFailure(n)
	if b.ReadyToDial(n, base.Add(1*time.Second)) {
		t.Fatal("should not be ready immediately after a failure")
	}
	if !b.ReadyToDial(n, base.Add(backoffBase+time.Second)) {
		t.Fatal("should be ready once the base backoff elapses")
	}

	for i := 0; i < 10; i++ {
		b.RecordAttempt(n, base)
		b.RecordFailure(n)
	}
	e := b.entries[n]
	if got := e.BackoffUntil().Sub(base); got != backoffMax {
		t.Fatalf("backoff should cap at %v, got %v", backoffMax, got)
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "book.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n := genNodeID(1)
	now := time.Unix(1_000_000, 0)
	b.RecordAttempt(n, now)
	b.RecordFailure(n)
	b.RecordFailure(n)
	b.RecordSuccess(n, now)
	if !b.ReadyToDial(n, now) {
		t.Fatal("success should clear the backoff window")
	}
}

func TestPersistAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "book.json")
	b, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	n := genNodeID(1)
	b.AddAddress(n, "/ip4/1.2.3.4/tcp/9000")
	b.RecordSuccess(n, time.Unix(42, 0))
	if err := b.Persist(); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Addresses(n); len(got) != 1 || got[0] != "/ip4/1.2.3.4/tcp/9000" {
		t.Fatalf("reopened addresses = %v", got)
	}
}

func TestCandidatesRankReadyAndRecent(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "book.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Unix(1_000_000, 0)
	ready := genNodeID(1)
	backingOff := genNodeID(2)

	b.RecordSuccess(ready, now.Add(-time.Minute))
	b.RecordAttempt(backingOff, now)
	b.RecordFailure(backingOff)

	order := b.Candidates(now)
	if len(order) != 2 || order[0] != ready {
		t.Fatalf("Candidates = %v, want ready node first", order)
	}
}
