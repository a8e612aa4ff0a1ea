package tracking

import (
	"testing"

	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
)

func genProjectID(t testing.TB, seed byte) storage.ProjectID {
	t.Helper()
	id, err := storage.NewProjectID([]byte{seed, seed})
	if err != nil {
		t.Fatalf("NewProjectID: %v", err)
	}
	return id
}

func genNodeID(seed byte) identity.NodeID {
	var n identity.NodeID
	for i := range n {
		n[i] = seed
	}
	return n
}

func TestTrackAllPolicyDefaultsToTrackingEverything(t *testing.T) {
	p := NewTrackAllPolicy()
	id := genProjectID(t, 1)
	if !p.IsTracking(id) {
		t.Fatal("TrackAll policy should track an unblocked project")
	}
	if p.Track(id) {
		t.Fatal("Track should be a no-op under TrackAll (nothing to allow-list)")
	}
	if !p.Untrack(id) {
		t.Fatal("Untrack should block the project under TrackAll")
	}
	if p.IsTracking(id) {
		t.Fatal("blocked project should no longer be tracked")
	}
	if p.Untrack(id) {
		t.Fatal("Untrack of an already-blocked project should report no change")
	}
}

func TestAllowedPolicyTracksOnlyAllowed(t *testing.T) {
	tracked := genProjectID(t, 1)
	other := genProjectID(t, 2)
	p := NewAllowedPolicy(tracked)

	if !p.IsTracking(tracked) {
		t.Fatal("allowed project should be tracked")
	}
	if p.IsTracking(other) {
		t.Fatal("non-allowed project should not be tracked")
	}
	if !p.Track(other) {
		t.Fatal("Track should add to the allow-list and report a change")
	}
	if !p.IsTracking(other) {
		t.Fatal("project should be tracked after Track")
	}
	if !p.Untrack(other) {
		t.Fatal("Untrack should remove from the allow-list")
	}
	if p.IsTracking(other) {
		t.Fatal("project should no longer be tracked after Untrack")
	}
}

func TestFilterReflectsPolicy(t *testing.T) {
	all := NewTrackAllPolicy()
	if !all.Filter().MatchAll {
		t.Fatal("TrackAll policy should produce a match-all filter")
	}

	id := genProjectID(t, 1)
	allowed := NewAllowedPolicy(id)
	f := allowed.Filter()
	if f.MatchAll {
		t.Fatal("Allowed policy should not produce a match-all filter")
	}
	if !f.Match(id) {
		t.Fatal("filter should match the allowed project")
	}
}

func TestRemotePolicyDelegatesOnly(t *testing.T) {
	p := NewDelegatesOnlyPolicy()
	delegate := genNodeID(1)
	stranger := genNodeID(2)
	delegates := map[identity.NodeID]bool{delegate: true}

	if !p.IsTrackingRemote(delegate, delegates) {
		t.Fatal("delegate should be tracked under DelegatesOnly")
	}
	if p.IsTrackingRemote(stranger, delegates) {
		t.Fatal("non-delegate should not be tracked under DelegatesOnly")
	}
}

func TestRemotePolicyAllowedIncludesDelegates(t *testing.T) {
	allowedNode := genNodeID(1)
	delegate := genNodeID(2)
	stranger := genNodeID(3)
	delegates := map[identity.NodeID]bool{delegate: true}

	p := RemotePolicy{Mode: RemoteAllowed, Allowed: map[identity.NodeID]struct{}{allowedNode: {}}}
	if !p.IsTrackingRemote(allowedNode, delegates) {
		t.Fatal("explicitly allowed remote should be tracked")
	}
	if !p.IsTrackingRemote(delegate, delegates) {
		t.Fatal("delegates are tracked regardless of the allow-list")
	}
	if p.IsTrackingRemote(stranger, delegates) {
		t.Fatal("stranger should not be tracked")
	}
}

func TestDefaultPolicyKeepsRoutingOnUntrack(t *testing.T) {
	p := NewDefaultPolicy()
	if p.EvictOnUntrack {
		t.Fatal("default policy must keep routing entries on untrack (spec Open Question default)")
	}
}
