// Package tracking implements the per-project and per-remote tracking
// policies that gate which announcements the gossip engine relays and
// which fetches the service initiates (spec.md §4.E "Subscribe from
// us", §9 Open Question on untrack eviction).
package tracking

import (
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
	"github.com/shurlinet/gitd/internal/wire"
)

// ProjectMode selects how the project tracking policy is evaluated.
type ProjectMode int

const (
	// TrackAll tracks every project except those explicitly blocked.
	TrackAll ProjectMode = iota
	// TrackAllowed tracks only the projects explicitly allowed.
	TrackAllowed
)

// ProjectPolicy is the node's project tracking policy.
type ProjectPolicy struct {
	Mode    ProjectMode
	Blocked map[storage.ProjectID]struct{} // used when Mode == TrackAll
	Allowed map[storage.ProjectID]struct{} // used when Mode == TrackAllowed
}

// NewTrackAllPolicy returns the default policy: track everything.
func NewTrackAllPolicy() ProjectPolicy {
	return ProjectPolicy{Mode: TrackAll, Blocked: map[storage.ProjectID]struct{}{}}
}

// NewAllowedPolicy returns a policy tracking only the given projects.
func NewAllowedPolicy(ids ...storage.ProjectID) ProjectPolicy {
	allowed := make(map[storage.ProjectID]struct{}, len(ids))
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	return ProjectPolicy{Mode: TrackAllowed, Allowed: allowed}
}

// IsTracking reports whether project id is tracked under the policy.
func (p ProjectPolicy) IsTracking(id storage.ProjectID) bool {
	switch p.Mode {
	case TrackAllowed:
		_, ok := p.Allowed[id]
		return ok
	default:
		_, blocked := p.Blocked[id]
		return !blocked
	}
}

// Track adds id to the tracked set. Returns whether the policy changed.
func (p *ProjectPolicy) Track(id storage.ProjectID) bool {
	switch p.Mode {
	case TrackAllowed:
		if _, ok := p.Allowed[id]; ok {
			return false
		}
		p.Allowed[id] = struct{}{}
		return true
	default:
		return false
	}
}

// Untrack removes id from the tracked set. Returns whether the policy
// changed.
func (p *ProjectPolicy) Untrack(id storage.ProjectID) bool {
	switch p.Mode {
	case TrackAll:
		if _, ok := p.Blocked[id]; ok {
			return false
		}
		p.Blocked[id] = struct{}{}
		return true
	default:
		if _, ok := p.Allowed[id]; !ok {
			return false
		}
		delete(p.Allowed, id)
		return true
	}
}

// Filter returns the wire.Filter reflecting the current policy, used
// to build the local Subscribe message (spec.md §4.E).
func (p ProjectPolicy) Filter() wire.Filter {
	if p.Mode == TrackAll {
		return wire.MatchAllFilter()
	}
	ids := make([]storage.ProjectID, 0, len(p.Allowed))
	for id := range p.Allowed {
		ids = append(ids, id)
	}
	return wire.NewFilter(ids)
}

// RemoteMode selects how the remote tracking policy is evaluated.
type RemoteMode int

const (
	// DelegatesOnly tracks only a project's declared delegates.
	DelegatesOnly RemoteMode = iota
	// RemoteAll tracks every remote except those explicitly blocked.
	RemoteAll
	// RemoteAllowed tracks an explicit allow-list, plus delegates.
	RemoteAllowed
)

// RemotePolicy is the node's per-project-remote tracking policy.
type RemotePolicy struct {
	Mode    RemoteMode
	Blocked map[identity.NodeID]struct{} // used when Mode == RemoteAll
	Allowed map[identity.NodeID]struct{} // used when Mode == RemoteAllowed
}

// NewDelegatesOnlyPolicy returns the default remote policy.
func NewDelegatesOnlyPolicy() RemotePolicy {
	return RemotePolicy{Mode: DelegatesOnly}
}

// IsTrackingRemote reports whether remote's refs for project should be
// tracked, given the project's delegate set.
func (p RemotePolicy) IsTrackingRemote(remote identity.NodeID, delegates map[identity.NodeID]bool) bool {
	switch p.Mode {
	case RemoteAll:
		_, blocked := p.Blocked[remote]
		return !blocked
	case RemoteAllowed:
		if _, ok := p.Allowed[remote]; ok {
			return true
		}
		return delegates[remote]
	default: // DelegatesOnly
		return delegates[remote]
	}
}

// Policy bundles the project and remote tracking policies, plus the
// untrack-eviction behavior (spec.md §9 Open Question: resolved as a
// config flag, default keep).
type Policy struct {
	Project        ProjectPolicy
	Remote         RemotePolicy
	EvictOnUntrack bool
}

// NewDefaultPolicy returns the default tracking policy: track every
// project, only track delegate remotes, keep routing entries on
// untrack.
func NewDefaultPolicy() Policy {
	return Policy{
		Project:        NewTrackAllPolicy(),
		Remote:         NewDelegatesOnlyPolicy(),
		EvictOnUntrack: false,
	}
}
