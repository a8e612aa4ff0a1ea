package wire

import (
	"sort"

	"github.com/shurlinet/gitd/internal/storage"
)

// Filter is a subscription's project-id membership test (spec.md
// §4.E "Subscriptions"). The spec's only hard requirement is "at-most
// false positives, never false negatives" — resolved here (Open
// Question, see DESIGN.md) as an exact sorted-set membership filter:
// MatchAll means "match everything", otherwise membership is exact,
// so there are neither false positives nor false negatives.
type Filter struct {
	MatchAll bool
	sorted   []storage.ProjectID
}

// NewFilter builds a filter over an explicit project-id set.
func NewFilter(ids []storage.ProjectID) Filter {
	cp := make([]storage.ProjectID, len(ids))
	copy(cp, ids)
	sort.Slice(cp, func(i, j int) bool { return cp[i].String() < cp[j].String() })
	return Filter{sorted: cp}
}

// MatchAllFilter returns a filter matching every project id.
func MatchAllFilter() Filter {
	return Filter{MatchAll: true}
}

// Match reports whether p is covered by the filter.
func (f Filter) Match(p storage.ProjectID) bool {
	if f.MatchAll {
		return true
	}
	i := sort.Search(len(f.sorted), func(i int) bool { return f.sorted[i].String() >= p.String() })
	return i < len(f.sorted) && f.sorted[i] == p
}

// Projects returns the explicit id set (empty if MatchAll).
func (f Filter) Projects() []storage.ProjectID {
	return f.sorted
}
