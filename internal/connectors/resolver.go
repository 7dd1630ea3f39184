package connectors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/notifyx/platform/internal/notification"
)

// Strategy orders candidate versions during resolution.
type Strategy string

const (
	// HighestCompatible tries versions in descending semver order.
	HighestCompatible Strategy = "highestCompatible"
	// PreferStable tries non-prerelease versions first, then descending.
	PreferStable Strategy = "preferStable"
	// FailFast aborts on the first constraint violation instead of
	// backtracking.
	FailFast Strategy = "failFast"
)

// Requirement is one requested (connector, range) pair.
type Requirement struct {
	ID    string
	Range string
}

// Resolution is the resolver outcome.
type Resolution struct {
	Success  bool              `json:"success"`
	Versions map[string]string `json:"resolvedVersions,omitempty"`
	Error    string            `json:"errorMessage,omitempty"`
}

// Resolver solves version constraints against the registry.
type Resolver struct {
	registry *Registry
	strategy Strategy
}

// NewResolver creates a resolver with the given strategy.
func NewResolver(registry *Registry, strategy Strategy) *Resolver {
	if strategy == "" {
		strategy = HighestCompatible
	}
	return &Resolver{registry: registry, strategy: strategy}
}

type solveState struct {
	constraints map[string][]*semver.Constraints
	selection   map[string]*Manifest
}

// Resolve satisfies the requirements plus any lockfile pins. Peer and
// connector dependencies of selected versions become hard constraints.
func (r *Resolver) Resolve(requirements []Requirement, lockfile map[string]string) Resolution {
	state := &solveState{
		constraints: make(map[string][]*semver.Constraints),
		selection:   make(map[string]*Manifest),
	}
	for _, req := range requirements {
		c, err := parseRange(req.Range)
		if err != nil {
			return failure(fmt.Sprintf("requirement %s: %v", req.ID, err))
		}
		state.constraints[req.ID] = append(state.constraints[req.ID], c)
	}
	for id, version := range lockfile {
		c, err := parseRange("=" + version)
		if err != nil {
			return failure(fmt.Sprintf("lockfile %s: %v", id, err))
		}
		state.constraints[id] = append(state.constraints[id], c)
	}

	if msg, ok := r.solve(state); !ok {
		return failure(msg)
	}

	versions := make(map[string]string, len(state.selection))
	for id, m := range state.selection {
		versions[id] = m.Version
	}
	return Resolution{Success: true, Versions: versions}
}

func (r *Resolver) solve(state *solveState) (string, bool) {
	id, open := r.pickOpen(state)
	if !open {
		return "", true
	}
	candidates := r.candidates(id, state)
	if len(candidates) == 0 {
		return fmt.Sprintf("no version of %q satisfies %s", id, describeConstraints(state.constraints[id])), false
	}

	var lastMsg string
	for _, candidate := range candidates {
		if conflict := r.conflicts(candidate, state); conflict != "" {
			lastMsg = conflict
			if r.strategy == FailFast {
				return conflict, false
			}
			continue
		}

		undo := r.apply(state, candidate)
		if dead := r.deadEnd(state); dead != "" {
			undo()
			lastMsg = dead
			if r.strategy == FailFast {
				return dead, false
			}
			continue
		}
		msg, ok := r.solve(state)
		if ok {
			return "", true
		}
		undo()
		lastMsg = msg
		if r.strategy == FailFast {
			return msg, false
		}
	}
	if lastMsg == "" {
		lastMsg = fmt.Sprintf("no viable version of %q", id)
	}
	return lastMsg, false
}

// pickOpen chooses the unresolved id with the fewest satisfying candidates,
// tie-broken by id.
func (r *Resolver) pickOpen(state *solveState) (string, bool) {
	best := ""
	bestCount := 0
	ids := make([]string, 0, len(state.constraints))
	for id := range state.constraints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, done := state.selection[id]; done {
			continue
		}
		n := len(r.candidates(id, state))
		if best == "" || n < bestCount {
			best, bestCount = id, n
		}
	}
	return best, best != ""
}

// candidates lists the versions of id satisfying all current constraints, in
// strategy order.
func (r *Resolver) candidates(id string, state *solveState) []*Manifest {
	var out []*Manifest
	for _, m := range r.registry.Versions(id) {
		if satisfiesAll(m.semver, state.constraints[id]) {
			out = append(out, m)
		}
	}
	if r.strategy == PreferStable {
		sort.SliceStable(out, func(i, j int) bool {
			si, sj := out[i].semver.Prerelease() == "", out[j].semver.Prerelease() == ""
			if si != sj {
				return si
			}
			return out[i].semver.GreaterThan(out[j].semver)
		})
	}
	return out
}

// conflicts checks the candidate's incompatibleWith patterns against the
// current selection, and the selection's patterns against the candidate.
func (r *Resolver) conflicts(candidate *Manifest, state *solveState) string {
	for _, pattern := range candidate.ConflictRules.IncompatibleWith {
		id, c, err := parseConflict(pattern)
		if err != nil {
			return fmt.Sprintf("%s@%s: %v", candidate.ID, candidate.Version, err)
		}
		if sel, ok := state.selection[id]; ok && c.Check(sel.semver) {
			return fmt.Sprintf("%s@%s is incompatible with selected %s@%s",
				candidate.ID, candidate.Version, sel.ID, sel.Version)
		}
	}
	for _, sel := range state.selection {
		for _, pattern := range sel.ConflictRules.IncompatibleWith {
			id, c, err := parseConflict(pattern)
			if err != nil {
				continue
			}
			if id == candidate.ID && c.Check(candidate.semver) {
				return fmt.Sprintf("%s@%s is incompatible with selected %s@%s",
					candidate.ID, candidate.Version, sel.ID, sel.Version)
			}
		}
	}
	return ""
}

// apply tentatively selects the candidate and merges its dependency ranges
// into the constraint set, returning an undo closure.
func (r *Resolver) apply(state *solveState, candidate *Manifest) func() {
	type added struct {
		id string
		n  int
	}
	var additions []added
	state.selection[candidate.ID] = candidate

	merge := func(deps map[string]string) bool {
		for depID, depRange := range deps {
			c, err := parseRange(depRange)
			if err != nil {
				return false
			}
			state.constraints[depID] = append(state.constraints[depID], c)
			additions = append(additions, added{id: depID, n: 1})
		}
		return true
	}
	merge(candidate.Dependencies.Peers)
	merge(candidate.Dependencies.Connectors)

	return func() {
		delete(state.selection, candidate.ID)
		for _, a := range additions {
			list := state.constraints[a.id]
			state.constraints[a.id] = list[:len(list)-a.n]
			if len(state.constraints[a.id]) == 0 {
				delete(state.constraints, a.id)
			}
		}
	}
}

// deadEnd reports the first constrained id with zero satisfying candidates.
func (r *Resolver) deadEnd(state *solveState) string {
	for id := range state.constraints {
		if sel, ok := state.selection[id]; ok {
			if !satisfiesAll(sel.semver, state.constraints[id]) {
				return fmt.Sprintf("selected %s@%s no longer satisfies %s",
					id, sel.Version, describeConstraints(state.constraints[id]))
			}
			continue
		}
		if len(r.candidates(id, state)) == 0 {
			return fmt.Sprintf("no version of %q satisfies %s", id, describeConstraints(state.constraints[id]))
		}
	}
	return ""
}

func satisfiesAll(v *semver.Version, cs []*semver.Constraints) bool {
	for _, c := range cs {
		if !c.Check(v) {
			return false
		}
	}
	return true
}

func parseRange(s string) (*semver.Constraints, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		s = ">=0.0.0-0"
	}
	return semver.NewConstraint(s)
}

// parseConflict splits an "id@range" pattern.
func parseConflict(pattern string) (string, *semver.Constraints, error) {
	at := strings.Index(pattern, "@")
	if at <= 0 {
		return "", nil, fmt.Errorf("bad conflict pattern %q", pattern)
	}
	c, err := parseRange(pattern[at+1:])
	if err != nil {
		return "", nil, fmt.Errorf("bad conflict pattern %q: %w", pattern, err)
	}
	return pattern[:at], c, nil
}

func describeConstraints(cs []*semver.Constraints) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

func failure(msg string) Resolution {
	return Resolution{Success: false, Error: msg}
}

// ResolutionError wraps a failed resolution in the platform error taxonomy.
func ResolutionError(res Resolution) error {
	if res.Success {
		return nil
	}
	return notification.NewError(notification.KindResolution, "unresolvable", res.Error)
}
