package communities

import (
	"sort"

	"github.com/google/uuid"
)

// Community mirrors a row of the communities table.
type Community struct {
	ID   uuid.UUID
	Slug string
}

// User is the subset of the local account we reconcile against.
type User struct {
	ID           int64
	Email        string
	FullName     string
	Affiliations string
	Active       bool
}

// Invitation is a pending membership row awaiting acceptance.
type Invitation struct {
	ID          uuid.UUID
	CommunityID uuid.UUID
	UserID      int64
	Role        string
}

// InvitationDetail joins a pending invitation with the community and
// user data needed to mirror it into the directory.
type InvitationDetail struct {
	Invitation
	Slug     string
	Email    string
	FullName string
}

// CommunityRole is a single (community, role) grant. It is a value
// type so it can be used directly as a set key.
type CommunityRole struct {
	CommunityID uuid.UUID
	Role        string
}

// RoleSet is a set of community roles.
type RoleSet map[CommunityRole]struct{}

// NewRoleSet builds a set from the given roles.
func NewRoleSet(roles ...CommunityRole) RoleSet {
	s := make(RoleSet, len(roles))
	for _, r := range roles {
		s[r] = struct{}{}
	}
	return s
}

// Add inserts a role into the set.
func (s RoleSet) Add(r CommunityRole) {
	s[r] = struct{}{}
}

// Contains reports whether the role is in the set.
func (s RoleSet) Contains(r CommunityRole) bool {
	_, ok := s[r]
	return ok
}

// Diff returns s − other.
func (s RoleSet) Diff(other RoleSet) RoleSet {
	out := make(RoleSet)
	for r := range s {
		if !other.Contains(r) {
			out[r] = struct{}{}
		}
	}
	return out
}

// Union returns s ∪ other.
func (s RoleSet) Union(other RoleSet) RoleSet {
	out := make(RoleSet, len(s)+len(other))
	for r := range s {
		out[r] = struct{}{}
	}
	for r := range other {
		out[r] = struct{}{}
	}
	return out
}

// Communities returns the distinct community ids in the set.
func (s RoleSet) Communities() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(s))
	for r := range s {
		out[r.CommunityID] = struct{}{}
	}
	return out
}

// Sorted returns the roles ordered by community id then role name,
// mainly for deterministic logging and tests.
func (s RoleSet) Sorted() []CommunityRole {
	out := make([]CommunityRole, 0, len(s))
	for r := range s {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommunityID != out[j].CommunityID {
			return out[i].CommunityID.String() < out[j].CommunityID.String()
		}
		return out[i].Role < out[j].Role
	})
	return out
}

// RolePriorities ranks role names. The ranking comes from static
// configuration: the first configured name is the strongest role.
type RolePriorities struct {
	ordered []string
	rank    map[string]int
}

// NewRolePriorities builds the ranking from an ordered list of role
// names, strongest first.
func NewRolePriorities(ordered []string) RolePriorities {
	rank := make(map[string]int, len(ordered))
	for i, name := range ordered {
		if _, ok := rank[name]; !ok {
			rank[name] = i
		}
	}
	return RolePriorities{ordered: append([]string(nil), ordered...), rank: rank}
}

// Names returns the configured role names, strongest first.
func (p RolePriorities) Names() []string {
	return append([]string(nil), p.ordered...)
}

// Known reports whether the role name is configured.
func (p RolePriorities) Known(role string) bool {
	_, ok := p.rank[role]
	return ok
}

// Resolve keeps, for every community in the set, only the role with
// the strongest ranking. The result holds at most one role per
// community, which is what the membership table expects.
func (p RolePriorities) Resolve(roles RoleSet) RoleSet {
	best := make(map[uuid.UUID]CommunityRole, len(roles))
	for r := range roles {
		cur, ok := best[r.CommunityID]
		if !ok || p.rank[r.Role] < p.rank[cur.Role] {
			best[r.CommunityID] = r
		}
	}
	out := make(RoleSet, len(best))
	for _, r := range best {
		out[r] = struct{}{}
	}
	return out
}
