package models

// Role is the privilege level of a user within a family group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// roleInfo carries display metadata and the privilege rank of a role.
// Rank exists for sorting and comparison in UI listings only; authorization
// decisions in pkg/authz use explicit rule tables, not rank arithmetic.
type roleInfo struct {
	rank  int
	label string
}

var roleRegistry = map[Role]roleInfo{
	RoleOwner:  {rank: 3, label: "Owner"},
	RoleMember: {rank: 2, label: "Member"},
	RoleViewer: {rank: 1, label: "Viewer"},
}

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	_, ok := roleRegistry[r]
	return ok
}

// Rank returns the privilege rank of the role (owner > member > viewer).
// Unknown roles rank 0, below every real role.
func (r Role) Rank() int {
	return roleRegistry[r].rank
}

// Label returns the human-readable name of the role.
func (r Role) Label() string {
	if info, ok := roleRegistry[r]; ok {
		return info.label
	}
	return string(r)
}

// IsMax reports whether the role is the maximal privilege level.
func (r Role) IsMax() bool {
	return r == RoleOwner
}
