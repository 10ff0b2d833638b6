// Package authz is the authorization decision engine for family groups.
//
// Authorization rules:
//   - Owners can modify and delete every resource in their group
//   - Members can create resources; they can modify a resource they created
//     or any resource in public edit mode, but delete only their own
//   - Viewers can read and nothing else
//   - A user with no membership in the group can do nothing at all
//
// Every predicate is a pure function: no storage access, no side effects,
// safe for concurrent use. The membership lookup happens at the caller
// (see Directory); predicates receive the already-resolved role.
//
// Modify and delete are intentionally separate rule tables. Public edit mode
// lets any member modify a resource, but deletion stays restricted to the
// creator because it is irreversible. Do not unify the two predicates.
package authz

import "family-hub-backend/pkg/models"

// CanRead reports whether an actor holding role may read resources in the
// group. Read access is membership-gated only: every real role passes. The
// membership lookup itself is the gate; an actor with no membership row has
// no role and is denied before this predicate is ever consulted.
func CanRead(role models.Role) bool {
	return role.Valid()
}

// CanCreate reports whether an actor holding role may create resources in
// the group. Viewers are read-only. Creation also requires the actor to be
// the one named in created_by; see VerifyCreator.
func CanCreate(role models.Role) bool {
	switch role {
	case models.RoleOwner, models.RoleMember:
		return true
	default:
		return false
	}
}

// VerifyCreator rejects a create whose created_by names anyone other than
// the actor. This holds for every role, owners included: one may only create
// resources attributed to oneself.
func VerifyCreator(actorID, createdBy string) error {
	if createdBy != "" && createdBy != actorID {
		return ErrInvariantViolation
	}
	return nil
}

// CanModify reports whether an actor may update a resource.
//
//   - owner: always (bypasses edit mode and authorship)
//   - viewer: never
//   - member: only the creator, or anyone when the resource is in public
//     edit mode. A missing edit mode counts as public; resources that
//     predate the flag stay editable by the whole group.
func CanModify(role models.Role, actorID, createdBy string, editMode *models.EditMode) bool {
	switch role {
	case models.RoleOwner:
		return true
	case models.RoleMember:
		if actorID == createdBy {
			return true
		}
		return effectiveMode(editMode) == models.EditModePublic
	default:
		return false
	}
}

// CanDelete reports whether an actor may permanently delete a resource.
//
//   - owner: always
//   - viewer: never
//   - member: only the creator. Edit mode is irrelevant here: public mode
//     never grants delete to non-creators.
func CanDelete(role models.Role, actorID, createdBy string) bool {
	switch role {
	case models.RoleOwner:
		return true
	case models.RoleMember:
		return actorID == createdBy
	default:
		return false
	}
}

// CanChangeRole reports whether an actor may alter another membership's role
// or remove a membership that is not their own. Owner only; a member or
// viewer cannot change any role, including their own.
func CanChangeRole(actorRole models.Role) bool {
	return actorRole == models.RoleOwner
}

// CanLeaveGroup reports whether an actor may remove the given membership.
// Self-removal is always allowed regardless of role; removing anyone else
// requires owner.
func CanLeaveGroup(actorRole models.Role, actorID, membershipUserID string) bool {
	if actorID == membershipUserID {
		return true
	}
	return CanChangeRole(actorRole)
}

func effectiveMode(m *models.EditMode) models.EditMode {
	if m == nil {
		return models.EditModePublic
	}
	return *m
}
