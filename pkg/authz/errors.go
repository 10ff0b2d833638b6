package authz

import "errors"

// Error taxonomy for authorization outcomes. NotAMember and InsufficientRole
// are distinct for diagnostics but handlers must surface them identically so
// responses never reveal whether a group exists or who belongs to it.
var (
	// ErrNotAMember: the actor has no membership row in the target group.
	// Denies every action.
	ErrNotAMember = errors.New("not a member of group")

	// ErrInsufficientRole: the actor holds a role but it does not authorize
	// the requested action under the current resource state.
	ErrInsufficientRole = errors.New("insufficient role")

	// ErrInvariantViolation: a write attempted to supply created_by,
	// updated_by or updated_at from the client, or a cascade left orphans.
	// Fatal; the operation must abort entirely.
	ErrInvariantViolation = errors.New("authorization invariant violation")

	// ErrStaleEnvelope: the envelope read at decision time no longer matched
	// at write time. A retryable conflict, not a security denial.
	ErrStaleEnvelope = errors.New("stale resource envelope")

	// ErrLastOwner: the operation would leave the group without an owner.
	ErrLastOwner = errors.New("group must retain at least one owner")
)

// IsDenial reports whether err is an authorization denial (as opposed to a
// conflict, an invariant violation or a storage failure).
func IsDenial(err error) bool {
	return errors.Is(err, ErrNotAMember) || errors.Is(err, ErrInsufficientRole)
}
