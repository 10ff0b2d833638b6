package authz

import (
	"context"

	"family-hub-backend/pkg/models"
)

// Directory maps (group, user) to a role. It is the only state the decision
// engine reads. Implementations must hit the authoritative membership store
// on every call: role changes take effect immediately and a cached role
// would open a stale-permission window.
type Directory interface {
	// RoleOf returns the actor's role in the group. ok is false when no
	// membership row exists; callers must deny every action in that case
	// rather than defaulting to any role.
	RoleOf(ctx context.Context, groupID, userID string) (role models.Role, ok bool, err error)
}
