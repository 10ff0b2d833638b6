// Package guard is the policy enforcement point. Every mutation of a
// governed resource, and every membership lifecycle change, goes through one
// of its methods: resolve the actor's role from the membership directory,
// resolve the resource envelope where one exists, ask the decision engine,
// and only then touch storage. The same code path serves all six resource
// kinds.
package guard

import (
	"context"
	"errors"
	"time"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/models"
)

// Store is the slice of the storage layer the guard needs. The full
// database.DatabaseInterface satisfies it; tests use a fake.
type Store interface {
	RoleOf(ctx context.Context, groupID, userID string) (models.Role, bool, error)
	GetResource(kind models.ResourceKind, id string) (*models.Resource, error)
	CreateResource(res *models.Resource) error
	UpdateResource(res *models.Resource, expected models.Envelope) error
	DeleteResource(kind models.ResourceKind, id string, expected models.Envelope) error

	GetMembership(groupID, userID string) (*models.GroupMembership, error)
	UpdateMembershipRole(groupID, userID string, role models.Role) error
	RemoveGroupMember(groupID, userID string) error
	CountGroupOwners(groupID string) (int, error)
	DeleteGroup(groupID string) error
}

type Guard struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Guard {
	// Stamps are truncated to microseconds so a timestamp written to
	// Postgres compares equal when read back for the envelope check.
	return &Guard{store: store, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
}

// roleOf resolves the actor's role, mapping a missing membership row to
// ErrNotAMember. The lookup happens on every call; roles are never cached
// across requests, so a downgrade takes effect on the next decision.
func (g *Guard) roleOf(ctx context.Context, groupID, actorID string) (models.Role, error) {
	role, ok, err := g.store.RoleOf(ctx, groupID, actorID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", authz.ErrNotAMember
	}
	return role, nil
}

// AuthorizeRead gates list/get access to a group's resources. Membership is
// the whole gate: any role passes, no row denies.
func (g *Guard) AuthorizeRead(ctx context.Context, actorID, groupID string) error {
	role, err := g.roleOf(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !authz.CanRead(role) {
		return authz.ErrInsufficientRole
	}
	return nil
}

// AuthorizeOwner gates group administration that does not touch a resource
// envelope: metadata changes and invitations. Owner only, same predicate as
// role changes.
func (g *Guard) AuthorizeOwner(ctx context.Context, actorID, groupID string) error {
	role, err := g.roleOf(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !authz.CanChangeRole(role) {
		return authz.ErrInsufficientRole
	}
	return nil
}

// Create authorizes and performs the creation of a governed resource.
// created_by is forced to the actor; a request naming anyone else is an
// invariant violation regardless of role. edit_mode defaults to public.
func (g *Guard) Create(ctx context.Context, actorID string, res *models.Resource) error {
	if !res.Kind.Valid() {
		return database.ErrNotFound
	}
	role, err := g.roleOf(ctx, res.GroupID, actorID)
	if err != nil {
		return err
	}
	if !authz.CanCreate(role) {
		return authz.ErrInsufficientRole
	}
	if err := authz.VerifyCreator(actorID, res.CreatedBy); err != nil {
		return err
	}

	res.CreatedBy = actorID
	if res.EditMode == nil {
		pub := models.EditModePublic
		res.EditMode = &pub
	}
	res.UpdatedBy = actorID
	res.UpdatedAt = g.now()
	return g.store.CreateResource(res)
}

// Update authorizes and performs a resource update. apply receives a copy of
// the stored resource and mutates the payload fields; the guard then
// restores the immutable envelope fields, stamps updated_by/updated_at with
// server-determined values, and commits with a compare-and-set against the
// envelope read here. edit_mode is the one envelope field apply may change:
// the modify check already gates it, same as SetEditMode. A resource living
// in a different group than the caller addressed is not found; a concurrent
// envelope change surfaces as authz.ErrStaleEnvelope.
func (g *Guard) Update(ctx context.Context, actorID, groupID string, kind models.ResourceKind, id string, apply func(*models.Resource)) (*models.Resource, error) {
	existing, err := g.store.GetResource(kind, id)
	if err != nil {
		return nil, err
	}
	role, err := g.roleOf(ctx, existing.GroupID, actorID)
	if err != nil {
		return nil, err
	}
	if !authz.CanModify(role, actorID, existing.CreatedBy, existing.EditMode) {
		return nil, authz.ErrInsufficientRole
	}
	if existing.GroupID != groupID {
		return nil, database.ErrNotFound
	}

	expected := existing.Envelope

	updated := *existing
	apply(&updated)

	// group_id and created_by are immutable and the audit fields are
	// stamped server-side; only an applied edit_mode change survives.
	newMode := updated.EditMode
	updated.ID = existing.ID
	updated.Kind = existing.Kind
	updated.CreatedAt = existing.CreatedAt
	updated.Envelope = expected
	updated.EditMode = newMode
	updated.UpdatedBy = actorID
	updated.UpdatedAt = g.now()

	if err := g.store.UpdateResource(&updated, expected); err != nil {
		return nil, err
	}
	return &updated, nil
}

// SetEditMode flips a resource's edit mode. It is an update for
// authorization purposes: the actor must already pass the modify check, so
// in practice the owner or (while the mode permits it) the creator.
func (g *Guard) SetEditMode(ctx context.Context, actorID, groupID string, kind models.ResourceKind, id string, mode models.EditMode) (*models.Resource, error) {
	existing, err := g.store.GetResource(kind, id)
	if err != nil {
		return nil, err
	}
	role, err := g.roleOf(ctx, existing.GroupID, actorID)
	if err != nil {
		return nil, err
	}
	if !authz.CanModify(role, actorID, existing.CreatedBy, existing.EditMode) {
		return nil, authz.ErrInsufficientRole
	}
	if existing.GroupID != groupID {
		return nil, database.ErrNotFound
	}

	expected := existing.Envelope
	updated := *existing
	updated.EditMode = &mode
	updated.UpdatedBy = actorID
	updated.UpdatedAt = g.now()

	if err := g.store.UpdateResource(&updated, expected); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Delete authorizes and performs a permanent resource deletion. Edit mode is
// deliberately not consulted: a member may never delete another member's
// resource, public or not.
func (g *Guard) Delete(ctx context.Context, actorID, groupID string, kind models.ResourceKind, id string) error {
	existing, err := g.store.GetResource(kind, id)
	if err != nil {
		return err
	}
	role, err := g.roleOf(ctx, existing.GroupID, actorID)
	if err != nil {
		return err
	}
	if !authz.CanDelete(role, actorID, existing.CreatedBy) {
		return authz.ErrInsufficientRole
	}
	if existing.GroupID != groupID {
		return database.ErrNotFound
	}
	return g.store.DeleteResource(kind, id, existing.Envelope)
}

// ChangeRole updates a membership's role. Owner only, including for the
// actor's own membership (no self-escalation, no self-demotion shortcut).
// Demoting the last owner is forbidden; the group may never go ownerless.
func (g *Guard) ChangeRole(ctx context.Context, actorID, groupID, targetUserID string, newRole models.Role) error {
	if !newRole.Valid() {
		return errors.New("unknown role")
	}
	actorRole, err := g.roleOf(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !authz.CanChangeRole(actorRole) {
		return authz.ErrInsufficientRole
	}

	target, err := g.store.GetMembership(groupID, targetUserID)
	if err != nil {
		return err
	}
	if target.Role == models.RoleOwner && newRole != models.RoleOwner {
		owners, err := g.store.CountGroupOwners(groupID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return authz.ErrLastOwner
		}
	}
	return g.store.UpdateMembershipRole(groupID, targetUserID, newRole)
}

// RemoveMember deletes a membership. Self-removal is always allowed; removing
// anyone else requires owner. An owner cannot leave while they are the last
// owner — deleting the group is the supported exit.
func (g *Guard) RemoveMember(ctx context.Context, actorID, groupID, targetUserID string) error {
	actorRole, err := g.roleOf(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if !authz.CanLeaveGroup(actorRole, actorID, targetUserID) {
		return authz.ErrInsufficientRole
	}

	target, err := g.store.GetMembership(groupID, targetUserID)
	if err != nil {
		return err
	}
	if target.Role == models.RoleOwner {
		owners, err := g.store.CountGroupOwners(groupID)
		if err != nil {
			return err
		}
		if owners <= 1 {
			return authz.ErrLastOwner
		}
	}
	return g.store.RemoveGroupMember(groupID, targetUserID)
}

// DeleteGroup removes the group and everything it owns. Owner only. The
// storage layer guarantees the cascade commits or rolls back as one unit.
func (g *Guard) DeleteGroup(ctx context.Context, actorID, groupID string) error {
	actorRole, err := g.roleOf(ctx, groupID, actorID)
	if err != nil {
		return err
	}
	if actorRole != models.RoleOwner {
		return authz.ErrInsufficientRole
	}
	return g.store.DeleteGroup(groupID)
}
