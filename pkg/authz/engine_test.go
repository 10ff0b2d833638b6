package authz_test

import (
	"testing"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mode(m models.EditMode) *models.EditMode { return &m }

func TestCanRead(t *testing.T) {
	assert.True(t, authz.CanRead(models.RoleOwner))
	assert.True(t, authz.CanRead(models.RoleMember))
	assert.True(t, authz.CanRead(models.RoleViewer))

	// A missing membership yields no role; read is denied, never defaulted.
	assert.False(t, authz.CanRead(models.Role("")))
	assert.False(t, authz.CanRead(models.Role("admin")))
}

func TestCanCreate(t *testing.T) {
	assert.True(t, authz.CanCreate(models.RoleOwner))
	assert.True(t, authz.CanCreate(models.RoleMember))
	assert.False(t, authz.CanCreate(models.RoleViewer))
	assert.False(t, authz.CanCreate(models.Role("")))
}

func TestVerifyCreator(t *testing.T) {
	require.NoError(t, authz.VerifyCreator("u1", "u1"))
	require.NoError(t, authz.VerifyCreator("u1", ""))

	// Attributing a create to someone else is an invariant violation for
	// every role, owners included.
	err := authz.VerifyCreator("u1", "u2")
	require.ErrorIs(t, err, authz.ErrInvariantViolation)
}

func TestCanModify(t *testing.T) {
	tests := []struct {
		name      string
		role      models.Role
		actorID   string
		createdBy string
		editMode  *models.EditMode
		want      bool
	}{
		// Owner supremacy: every (editMode, createdBy) combination passes.
		{"owner own private", models.RoleOwner, "u1", "u1", mode(models.EditModePrivate), true},
		{"owner own public", models.RoleOwner, "u1", "u1", mode(models.EditModePublic), true},
		{"owner other private", models.RoleOwner, "u1", "u2", mode(models.EditModePrivate), true},
		{"owner other public", models.RoleOwner, "u1", "u2", mode(models.EditModePublic), true},
		{"owner other nil mode", models.RoleOwner, "u1", "u2", nil, true},

		// Member: authorship bypasses edit mode; public mode bypasses authorship.
		{"member own private", models.RoleMember, "u2", "u2", mode(models.EditModePrivate), true},
		{"member own public", models.RoleMember, "u2", "u2", mode(models.EditModePublic), true},
		{"member other private", models.RoleMember, "u2", "u3", mode(models.EditModePrivate), false},
		{"member other public", models.RoleMember, "u2", "u3", mode(models.EditModePublic), true},
		// Missing edit mode counts as public for modify.
		{"member other nil mode", models.RoleMember, "u2", "u3", nil, true},

		// Viewer: read-only, unconditionally.
		{"viewer own public", models.RoleViewer, "u3", "u3", mode(models.EditModePublic), false},
		{"viewer own private", models.RoleViewer, "u3", "u3", mode(models.EditModePrivate), false},
		{"viewer other public", models.RoleViewer, "u3", "u1", mode(models.EditModePublic), false},
		{"viewer other nil mode", models.RoleViewer, "u3", "u1", nil, false},

		// No role: denied, never defaulted to viewer or member.
		{"no role own public", models.Role(""), "u4", "u4", mode(models.EditModePublic), false},
		{"unknown role other public", models.Role("admin"), "u4", "u5", mode(models.EditModePublic), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := authz.CanModify(tt.role, tt.actorID, tt.createdBy, tt.editMode)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanDelete(t *testing.T) {
	tests := []struct {
		name      string
		role      models.Role
		actorID   string
		createdBy string
		want      bool
	}{
		{"owner own", models.RoleOwner, "u1", "u1", true},
		{"owner other", models.RoleOwner, "u1", "u2", true},

		{"member own", models.RoleMember, "u2", "u2", true},
		{"member other", models.RoleMember, "u2", "u3", false},

		{"viewer own", models.RoleViewer, "u3", "u3", false},
		{"viewer other", models.RoleViewer, "u3", "u1", false},

		{"no role", models.Role(""), "u4", "u4", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := authz.CanDelete(tt.role, tt.actorID, tt.createdBy)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Delete is stricter than modify: public edit mode lets a member modify
// another member's resource but never delete it. A change that unifies the
// two predicates silently broadens deletion rights.
func TestDeleteStricterThanModify(t *testing.T) {
	for _, m := range []*models.EditMode{nil, mode(models.EditModePublic)} {
		assert.True(t, authz.CanModify(models.RoleMember, "u2", "u3", m))
		assert.False(t, authz.CanDelete(models.RoleMember, "u2", "u3"))
	}
}

func TestCanChangeRole(t *testing.T) {
	assert.True(t, authz.CanChangeRole(models.RoleOwner))
	assert.False(t, authz.CanChangeRole(models.RoleMember))
	assert.False(t, authz.CanChangeRole(models.RoleViewer))
	assert.False(t, authz.CanChangeRole(models.Role("")))
}

func TestCanLeaveGroup(t *testing.T) {
	// Self-removal is allowed regardless of role.
	assert.True(t, authz.CanLeaveGroup(models.RoleViewer, "u3", "u3"))
	assert.True(t, authz.CanLeaveGroup(models.RoleMember, "u2", "u2"))
	assert.True(t, authz.CanLeaveGroup(models.RoleOwner, "u1", "u1"))

	// Removing someone else requires owner.
	assert.True(t, authz.CanLeaveGroup(models.RoleOwner, "u1", "u2"))
	assert.False(t, authz.CanLeaveGroup(models.RoleMember, "u2", "u3"))
	assert.False(t, authz.CanLeaveGroup(models.RoleViewer, "u3", "u2"))
}

func TestIsDenial(t *testing.T) {
	assert.True(t, authz.IsDenial(authz.ErrNotAMember))
	assert.True(t, authz.IsDenial(authz.ErrInsufficientRole))
	assert.False(t, authz.IsDenial(authz.ErrStaleEnvelope))
	assert.False(t, authz.IsDenial(authz.ErrInvariantViolation))
	assert.False(t, authz.IsDenial(nil))
}
