package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoleRegistry(t *testing.T) {
	assert.True(t, RoleOwner.Rank() > RoleMember.Rank())
	assert.True(t, RoleMember.Rank() > RoleViewer.Rank())
	assert.True(t, RoleViewer.Rank() > Role("nobody").Rank())

	assert.Equal(t, "Owner", RoleOwner.Label())
	assert.Equal(t, "Member", RoleMember.Label())
	assert.Equal(t, "Viewer", RoleViewer.Label())

	assert.True(t, RoleOwner.IsMax())
	assert.False(t, RoleMember.IsMax())
	assert.False(t, RoleViewer.IsMax())

	assert.True(t, RoleOwner.Valid())
	assert.False(t, Role("admin").Valid())
	assert.False(t, Role("").Valid())
}

func TestEffectiveEditMode(t *testing.T) {
	priv := EditModePrivate
	pub := EditModePublic

	assert.Equal(t, EditModePublic, Envelope{}.EffectiveEditMode())
	assert.Equal(t, EditModePrivate, Envelope{EditMode: &priv}.EffectiveEditMode())
	assert.Equal(t, EditModePublic, Envelope{EditMode: &pub}.EffectiveEditMode())
}

func TestResourceKindTable(t *testing.T) {
	for _, k := range ResourceKinds {
		assert.True(t, k.Valid())
		assert.NotEmpty(t, k.Table())
	}
	assert.False(t, ResourceKind("tab").Valid())
	assert.Empty(t, ResourceKind("tab").Table())
}
