package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/models"
)

func newResource(t *testing.T, db *LocalDatabase, kind models.ResourceKind, groupID, createdBy string) *models.Resource {
	t.Helper()
	res := &models.Resource{Kind: kind, Title: "seed"}
	res.GroupID = groupID
	res.CreatedBy = createdBy
	res.UpdatedBy = createdBy
	res.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, db.CreateResource(res))
	return res
}

func TestCreateGroupAddsOwnerMembership(t *testing.T) {
	db := NewLocalDatabase()
	g := &models.Group{Name: "Smiths", OwnerID: "u1"}
	require.NoError(t, db.CreateGroup(g))
	require.NotEmpty(t, g.ID)

	role, ok, err := db.RoleOf(context.Background(), g.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RoleOwner, role)
}

func TestAddGroupMemberRejectsDuplicate(t *testing.T) {
	db := NewLocalDatabase()
	g := &models.Group{Name: "Smiths", OwnerID: "u1"}
	require.NoError(t, db.CreateGroup(g))

	m := &models.GroupMembership{GroupID: g.ID, UserID: "u2", Role: models.RoleMember}
	require.NoError(t, db.AddGroupMember(m))

	dup := &models.GroupMembership{GroupID: g.ID, UserID: "u2", Role: models.RoleViewer}
	err := db.AddGroupMember(dup)
	assert.ErrorIs(t, err, ErrDuplicateMembership)

	// the original role is untouched
	role, ok, err := db.RoleOf(context.Background(), g.ID, "u2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RoleMember, role)
}

func TestRoleOfMissingMembership(t *testing.T) {
	db := NewLocalDatabase()
	_, ok, err := db.RoleOf(context.Background(), "nope", "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateResourceCompareAndSet(t *testing.T) {
	db := NewLocalDatabase()
	res := newResource(t, db, models.KindDocument, "g1", "u1")

	expected := res.Envelope

	changed := *res
	changed.Title = "edited"
	changed.UpdatedBy = "u2"
	changed.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, db.UpdateResource(&changed, expected))

	// the old envelope no longer matches
	rerun := changed
	rerun.Title = "lost race"
	err := db.UpdateResource(&rerun, expected)
	assert.ErrorIs(t, err, authz.ErrStaleEnvelope)

	got, err := db.GetResource(models.KindDocument, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Title)
}

func TestDeleteResourceCompareAndSet(t *testing.T) {
	db := NewLocalDatabase()
	res := newResource(t, db, models.KindNote, "g1", "u1")

	stale := res.Envelope
	stale.UpdatedBy = "someone-else"
	assert.ErrorIs(t, db.DeleteResource(models.KindNote, res.ID, stale), authz.ErrStaleEnvelope)

	require.NoError(t, db.DeleteResource(models.KindNote, res.ID, res.Envelope))
	_, err := db.GetResource(models.KindNote, res.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteGroupCascade(t *testing.T) {
	db := NewLocalDatabase()
	g := &models.Group{Name: "Smiths", OwnerID: "u1"}
	require.NoError(t, db.CreateGroup(g))
	other := &models.Group{Name: "Others", OwnerID: "u9"}
	require.NoError(t, db.CreateGroup(other))

	require.NoError(t, db.AddGroupMember(&models.GroupMembership{GroupID: g.ID, UserID: "u2", Role: models.RoleMember}))
	for _, kind := range models.ResourceKinds {
		newResource(t, db, kind, g.ID, "u1")
	}
	keep := newResource(t, db, models.KindCard, other.ID, "u9")
	require.NoError(t, db.CreateInvitation(&models.GroupInvitation{
		GroupID: g.ID, Email: "kid@example.com", InviterID: "u1",
		Token: "tok", Status: models.InvitationPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, db.DeleteGroup(g.ID))

	_, err := db.GetGroup(g.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok, err := db.RoleOf(context.Background(), g.ID, "u2")
	require.NoError(t, err)
	assert.False(t, ok)
	for _, kind := range models.ResourceKinds {
		rows, err := db.ListResourcesByGroup(kind, g.ID)
		require.NoError(t, err)
		assert.Empty(t, rows)
	}
	_, err = db.GetInvitationByToken("tok")
	assert.ErrorIs(t, err, ErrNotFound)

	// the unrelated group survives intact
	_, err = db.GetGroup(other.ID)
	require.NoError(t, err)
	got, err := db.GetResource(models.KindCard, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, other.ID, got.GroupID)
}

func TestDeleteGroupCascadeAllOrNothing(t *testing.T) {
	db := NewLocalDatabase()
	g := &models.Group{Name: "Smiths", OwnerID: "u1"}
	require.NoError(t, db.CreateGroup(g))
	res := newResource(t, db, models.KindEvent, g.ID, "u1")

	db.CascadeHook = func(string) error { return errors.New("simulated crash") }
	err := db.DeleteGroup(g.ID)
	require.Error(t, err)
	db.CascadeHook = nil

	// nothing was deleted
	_, err = db.GetGroup(g.ID)
	require.NoError(t, err)
	role, ok, err := db.RoleOf(context.Background(), g.ID, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RoleOwner, role)
	_, err = db.GetResource(models.KindEvent, res.ID)
	require.NoError(t, err)
}

func TestDeleteGroupMissing(t *testing.T) {
	db := NewLocalDatabase()
	assert.ErrorIs(t, db.DeleteGroup("missing"), ErrNotFound)
}

func TestInvitationLifecycle(t *testing.T) {
	db := NewLocalDatabase()
	inv := &models.GroupInvitation{
		GroupID: "g1", Email: "kid@example.com", InviterID: "u1",
		Token: "tok-1", Status: models.InvitationPending,
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, db.CreateInvitation(inv))
	require.NotEmpty(t, inv.ID)

	got, err := db.GetInvitationByToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationPending, got.Status)

	acceptor := "u2"
	got.Status = models.InvitationAccepted
	got.AcceptedBy = &acceptor
	require.NoError(t, db.UpdateInvitation(got))

	listed, err := db.ListInvitationsByEmail("kid@example.com")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.InvitationAccepted, listed[0].Status)
}
