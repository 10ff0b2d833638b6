package handlers_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	handler "family-hub-backend/api"
	"family-hub-backend/pkg/config"
	"family-hub-backend/pkg/database"
	"family-hub-backend/pkg/models"
)

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testEnv struct {
	t      *testing.T
	router http.Handler
	db     *database.LocalDatabase
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Environment:    "test",
		Port:           "0",
		JWTSecret:      "test-secret",
		UseLocalDB:     true,
		AllowedOrigins: []string{"*"},
	}
	db := database.NewLocalDatabase()
	return &testEnv{
		t:      t,
		router: handler.NewRouter(cfg, db, zap.NewNop()),
		db:     db,
	}
}

func (e *testEnv) do(method, path, token string, body interface{}) (*httptest.ResponseRecorder, apiEnvelope) {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(e.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env apiEnvelope
	if rec.Body.Len() > 0 {
		require.NoError(e.t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (e *testEnv) register(email string) models.UserLoginResponse {
	e.t.Helper()
	rec, env := e.do(http.MethodPost, "/api/auth/register", "", map[string]string{
		"email":    email,
		"password": "hunter2-long",
		"name":     email,
	})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.UserLoginResponse
	require.NoError(e.t, json.Unmarshal(env.Data, &resp))
	require.NotEmpty(e.t, resp.AccessToken)
	require.NotEmpty(e.t, resp.GroupID)
	return resp
}

// joinAs invites email into groupID with the owner's token and accepts as
// the invitee. New joiners always come in as member.
func (e *testEnv) joinAs(ownerToken, groupID string, invitee models.UserLoginResponse) {
	e.t.Helper()
	rec, env := e.do(http.MethodPost, "/api/groups/"+groupID+"/invitations", ownerToken,
		map[string]string{"email": invitee.User.Email})
	require.Equal(e.t, http.StatusCreated, rec.Code, rec.Body.String())

	var inv models.GroupInvitation
	require.NoError(e.t, json.Unmarshal(env.Data, &inv))

	rec, _ = e.do(http.MethodPost, "/api/invitations/accept", invitee.AccessToken,
		map[string]string{"token": inv.Token})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (e *testEnv) setRole(ownerToken, groupID, userID string, role models.Role) {
	e.t.Helper()
	rec, _ := e.do(http.MethodPut,
		fmt.Sprintf("/api/groups/%s/members/%s/role", groupID, userID),
		ownerToken, map[string]models.Role{"role": role})
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRegisterLoginProfile(t *testing.T) {
	e := newTestEnv(t)

	reg := e.register("dana@example.com")
	assert.Equal(t, "dana@example.com", reg.User.Email)

	rec, env := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email":    "dana@example.com",
		"password": "hunter2-long",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var login models.UserLoginResponse
	require.NoError(t, json.Unmarshal(env.Data, &login))
	assert.Equal(t, reg.GroupID, login.GroupID)

	rec, env = e.do(http.MethodGet, "/api/user/profile", login.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var user models.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	assert.Equal(t, "dana@example.com", user.Email)

	// wrong password and unknown email answer identically
	rec1, _ := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "dana@example.com", "password": "wrong-password",
	})
	rec2, _ := e.do(http.MethodPost, "/api/auth/login", "", map[string]string{
		"email": "nobody@example.com", "password": "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec1.Code)
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	e := newTestEnv(t)
	rec, _ := e.do(http.MethodGet, "/api/groups", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCardLifecycleAcrossRoles(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("owner@example.com")
	member := e.register("member@example.com")
	viewer := e.register("viewer@example.com")
	outsider := e.register("outsider@example.com")
	groupID := owner.GroupID

	e.joinAs(owner.AccessToken, groupID, member)
	e.joinAs(owner.AccessToken, groupID, viewer)
	e.setRole(owner.AccessToken, groupID, viewer.User.ID, models.RoleViewer)

	cardsPath := "/api/groups/" + groupID + "/cards"

	// member creates a card; creator and modifier are stamped server-side
	rec, env := e.do(http.MethodPost, cardsPath, member.AccessToken, map[string]interface{}{
		"title":      "Chore chart",
		"data":       map[string]string{"color": "blue"},
		"created_by": "spoofed-somebody", // ignored: not a settable field
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var card models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &card))
	assert.Equal(t, member.User.ID, card.CreatedBy)
	assert.Equal(t, member.User.ID, card.UpdatedBy)
	require.NotNil(t, card.EditMode)
	assert.Equal(t, models.EditModePublic, *card.EditMode)

	// viewer may read but not create
	rec, _ = e.do(http.MethodGet, cardsPath, viewer.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	recViewer, _ := e.do(http.MethodPost, cardsPath, viewer.AccessToken, map[string]string{"title": "nope"})
	assert.Equal(t, http.StatusForbidden, recViewer.Code)

	// a non-member is told exactly the same thing as a viewer
	recOut, _ := e.do(http.MethodPost, cardsPath, outsider.AccessToken, map[string]string{"title": "nope"})
	assert.Equal(t, http.StatusForbidden, recOut.Code)
	assert.Equal(t, recViewer.Body.String(), recOut.Body.String())

	// non-members cannot even list
	rec, _ = e.do(http.MethodGet, cardsPath, outsider.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// public edit mode lets the owner modify the member's card
	rec, env = e.do(http.MethodPut, cardsPath+"/"+card.ID, owner.AccessToken,
		map[string]string{"title": "Chore chart v2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	assert.Equal(t, "Chore chart v2", updated.Title)
	assert.Equal(t, owner.User.ID, updated.UpdatedBy)
	assert.Equal(t, member.User.ID, updated.CreatedBy)

	// viewer cannot modify even a public card
	rec, _ = e.do(http.MethodPut, cardsPath+"/"+card.ID, viewer.AccessToken,
		map[string]string{"title": "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// the creator flips it private; owner supremacy is unaffected
	rec, _ = e.do(http.MethodPut, cardsPath+"/"+card.ID+"/edit-mode", member.AccessToken,
		map[string]string{"edit_mode": "private"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec, _ = e.do(http.MethodPut, cardsPath+"/"+card.ID, owner.AccessToken,
		map[string]string{"title": "still editable by owner"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// the creator deletes their own card regardless of edit mode
	rec, _ = e.do(http.MethodDelete, cardsPath+"/"+card.ID, member.AccessToken, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = e.do(http.MethodGet, cardsPath+"/"+card.ID, member.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenericUpdateFlipsEditMode(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("flip-owner@example.com")
	creator := e.register("flip-creator@example.com")
	other := e.register("flip-other@example.com")
	groupID := owner.GroupID

	e.joinAs(owner.AccessToken, groupID, creator)
	e.joinAs(owner.AccessToken, groupID, other)

	cardsPath := "/api/groups/" + groupID + "/cards"

	rec, env := e.do(http.MethodPost, cardsPath, creator.AccessToken,
		map[string]string{"title": "Packing list"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var card models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &card))

	// the creator sends the mode change through the plain update endpoint
	rec, env = e.do(http.MethodPut, cardsPath+"/"+card.ID, creator.AccessToken,
		map[string]string{"edit_mode": "private"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &updated))
	require.NotNil(t, updated.EditMode)
	assert.Equal(t, models.EditModePrivate, *updated.EditMode)

	// the change persisted, not just echoed back
	rec, env = e.do(http.MethodGet, cardsPath+"/"+card.ID, creator.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &fetched))
	require.NotNil(t, fetched.EditMode)
	assert.Equal(t, models.EditModePrivate, *fetched.EditMode)

	// and it is enforced: another member may no longer modify
	rec, _ = e.do(http.MethodPut, cardsPath+"/"+card.ID, other.AccessToken,
		map[string]string{"title": "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestResourceUnderWrongGroupPath(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("paths@example.com")
	firstGroup := owner.GroupID

	rec, env := e.do(http.MethodPost, "/api/groups", owner.AccessToken,
		map[string]string{"name": "Second household"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var second models.Group
	require.NoError(t, json.Unmarshal(env.Data, &second))

	rec, env = e.do(http.MethodPost, "/api/groups/"+firstGroup+"/cards", owner.AccessToken,
		map[string]string{"title": "Misrouted"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var card models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &card))

	// addressing the card through the wrong group is a 404 on every verb
	wrongPath := "/api/groups/" + second.ID + "/cards/" + card.ID
	rec, _ = e.do(http.MethodGet, wrongPath, owner.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(http.MethodPut, wrongPath, owner.AccessToken, map[string]string{"title": "moved?"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(http.MethodPut, wrongPath+"/edit-mode", owner.AccessToken, map[string]string{"edit_mode": "private"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(http.MethodDelete, wrongPath, owner.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// the card is untouched under its real group
	rec, env = e.do(http.MethodGet, "/api/groups/"+firstGroup+"/cards/"+card.ID, owner.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched models.Resource
	require.NoError(t, json.Unmarshal(env.Data, &fetched))
	assert.Equal(t, "Misrouted", fetched.Title)
}

func TestListETag(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("etag@example.com")
	listsPath := "/api/groups/" + owner.GroupID + "/lists"

	rec, _ := e.do(http.MethodPost, listsPath, owner.AccessToken, map[string]string{"title": "Groceries"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = e.do(http.MethodGet, listsPath, owner.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	req := httptest.NewRequest(http.MethodGet, listsPath, nil)
	req.Header.Set("Authorization", "Bearer "+owner.AccessToken)
	req.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	e.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestRoleChangeGuard(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("ro@example.com")
	member := e.register("rm@example.com")
	outsider := e.register("rx@example.com")
	groupID := owner.GroupID
	e.joinAs(owner.AccessToken, groupID, member)

	rolePath := fmt.Sprintf("/api/groups/%s/members/%s/role", groupID, member.User.ID)

	// a member cannot grant roles, not even to themselves
	recMember, _ := e.do(http.MethodPut, rolePath, member.AccessToken,
		map[string]models.Role{"role": models.RoleOwner})
	assert.Equal(t, http.StatusForbidden, recMember.Code)

	// and an outsider gets the identical refusal
	recOut, _ := e.do(http.MethodPut, rolePath, outsider.AccessToken,
		map[string]models.Role{"role": models.RoleOwner})
	assert.Equal(t, http.StatusForbidden, recOut.Code)
	assert.Equal(t, recMember.Body.String(), recOut.Body.String())

	// inviting is likewise owner-only
	rec, _ := e.do(http.MethodPost, "/api/groups/"+groupID+"/invitations", member.AccessToken,
		map[string]string{"email": "friend@example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRoleDowngradeAppliesToNextRequest(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("do@example.com")
	member := e.register("dm@example.com")
	groupID := owner.GroupID
	e.joinAs(owner.AccessToken, groupID, member)

	notesPath := "/api/groups/" + groupID + "/notes"
	rec, _ := e.do(http.MethodPost, notesPath, member.AccessToken, map[string]string{"title": "before"})
	require.Equal(t, http.StatusCreated, rec.Code)

	e.setRole(owner.AccessToken, groupID, member.User.ID, models.RoleViewer)

	rec, _ = e.do(http.MethodPost, notesPath, member.AccessToken, map[string]string{"title": "after"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLastOwnerProtection(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("solo@example.com")
	groupID := owner.GroupID

	rec, _ := e.do(http.MethodPut,
		fmt.Sprintf("/api/groups/%s/members/%s/role", groupID, owner.User.ID),
		owner.AccessToken, map[string]models.Role{"role": models.RoleMember})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = e.do(http.MethodDelete,
		fmt.Sprintf("/api/groups/%s/members/%s", groupID, owner.User.ID),
		owner.AccessToken, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGroupDeleteCascade(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("go@example.com")
	member := e.register("gm@example.com")
	groupID := owner.GroupID
	e.joinAs(owner.AccessToken, groupID, member)

	eventsPath := "/api/groups/" + groupID + "/events"
	rec, _ := e.do(http.MethodPost, eventsPath, member.AccessToken, map[string]string{"title": "Picnic"})
	require.Equal(t, http.StatusCreated, rec.Code)

	// members cannot delete the group
	rec, _ = e.do(http.MethodDelete, "/api/groups/"+groupID, member.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(http.MethodDelete, "/api/groups/"+groupID, owner.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// all memberships went with the group, so even the ex-owner is refused
	rec, _ = e.do(http.MethodGet, eventsPath, member.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = e.do(http.MethodGet, "/api/groups/"+groupID, owner.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExpiredInvitation(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("io@example.com")
	invitee := e.register("ii@example.com")

	inv := &models.GroupInvitation{
		GroupID:   owner.GroupID,
		Email:     invitee.User.Email,
		InviterID: owner.User.ID,
		Token:     "expired-token",
		Status:    models.InvitationPending,
		ExpiresAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, e.db.CreateInvitation(inv))

	rec, _ := e.do(http.MethodPost, "/api/invitations/accept", invitee.AccessToken,
		map[string]string{"token": "expired-token"})
	assert.Equal(t, http.StatusGone, rec.Code)

	got, err := e.db.GetInvitationByToken("expired-token")
	require.NoError(t, err)
	assert.Equal(t, models.InvitationExpired, got.Status)
}

func TestInvitationForSomeoneElse(t *testing.T) {
	e := newTestEnv(t)
	owner := e.register("so@example.com")
	invitee := e.register("si@example.com")
	interloper := e.register("sx@example.com")

	rec, env := e.do(http.MethodPost, "/api/groups/"+owner.GroupID+"/invitations",
		owner.AccessToken, map[string]string{"email": invitee.User.Email})
	require.Equal(t, http.StatusCreated, rec.Code)
	var inv models.GroupInvitation
	require.NoError(t, json.Unmarshal(env.Data, &inv))

	// only the addressee can redeem the token
	rec, _ = e.do(http.MethodPost, "/api/invitations/accept", interloper.AccessToken,
		map[string]string{"token": inv.Token})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
