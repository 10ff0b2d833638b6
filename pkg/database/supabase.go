package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/models"
)

// SupabaseDatabase talks to the hosted backend through the PostgREST API
// with the service key. Row mutations carry the same envelope filters as the
// Postgres implementation's WHERE clauses; the group cascade is delegated to
// a database function (see scripts/init_db.sql) so its atomicity lives
// server-side where REST calls cannot interleave.
type SupabaseDatabase struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewSupabaseDatabase creates a PostgREST-backed database client.
func NewSupabaseDatabase(rawURL, key string) DatabaseInterface {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "https://" + rawURL
	}
	return &SupabaseDatabase{
		baseURL: strings.TrimRight(rawURL, "/"),
		apiKey:  key,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (db *SupabaseDatabase) makeRequest(method, endpoint string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequest(method, db.baseURL+"/rest/v1"+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("apikey", db.apiKey)
	req.Header.Set("Authorization", "Bearer "+db.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")

	resp, err := db.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// decodeOne unmarshals a single-row PostgREST response into v.
// PostgREST always returns arrays; an empty one maps to ErrNotFound.
func decodeOne(data []byte, v interface{}) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(raw) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(raw[0], v)
}

func tsFilter(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}

// envelopeFilters encodes the compare-and-set envelope match as PostgREST
// query filters.
func envelopeFilters(q url.Values, e models.Envelope) {
	q.Set("group_id", "eq."+e.GroupID)
	q.Set("created_by", "eq."+e.CreatedBy)
	if e.EditMode == nil {
		q.Set("edit_mode", "is.null")
	} else {
		q.Set("edit_mode", "eq."+string(*e.EditMode))
	}
	if e.UpdatedBy == "" {
		q.Set("updated_by", "is.null")
	} else {
		q.Set("updated_by", "eq."+e.UpdatedBy)
	}
	q.Set("updated_at", "eq."+tsFilter(e.UpdatedAt))
}

// ==== users ====

func (db *SupabaseDatabase) CreateUser(user *models.User) error {
	payload := map[string]interface{}{
		"email":         user.Email,
		"password_hash": user.Password,
		"name":          user.Name,
		"avatar":        user.Avatar,
	}
	data, err := db.makeRequest("POST", "/users", payload)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return decodeOne(data, user)
}

func (db *SupabaseDatabase) GetUserByEmail(email string) (*models.User, error) {
	data, err := db.makeRequest("GET", "/users?email=eq."+url.QueryEscape(email), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	var u struct {
		models.User
		PasswordHash string `json:"password_hash"`
	}
	if err := decodeOne(data, &u); err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	u.User.Password = u.PasswordHash
	return &u.User, nil
}

func (db *SupabaseDatabase) GetUserByID(id string) (*models.User, error) {
	data, err := db.makeRequest("GET", "/users?id=eq."+url.QueryEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	var u models.User
	if err := decodeOne(data, &u); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (db *SupabaseDatabase) UpdateUser(user *models.User) error {
	payload := map[string]interface{}{
		"name":       user.Name,
		"avatar":     user.Avatar,
		"updated_at": tsFilter(time.Now()),
	}
	_, err := db.makeRequest("PATCH", "/users?id=eq."+url.QueryEscape(user.ID), payload)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// ==== groups ====

func (db *SupabaseDatabase) CreateGroup(g *models.Group) error {
	// PostgREST has no client transactions; the group+owner-membership unit
	// is a database function
	payload := map[string]interface{}{
		"p_name":        g.Name,
		"p_owner_id":    g.OwnerID,
		"p_description": g.Description,
		"p_avatar":      g.Avatar,
	}
	data, err := db.makeRequest("POST", "/rpc/create_group_with_owner", payload)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	return decodeOne(data, g)
}

func (db *SupabaseDatabase) GetGroup(groupID string) (*models.Group, error) {
	data, err := db.makeRequest("GET", "/groups?id=eq."+url.QueryEscape(groupID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	var g models.Group
	if err := decodeOne(data, &g); err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

func (db *SupabaseDatabase) UpdateGroup(g *models.Group) error {
	payload := map[string]interface{}{
		"name":        g.Name,
		"description": g.Description,
		"avatar":      g.Avatar,
		"updated_at":  tsFilter(time.Now()),
	}
	data, err := db.makeRequest("PATCH", "/groups?id=eq."+url.QueryEscape(g.ID), payload)
	if err != nil {
		return fmt.Errorf("failed to update group: %w", err)
	}
	if err := decodeOne(data, g); err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return nil
}

func (db *SupabaseDatabase) DeleteGroup(groupID string) error {
	payload := map[string]interface{}{"p_group_id": groupID}
	if _, err := db.makeRequest("POST", "/rpc/delete_group_cascade", payload); err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	return nil
}

func (db *SupabaseDatabase) ListUserGroups(userID string) ([]models.Group, error) {
	// membership ids first, then the group rows
	data, err := db.makeRequest("GET", "/group_memberships?user_id=eq."+url.QueryEscape(userID)+"&select=group_id", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships: %w", err)
	}
	var refs []struct {
		GroupID string `json:"group_id"`
	}
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("failed to decode memberships: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.GroupID)
	}
	data, err = db.makeRequest("GET", "/groups?id=in.("+url.QueryEscape(strings.Join(ids, ","))+")&order=created_at", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	var groups []models.Group
	if err := json.Unmarshal(data, &groups); err != nil {
		return nil, fmt.Errorf("failed to decode groups: %w", err)
	}
	return groups, nil
}

// ==== memberships ====

func (db *SupabaseDatabase) RoleOf(_ context.Context, groupID, userID string) (models.Role, bool, error) {
	endpoint := "/group_memberships?group_id=eq." + url.QueryEscape(groupID) +
		"&user_id=eq." + url.QueryEscape(userID) + "&select=role"
	data, err := db.makeRequest("GET", endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up role: %w", err)
	}
	var rows []struct {
		Role models.Role `json:"role"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return "", false, fmt.Errorf("failed to decode role: %w", err)
	}
	if len(rows) == 0 {
		return "", false, nil
	}
	return rows[0].Role, true, nil
}

func (db *SupabaseDatabase) AddGroupMember(m *models.GroupMembership) error {
	payload := map[string]interface{}{
		"group_id": m.GroupID,
		"user_id":  m.UserID,
		"role":     m.Role,
	}
	data, err := db.makeRequest("POST", "/group_memberships", payload)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate") || strings.Contains(err.Error(), "23505") {
			return fmt.Errorf("add member: %w", ErrDuplicateMembership)
		}
		return fmt.Errorf("failed to add member: %w", err)
	}
	return decodeOne(data, m)
}

func (db *SupabaseDatabase) GetMembership(groupID, userID string) (*models.GroupMembership, error) {
	endpoint := "/group_memberships?group_id=eq." + url.QueryEscape(groupID) +
		"&user_id=eq." + url.QueryEscape(userID)
	data, err := db.makeRequest("GET", endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	var m models.GroupMembership
	if err := decodeOne(data, &m); err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return &m, nil
}

func (db *SupabaseDatabase) ListGroupMembers(groupID string) ([]models.GroupMembership, error) {
	data, err := db.makeRequest("GET", "/group_memberships?group_id=eq."+url.QueryEscape(groupID)+"&order=created_at", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	var members []models.GroupMembership
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("failed to decode members: %w", err)
	}
	return members, nil
}

func (db *SupabaseDatabase) UpdateMembershipRole(groupID, userID string, role models.Role) error {
	endpoint := "/group_memberships?group_id=eq." + url.QueryEscape(groupID) +
		"&user_id=eq." + url.QueryEscape(userID)
	data, err := db.makeRequest("PATCH", endpoint, map[string]interface{}{"role": role})
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	var m models.GroupMembership
	if err := decodeOne(data, &m); err != nil {
		return fmt.Errorf("update membership: %w", err)
	}
	return nil
}

func (db *SupabaseDatabase) RemoveGroupMember(groupID, userID string) error {
	endpoint := "/group_memberships?group_id=eq." + url.QueryEscape(groupID) +
		"&user_id=eq." + url.QueryEscape(userID)
	data, err := db.makeRequest("DELETE", endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	var m models.GroupMembership
	if err := decodeOne(data, &m); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (db *SupabaseDatabase) CountGroupOwners(groupID string) (int, error) {
	endpoint := "/group_memberships?group_id=eq." + url.QueryEscape(groupID) +
		"&role=eq." + string(models.RoleOwner) + "&select=id"
	data, err := db.makeRequest("GET", endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count owners: %w", err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, fmt.Errorf("failed to decode owners: %w", err)
	}
	return len(rows), nil
}

// ==== governed resources ====

// resourceRow is the wire shape shared by all six resource tables.
type resourceRow struct {
	ID        string           `json:"id,omitempty"`
	GroupID   string           `json:"group_id"`
	CreatedBy string           `json:"created_by"`
	EditMode  *models.EditMode `json:"edit_mode"`
	UpdatedBy *string          `json:"updated_by"`
	UpdatedAt time.Time        `json:"updated_at"`
	Title     string           `json:"title"`
	Data      json.RawMessage  `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at,omitempty"`
}

func toResource(row resourceRow, kind models.ResourceKind) models.Resource {
	res := models.Resource{
		ID:        row.ID,
		Kind:      kind,
		Title:     row.Title,
		Data:      row.Data,
		CreatedAt: row.CreatedAt,
	}
	res.GroupID = row.GroupID
	res.CreatedBy = row.CreatedBy
	res.EditMode = row.EditMode
	res.UpdatedAt = row.UpdatedAt
	if row.UpdatedBy != nil {
		res.UpdatedBy = *row.UpdatedBy
	}
	return res
}

func (db *SupabaseDatabase) CreateResource(res *models.Resource) error {
	if !res.Kind.Valid() {
		return fmt.Errorf("create resource: unknown kind %q", res.Kind)
	}
	payload := map[string]interface{}{
		"group_id":   res.GroupID,
		"created_by": res.CreatedBy,
		"edit_mode":  res.EditMode,
		"updated_by": res.UpdatedBy,
		"updated_at": tsFilter(res.UpdatedAt),
		"title":      res.Title,
		"data":       json.RawMessage(res.Data),
	}
	if len(res.Data) == 0 {
		payload["data"] = nil
	}
	data, err := db.makeRequest("POST", "/"+res.Kind.Table(), payload)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", res.Kind, err)
	}
	var row resourceRow
	if err := decodeOne(data, &row); err != nil {
		return fmt.Errorf("create %s: %w", res.Kind, err)
	}
	*res = toResource(row, res.Kind)
	return nil
}

func (db *SupabaseDatabase) GetResource(kind models.ResourceKind, id string) (*models.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("get resource: unknown kind %q", kind)
	}
	data, err := db.makeRequest("GET", "/"+kind.Table()+"?id=eq."+url.QueryEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	var row resourceRow
	if err := decodeOne(data, &row); err != nil {
		return nil, fmt.Errorf("get %s: %w", kind, err)
	}
	res := toResource(row, kind)
	return &res, nil
}

func (db *SupabaseDatabase) ListResourcesByGroup(kind models.ResourceKind, groupID string) ([]models.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("list resources: unknown kind %q", kind)
	}
	data, err := db.makeRequest("GET", "/"+kind.Table()+"?group_id=eq."+url.QueryEscape(groupID)+"&order=created_at", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Table(), err)
	}
	var rows []resourceRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind.Table(), err)
	}
	out := make([]models.Resource, 0, len(rows))
	for _, row := range rows {
		out = append(out, toResource(row, kind))
	}
	return out, nil
}

func (db *SupabaseDatabase) UpdateResource(res *models.Resource, expected models.Envelope) error {
	if !res.Kind.Valid() {
		return fmt.Errorf("update resource: unknown kind %q", res.Kind)
	}
	q := url.Values{}
	q.Set("id", "eq."+res.ID)
	envelopeFilters(q, expected)

	payload := map[string]interface{}{
		"title":      res.Title,
		"data":       json.RawMessage(res.Data),
		"edit_mode":  res.EditMode,
		"updated_by": res.UpdatedBy,
		"updated_at": tsFilter(res.UpdatedAt),
	}
	if len(res.Data) == 0 {
		payload["data"] = nil
	}
	data, err := db.makeRequest("PATCH", "/"+res.Kind.Table()+"?"+q.Encode(), payload)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", res.Kind, err)
	}
	var row resourceRow
	if err := decodeOne(data, &row); err != nil {
		if err == ErrNotFound {
			return db.staleOrMissingREST(res.Kind, res.ID)
		}
		return fmt.Errorf("update %s: %w", res.Kind, err)
	}
	return nil
}

func (db *SupabaseDatabase) DeleteResource(kind models.ResourceKind, id string, expected models.Envelope) error {
	if !kind.Valid() {
		return fmt.Errorf("delete resource: unknown kind %q", kind)
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	envelopeFilters(q, expected)

	data, err := db.makeRequest("DELETE", "/"+kind.Table()+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	var row resourceRow
	if err := decodeOne(data, &row); err != nil {
		if err == ErrNotFound {
			return db.staleOrMissingREST(kind, id)
		}
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	return nil
}

func (db *SupabaseDatabase) staleOrMissingREST(kind models.ResourceKind, id string) error {
	data, err := db.makeRequest("GET", "/"+kind.Table()+"?id=eq."+url.QueryEscape(id)+"&select=id", nil)
	if err != nil {
		return fmt.Errorf("failed to recheck %s: %w", kind, err)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fmt.Errorf("failed to decode recheck: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("%s: %w", kind, ErrNotFound)
	}
	return authz.ErrStaleEnvelope
}

// ==== invitations ====

func (db *SupabaseDatabase) CreateInvitation(inv *models.GroupInvitation) error {
	payload := map[string]interface{}{
		"group_id":   inv.GroupID,
		"email":      inv.Email,
		"inviter_id": inv.InviterID,
		"token":      inv.Token,
		"status":     inv.Status,
		"expires_at": tsFilter(inv.ExpiresAt),
	}
	data, err := db.makeRequest("POST", "/group_invitations", payload)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return decodeOne(data, inv)
}

func (db *SupabaseDatabase) GetInvitationByToken(token string) (*models.GroupInvitation, error) {
	data, err := db.makeRequest("GET", "/group_invitations?token=eq."+url.QueryEscape(token), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	var inv models.GroupInvitation
	if err := decodeOne(data, &inv); err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	return &inv, nil
}

func (db *SupabaseDatabase) ListInvitationsByEmail(email string) ([]models.GroupInvitation, error) {
	data, err := db.makeRequest("GET", "/group_invitations?email=eq."+url.QueryEscape(email)+"&order=created_at.desc", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	var out []models.GroupInvitation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode invitations: %w", err)
	}
	return out, nil
}

func (db *SupabaseDatabase) UpdateInvitation(inv *models.GroupInvitation) error {
	payload := map[string]interface{}{
		"status":      inv.Status,
		"accepted_by": inv.AcceptedBy,
		"updated_at":  tsFilter(time.Now()),
	}
	data, err := db.makeRequest("PATCH", "/group_invitations?id=eq."+url.QueryEscape(inv.ID), payload)
	if err != nil {
		return fmt.Errorf("failed to update invitation: %w", err)
	}
	return decodeOne(data, inv)
}

func (db *SupabaseDatabase) HealthCheck() error {
	_, err := db.makeRequest("GET", "/users?select=id&limit=1", nil)
	return err
}

func (db *SupabaseDatabase) Close() error {
	db.httpClient.CloseIdleConnections()
	return nil
}
