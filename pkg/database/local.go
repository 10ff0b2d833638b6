package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/models"

	"github.com/google/uuid"
)

// LocalDatabase is an in-memory implementation for development and tests.
// It mirrors the transactional behavior of the Postgres backend: envelope
// compare-and-set on resource writes and all-or-nothing group cascades.
type LocalDatabase struct {
	mu          sync.RWMutex
	users       map[string]models.User
	groups      map[string]models.Group
	memberships map[string]models.GroupMembership // key: groupID+"/"+userID
	resources   map[models.ResourceKind]map[string]models.Resource
	invitations map[string]models.GroupInvitation

	// CascadeHook, when set, runs inside DeleteGroup before any state is
	// swapped in. Test instrumentation for simulating a mid-cascade failure;
	// an error aborts the cascade with every row intact.
	CascadeHook func(groupID string) error
}

// NewLocalDatabase creates an empty in-memory database.
func NewLocalDatabase() *LocalDatabase {
	res := make(map[models.ResourceKind]map[string]models.Resource, len(models.ResourceKinds))
	for _, k := range models.ResourceKinds {
		res[k] = make(map[string]models.Resource)
	}
	return &LocalDatabase{
		users:       make(map[string]models.User),
		groups:      make(map[string]models.Group),
		memberships: make(map[string]models.GroupMembership),
		resources:   res,
		invitations: make(map[string]models.GroupInvitation),
	}
}

func membershipKey(groupID, userID string) string { return groupID + "/" + userID }

// ==== users ====

func (db *LocalDatabase) CreateUser(user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, u := range db.users {
		if u.Email == user.Email {
			return fmt.Errorf("create user: email already registered")
		}
	}
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	db.users[user.ID] = *user
	return nil
}

func (db *LocalDatabase) GetUserByEmail(email string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, u := range db.users {
		if u.Email == email {
			user := u
			return &user, nil
		}
	}
	return nil, fmt.Errorf("get user by email: %w", ErrNotFound)
}

func (db *LocalDatabase) GetUserByID(id string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	u, ok := db.users[id]
	if !ok {
		return nil, fmt.Errorf("get user: %w", ErrNotFound)
	}
	user := u
	return &user, nil
}

func (db *LocalDatabase) UpdateUser(user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.users[user.ID]
	if !ok {
		return fmt.Errorf("update user: %w", ErrNotFound)
	}
	user.CreatedAt = existing.CreatedAt
	user.UpdatedAt = time.Now().UTC()
	db.users[user.ID] = *user
	return nil
}

// ==== groups ====

func (db *LocalDatabase) CreateGroup(g *models.Group) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	db.groups[g.ID] = *g

	// the creator joins as owner in the same unit
	m := models.GroupMembership{
		ID:        uuid.New().String(),
		GroupID:   g.ID,
		UserID:    g.OwnerID,
		Role:      models.RoleOwner,
		CreatedAt: now,
	}
	db.memberships[membershipKey(g.ID, g.OwnerID)] = m
	return nil
}

func (db *LocalDatabase) GetGroup(groupID string) (*models.Group, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	g, ok := db.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("get group: %w", ErrNotFound)
	}
	group := g
	return &group, nil
}

func (db *LocalDatabase) UpdateGroup(g *models.Group) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.groups[g.ID]
	if !ok {
		return fmt.Errorf("update group: %w", ErrNotFound)
	}
	g.CreatedAt = existing.CreatedAt
	g.UpdatedAt = time.Now().UTC()
	db.groups[g.ID] = *g
	return nil
}

func (db *LocalDatabase) DeleteGroup(groupID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.groups[groupID]; !ok {
		return fmt.Errorf("delete group: %w", ErrNotFound)
	}
	if db.CascadeHook != nil {
		if err := db.CascadeHook(groupID); err != nil {
			// abort with no state touched
			return fmt.Errorf("delete group cascade: %w", err)
		}
	}

	// Build the survivors first, then swap everything in at once so a
	// reader never observes a half-deleted group.
	memberships := make(map[string]models.GroupMembership, len(db.memberships))
	for k, m := range db.memberships {
		if m.GroupID != groupID {
			memberships[k] = m
		}
	}
	resources := make(map[models.ResourceKind]map[string]models.Resource, len(db.resources))
	for kind, rows := range db.resources {
		kept := make(map[string]models.Resource, len(rows))
		for id, r := range rows {
			if r.GroupID != groupID {
				kept[id] = r
			}
		}
		resources[kind] = kept
	}
	invitations := make(map[string]models.GroupInvitation, len(db.invitations))
	for id, inv := range db.invitations {
		if inv.GroupID != groupID {
			invitations[id] = inv
		}
	}

	delete(db.groups, groupID)
	db.memberships = memberships
	db.resources = resources
	db.invitations = invitations
	return nil
}

func (db *LocalDatabase) ListUserGroups(userID string) ([]models.Group, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var groups []models.Group
	for _, m := range db.memberships {
		if m.UserID == userID {
			if g, ok := db.groups[m.GroupID]; ok {
				groups = append(groups, g)
			}
		}
	}
	return groups, nil
}

// ==== memberships ====

func (db *LocalDatabase) RoleOf(_ context.Context, groupID, userID string) (models.Role, bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.memberships[membershipKey(groupID, userID)]
	if !ok {
		return "", false, nil
	}
	return m.Role, true, nil
}

func (db *LocalDatabase) AddGroupMember(m *models.GroupMembership) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := membershipKey(m.GroupID, m.UserID)
	if _, ok := db.memberships[key]; ok {
		return fmt.Errorf("add member: %w", ErrDuplicateMembership)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.CreatedAt = time.Now().UTC()
	db.memberships[key] = *m
	return nil
}

func (db *LocalDatabase) GetMembership(groupID, userID string) (*models.GroupMembership, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	m, ok := db.memberships[membershipKey(groupID, userID)]
	if !ok {
		return nil, fmt.Errorf("get membership: %w", ErrNotFound)
	}
	membership := m
	return &membership, nil
}

func (db *LocalDatabase) ListGroupMembers(groupID string) ([]models.GroupMembership, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var members []models.GroupMembership
	for _, m := range db.memberships {
		if m.GroupID == groupID {
			members = append(members, m)
		}
	}
	return members, nil
}

func (db *LocalDatabase) UpdateMembershipRole(groupID, userID string, role models.Role) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := membershipKey(groupID, userID)
	m, ok := db.memberships[key]
	if !ok {
		return fmt.Errorf("update membership: %w", ErrNotFound)
	}
	m.Role = role
	db.memberships[key] = m
	return nil
}

func (db *LocalDatabase) RemoveGroupMember(groupID, userID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	key := membershipKey(groupID, userID)
	if _, ok := db.memberships[key]; !ok {
		return fmt.Errorf("remove member: %w", ErrNotFound)
	}
	delete(db.memberships, key)
	return nil
}

func (db *LocalDatabase) CountGroupOwners(groupID string) (int, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	n := 0
	for _, m := range db.memberships {
		if m.GroupID == groupID && m.Role == models.RoleOwner {
			n++
		}
	}
	return n, nil
}

// ==== governed resources ====

func (db *LocalDatabase) CreateResource(res *models.Resource) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, ok := db.resources[res.Kind]
	if !ok {
		return fmt.Errorf("create resource: unknown kind %q", res.Kind)
	}
	if res.ID == "" {
		res.ID = uuid.New().String()
	}
	res.CreatedAt = time.Now().UTC()
	rows[res.ID] = *res
	return nil
}

func (db *LocalDatabase) GetResource(kind models.ResourceKind, id string) (*models.Resource, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, ok := db.resources[kind]
	if !ok {
		return nil, fmt.Errorf("get resource: unknown kind %q", kind)
	}
	r, ok := rows[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", kind, ErrNotFound)
	}
	resource := r
	return &resource, nil
}

func (db *LocalDatabase) ListResourcesByGroup(kind models.ResourceKind, groupID string) ([]models.Resource, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rows, ok := db.resources[kind]
	if !ok {
		return nil, fmt.Errorf("list resources: unknown kind %q", kind)
	}
	var out []models.Resource
	for _, r := range rows {
		if r.GroupID == groupID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (db *LocalDatabase) UpdateResource(res *models.Resource, expected models.Envelope) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, ok := db.resources[res.Kind]
	if !ok {
		return fmt.Errorf("update resource: unknown kind %q", res.Kind)
	}
	current, ok := rows[res.ID]
	if !ok {
		return fmt.Errorf("update %s: %w", res.Kind, ErrNotFound)
	}
	if !envelopeEquals(current.Envelope, expected) {
		return authz.ErrStaleEnvelope
	}
	rows[res.ID] = *res
	return nil
}

func (db *LocalDatabase) DeleteResource(kind models.ResourceKind, id string, expected models.Envelope) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rows, ok := db.resources[kind]
	if !ok {
		return fmt.Errorf("delete resource: unknown kind %q", kind)
	}
	current, ok := rows[id]
	if !ok {
		return fmt.Errorf("delete %s: %w", kind, ErrNotFound)
	}
	if !envelopeEquals(current.Envelope, expected) {
		return authz.ErrStaleEnvelope
	}
	delete(rows, id)
	return nil
}

// envelopeEquals is the compare half of the compare-and-set on resource
// writes: every mutation checks that the envelope it decided against is
// still the stored one.
func envelopeEquals(a, b models.Envelope) bool {
	if a.GroupID != b.GroupID || a.CreatedBy != b.CreatedBy ||
		a.UpdatedBy != b.UpdatedBy || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	switch {
	case a.EditMode == nil && b.EditMode == nil:
		return true
	case a.EditMode == nil || b.EditMode == nil:
		return false
	default:
		return *a.EditMode == *b.EditMode
	}
}

// ==== invitations ====

func (db *LocalDatabase) CreateInvitation(inv *models.GroupInvitation) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	db.invitations[inv.ID] = *inv
	return nil
}

func (db *LocalDatabase) GetInvitationByToken(token string) (*models.GroupInvitation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, inv := range db.invitations {
		if inv.Token == token {
			invitation := inv
			return &invitation, nil
		}
	}
	return nil, fmt.Errorf("get invitation: %w", ErrNotFound)
}

func (db *LocalDatabase) ListInvitationsByEmail(email string) ([]models.GroupInvitation, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var out []models.GroupInvitation
	for _, inv := range db.invitations {
		if inv.Email == email {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (db *LocalDatabase) UpdateInvitation(inv *models.GroupInvitation) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	existing, ok := db.invitations[inv.ID]
	if !ok {
		return fmt.Errorf("update invitation: %w", ErrNotFound)
	}
	inv.CreatedAt = existing.CreatedAt
	inv.UpdatedAt = time.Now().UTC()
	db.invitations[inv.ID] = *inv
	return nil
}

func (db *LocalDatabase) HealthCheck() error { return nil }

func (db *LocalDatabase) Close() error { return nil }
