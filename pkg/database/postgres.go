package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"family-hub-backend/pkg/authz"
	"family-hub-backend/pkg/models"

	"github.com/lib/pq"
)

// PostgresDatabase is the direct-connection Postgres implementation.
type PostgresDatabase struct {
	db *sql.DB
}

// NewPostgresDatabase opens a Postgres connection, trying parameter variants
// that work around IPv6/TLS quirks on serverless runtimes before giving up.
func NewPostgresDatabase(dsn string) DatabaseInterface {
	dsn = strings.TrimSpace(dsn)
	strategies := []string{
		addConnectionParams(dsn, "prefer_simple_protocol=true"),
		addConnectionParams(dsn, "prefer_simple_protocol=true&connect_timeout=10"),
		addConnectionParams(dsn, "sslmode=require&prefer_simple_protocol=true"),
		dsn,
	}

	var db *sql.DB
	var err error
	for _, strategy := range strategies {
		db, err = sql.Open("postgres", strategy)
		if err != nil {
			continue
		}
		// conservative pool sizing for serverless
		db.SetMaxOpenConns(5)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err = db.Ping(); err != nil {
			db.Close()
			continue
		}
		return &PostgresDatabase{db: db}
	}
	panic(fmt.Sprintf("failed to connect to PostgreSQL with all strategies, last error: %v", err))
}

func addConnectionParams(dsn, params string) string {
	if params == "" {
		return dsn
	}
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return dsn + separator + params
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ==== users ====

func (db *PostgresDatabase) CreateUser(user *models.User) error {
	query := `
		INSERT INTO users (email, password_hash, name, avatar, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := db.db.QueryRow(query, user.Email, user.Password, user.Name, user.Avatar).
		Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create user: email already registered")
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) GetUserByEmail(email string) (*models.User, error) {
	query := `
		SELECT id, email, COALESCE(name,''), COALESCE(avatar,''), COALESCE(password_hash,''),
		       created_at, updated_at
		FROM users
		WHERE email = $1
	`
	var u models.User
	err := db.db.QueryRow(query, email).Scan(
		&u.ID, &u.Email, &u.Name, &u.Avatar, &u.Password, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get user by email: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return &u, nil
}

func (db *PostgresDatabase) GetUserByID(id string) (*models.User, error) {
	query := `
		SELECT id, email, COALESCE(name,''), COALESCE(avatar,''), created_at, updated_at
		FROM users
		WHERE id = $1
	`
	var u models.User
	err := db.db.QueryRow(query, id).Scan(
		&u.ID, &u.Email, &u.Name, &u.Avatar, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get user: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (db *PostgresDatabase) UpdateUser(user *models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID is required for update")
	}
	query := `
		UPDATE users
		SET name = $1, avatar = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.db.Exec(query, user.Name, user.Avatar, user.ID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// ==== groups ====

func (db *PostgresDatabase) CreateGroup(g *models.Group) error {
	// group row and owner membership commit together
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO groups (name, owner_id, description, avatar, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err = tx.QueryRow(query, g.Name, g.OwnerID, g.Description, g.Avatar).
		Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO group_memberships (group_id, user_id, role, created_at)
		VALUES ($1, $2, $3, NOW())
	`, g.ID, g.OwnerID, models.RoleOwner)
	if err != nil {
		return fmt.Errorf("failed to create owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit group creation: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) GetGroup(groupID string) (*models.Group, error) {
	query := `
		SELECT id, name, owner_id, COALESCE(description,''), COALESCE(avatar,''),
		       created_at, updated_at
		FROM groups
		WHERE id = $1
	`
	var g models.Group
	err := db.db.QueryRow(query, groupID).Scan(
		&g.ID, &g.Name, &g.OwnerID, &g.Description, &g.Avatar, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get group: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get group: %w", err)
	}
	return &g, nil
}

func (db *PostgresDatabase) UpdateGroup(g *models.Group) error {
	query := `
		UPDATE groups
		SET name = $1, description = $2, avatar = $3, updated_at = NOW()
		WHERE id = $4
		RETURNING updated_at
	`
	err := db.db.QueryRow(query, g.Name, g.Description, g.Avatar, g.ID).Scan(&g.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("update group: %w", ErrNotFound)
		}
		return fmt.Errorf("failed to update group: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) DeleteGroup(groupID string) error {
	// the whole cascade is one transaction: memberships, invitations, all
	// six resource tables and the group row go together or not at all
	tx, err := db.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, kind := range models.ResourceKinds {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE group_id = $1`, kind.Table()), groupID); err != nil {
			return fmt.Errorf("failed to cascade %s: %w", kind.Table(), err)
		}
	}
	if _, err := tx.Exec(`DELETE FROM group_invitations WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("failed to cascade invitations: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM group_memberships WHERE group_id = $1`, groupID); err != nil {
		return fmt.Errorf("failed to cascade memberships: %w", err)
	}

	res, err := tx.Exec(`DELETE FROM groups WHERE id = $1`, groupID)
	if err != nil {
		return fmt.Errorf("failed to delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete group: %w", ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit group deletion: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) ListUserGroups(userID string) ([]models.Group, error) {
	query := `
		SELECT g.id, g.name, g.owner_id, COALESCE(g.description,''), COALESCE(g.avatar,''),
		       g.created_at, g.updated_at
		FROM groups g
		JOIN group_memberships m ON m.group_id = g.id
		WHERE m.user_id = $1
		ORDER BY g.created_at
	`
	rows, err := db.db.Query(query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.ID, &g.Name, &g.OwnerID, &g.Description, &g.Avatar, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan group: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// ==== memberships ====

func (db *PostgresDatabase) RoleOf(ctx context.Context, groupID, userID string) (models.Role, bool, error) {
	var role models.Role
	err := db.db.QueryRowContext(ctx, `
		SELECT role FROM group_memberships WHERE group_id = $1 AND user_id = $2
	`, groupID, userID).Scan(&role)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up role: %w", err)
	}
	return role, true, nil
}

func (db *PostgresDatabase) AddGroupMember(m *models.GroupMembership) error {
	query := `
		INSERT INTO group_memberships (group_id, user_id, role, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id, created_at
	`
	err := db.db.QueryRow(query, m.GroupID, m.UserID, m.Role).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("add member: %w", ErrDuplicateMembership)
		}
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) GetMembership(groupID, userID string) (*models.GroupMembership, error) {
	query := `
		SELECT id, group_id, user_id, role, created_at
		FROM group_memberships
		WHERE group_id = $1 AND user_id = $2
	`
	var m models.GroupMembership
	err := db.db.QueryRow(query, groupID, userID).Scan(&m.ID, &m.GroupID, &m.UserID, &m.Role, &m.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get membership: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get membership: %w", err)
	}
	return &m, nil
}

func (db *PostgresDatabase) ListGroupMembers(groupID string) ([]models.GroupMembership, error) {
	query := `
		SELECT id, group_id, user_id, role, created_at
		FROM group_memberships
		WHERE group_id = $1
		ORDER BY created_at
	`
	rows, err := db.db.Query(query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []models.GroupMembership
	for rows.Next() {
		var m models.GroupMembership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan membership: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (db *PostgresDatabase) UpdateMembershipRole(groupID, userID string, role models.Role) error {
	res, err := db.db.Exec(`
		UPDATE group_memberships SET role = $1 WHERE group_id = $2 AND user_id = $3
	`, role, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update membership: %w", ErrNotFound)
	}
	return nil
}

func (db *PostgresDatabase) RemoveGroupMember(groupID, userID string) error {
	res, err := db.db.Exec(`
		DELETE FROM group_memberships WHERE group_id = $1 AND user_id = $2
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove member: %w", ErrNotFound)
	}
	return nil
}

func (db *PostgresDatabase) CountGroupOwners(groupID string) (int, error) {
	var n int
	err := db.db.QueryRow(`
		SELECT COUNT(*) FROM group_memberships WHERE group_id = $1 AND role = $2
	`, groupID, models.RoleOwner).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count owners: %w", err)
	}
	return n, nil
}

// ==== governed resources ====

func (db *PostgresDatabase) CreateResource(res *models.Resource) error {
	if !res.Kind.Valid() {
		return fmt.Errorf("create resource: unknown kind %q", res.Kind)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (group_id, created_by, edit_mode, updated_by, updated_at, title, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id, created_at
	`, res.Kind.Table())
	err := db.db.QueryRow(query,
		res.GroupID, res.CreatedBy, res.EditMode, res.UpdatedBy, res.UpdatedAt, res.Title, res.Data,
	).Scan(&res.ID, &res.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", res.Kind, err)
	}
	return nil
}

func (db *PostgresDatabase) GetResource(kind models.ResourceKind, id string) (*models.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("get resource: unknown kind %q", kind)
	}
	query := fmt.Sprintf(`
		SELECT id, group_id, created_by, edit_mode, COALESCE(updated_by,''), updated_at,
		       COALESCE(title,''), data, created_at
		FROM %s
		WHERE id = $1
	`, kind.Table())

	res := models.Resource{Kind: kind}
	var editMode sql.NullString
	err := db.db.QueryRow(query, id).Scan(
		&res.ID, &res.GroupID, &res.CreatedBy, &editMode, &res.UpdatedBy, &res.UpdatedAt,
		&res.Title, &res.Data, &res.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get %s: %w", kind, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", kind, err)
	}
	if editMode.Valid {
		m := models.EditMode(editMode.String)
		res.EditMode = &m
	}
	return &res, nil
}

func (db *PostgresDatabase) ListResourcesByGroup(kind models.ResourceKind, groupID string) ([]models.Resource, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("list resources: unknown kind %q", kind)
	}
	query := fmt.Sprintf(`
		SELECT id, group_id, created_by, edit_mode, COALESCE(updated_by,''), updated_at,
		       COALESCE(title,''), data, created_at
		FROM %s
		WHERE group_id = $1
		ORDER BY created_at
	`, kind.Table())

	rows, err := db.db.Query(query, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Table(), err)
	}
	defer rows.Close()

	var out []models.Resource
	for rows.Next() {
		res := models.Resource{Kind: kind}
		var editMode sql.NullString
		if err := rows.Scan(
			&res.ID, &res.GroupID, &res.CreatedBy, &editMode, &res.UpdatedBy, &res.UpdatedAt,
			&res.Title, &res.Data, &res.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", kind, err)
		}
		if editMode.Valid {
			m := models.EditMode(editMode.String)
			res.EditMode = &m
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// UpdateResource commits the payload together with the server-stamped audit
// fields, guarded by an envelope compare in the WHERE clause. Zero rows
// affected means either the row vanished or the envelope moved under us;
// which one decides between ErrNotFound and ErrStaleEnvelope.
func (db *PostgresDatabase) UpdateResource(res *models.Resource, expected models.Envelope) error {
	if !res.Kind.Valid() {
		return fmt.Errorf("update resource: unknown kind %q", res.Kind)
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET title = $1, data = $2, edit_mode = $3, updated_by = $4, updated_at = $5
		WHERE id = $6
		  AND group_id = $7
		  AND created_by = $8
		  AND edit_mode IS NOT DISTINCT FROM $9
		  AND COALESCE(updated_by,'') = $10
		  AND updated_at = $11
	`, res.Kind.Table())
	result, err := db.db.Exec(query,
		res.Title, res.Data, res.EditMode, res.UpdatedBy, res.UpdatedAt,
		res.ID, expected.GroupID, expected.CreatedBy, expected.EditMode,
		expected.UpdatedBy, expected.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", res.Kind, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return db.staleOrMissing(res.Kind, res.ID)
	}
	return nil
}

func (db *PostgresDatabase) DeleteResource(kind models.ResourceKind, id string, expected models.Envelope) error {
	if !kind.Valid() {
		return fmt.Errorf("delete resource: unknown kind %q", kind)
	}
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = $1
		  AND group_id = $2
		  AND created_by = $3
		  AND edit_mode IS NOT DISTINCT FROM $4
		  AND COALESCE(updated_by,'') = $5
		  AND updated_at = $6
	`, kind.Table())
	result, err := db.db.Exec(query,
		id, expected.GroupID, expected.CreatedBy, expected.EditMode,
		expected.UpdatedBy, expected.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return db.staleOrMissing(kind, id)
	}
	return nil
}

func (db *PostgresDatabase) staleOrMissing(kind models.ResourceKind, id string) error {
	var one int
	err := db.db.QueryRow(fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, kind.Table()), id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", kind, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to recheck %s: %w", kind, err)
	}
	return authz.ErrStaleEnvelope
}

// ==== invitations ====

func (db *PostgresDatabase) CreateInvitation(inv *models.GroupInvitation) error {
	query := `
		INSERT INTO group_invitations (group_id, email, inviter_id, token, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		RETURNING id, created_at, updated_at
	`
	err := db.db.QueryRow(query,
		inv.GroupID, inv.Email, inv.InviterID, inv.Token, inv.Status, inv.ExpiresAt,
	).Scan(&inv.ID, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) GetInvitationByToken(token string) (*models.GroupInvitation, error) {
	query := `
		SELECT id, group_id, email, inviter_id, token, status, expires_at, accepted_by, created_at, updated_at
		FROM group_invitations
		WHERE token = $1
	`
	var inv models.GroupInvitation
	err := db.db.QueryRow(query, token).Scan(
		&inv.ID, &inv.GroupID, &inv.Email, &inv.InviterID, &inv.Token, &inv.Status,
		&inv.ExpiresAt, &inv.AcceptedBy, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("get invitation: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get invitation: %w", err)
	}
	return &inv, nil
}

func (db *PostgresDatabase) ListInvitationsByEmail(email string) ([]models.GroupInvitation, error) {
	query := `
		SELECT id, group_id, email, inviter_id, token, status, expires_at, accepted_by, created_at, updated_at
		FROM group_invitations
		WHERE email = $1
		ORDER BY created_at DESC
	`
	rows, err := db.db.Query(query, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var out []models.GroupInvitation
	for rows.Next() {
		var inv models.GroupInvitation
		if err := rows.Scan(
			&inv.ID, &inv.GroupID, &inv.Email, &inv.InviterID, &inv.Token, &inv.Status,
			&inv.ExpiresAt, &inv.AcceptedBy, &inv.CreatedAt, &inv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invitation: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (db *PostgresDatabase) UpdateInvitation(inv *models.GroupInvitation) error {
	query := `
		UPDATE group_invitations
		SET status = $1, accepted_by = $2, updated_at = NOW()
		WHERE id = $3
		RETURNING updated_at
	`
	err := db.db.QueryRow(query, inv.Status, inv.AcceptedBy, inv.ID).Scan(&inv.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("update invitation: %w", ErrNotFound)
		}
		return fmt.Errorf("failed to update invitation: %w", err)
	}
	return nil
}

func (db *PostgresDatabase) HealthCheck() error {
	return db.db.Ping()
}

func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}
