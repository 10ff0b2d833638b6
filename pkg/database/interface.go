package database

import (
	"context"
	"errors"
	"fmt"
	"os"

	"family-hub-backend/pkg/models"
)

// Storage-level sentinel errors. Implementations wrap driver errors with
// these so callers can branch without string matching.
var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicateMembership = errors.New("user is already a member of this group")
)

// DatabaseInterface defines the storage operations the handlers and the
// enforcement guard need. All three implementations (Postgres, Supabase
// PostgREST, in-memory) satisfy it.
type DatabaseInterface interface {
	// Users
	CreateUser(user *models.User) error
	GetUserByEmail(email string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	UpdateUser(user *models.User) error

	// Groups
	CreateGroup(g *models.Group) error // also inserts the owner membership atomically
	GetGroup(groupID string) (*models.Group, error)
	UpdateGroup(g *models.Group) error
	// DeleteGroup removes the group, all its memberships and all governed
	// resources of every kind as one atomic unit. A partial cascade must
	// never be observable.
	DeleteGroup(groupID string) error
	ListUserGroups(userID string) ([]models.Group, error)

	// Memberships
	// RoleOf is the membership directory read (authz.Directory). It must
	// reflect the authoritative store at call time; no caching.
	RoleOf(ctx context.Context, groupID, userID string) (models.Role, bool, error)
	AddGroupMember(m *models.GroupMembership) error
	GetMembership(groupID, userID string) (*models.GroupMembership, error)
	ListGroupMembers(groupID string) ([]models.GroupMembership, error)
	UpdateMembershipRole(groupID, userID string, role models.Role) error
	RemoveGroupMember(groupID, userID string) error
	CountGroupOwners(groupID string) (int, error)

	// Governed resources, parameterized by kind
	CreateResource(res *models.Resource) error
	GetResource(kind models.ResourceKind, id string) (*models.Resource, error)
	ListResourcesByGroup(kind models.ResourceKind, groupID string) ([]models.Resource, error)
	// UpdateResource writes the payload and envelope together, but only if
	// the stored envelope still equals expected (compare-and-set against the
	// envelope read at decision time). Mismatch returns authz.ErrStaleEnvelope.
	UpdateResource(res *models.Resource, expected models.Envelope) error
	// DeleteResource permanently removes the row under the same
	// compare-and-set; there is no soft delete or recovery.
	DeleteResource(kind models.ResourceKind, id string, expected models.Envelope) error

	// Invitations
	CreateInvitation(inv *models.GroupInvitation) error
	GetInvitationByToken(token string) (*models.GroupInvitation, error)
	ListInvitationsByEmail(email string) ([]models.GroupInvitation, error)
	UpdateInvitation(inv *models.GroupInvitation) error

	HealthCheck() error
	Close() error
}

// DatabaseConfig selects and configures a storage backend.
type DatabaseConfig struct {
	PostgresDSN string
	SupabaseURL string
	SupabaseKey string
	UseLocalDB  bool
	Debug       bool
}

// NewDatabase picks an implementation from the configuration. Serverless
// deployments prefer the Supabase REST client (avoids IPv6 socket issues on
// Lambda-style runtimes); everywhere else direct Postgres wins.
func NewDatabase(config DatabaseConfig) DatabaseInterface {
	if isServerlessEnvironment() {
		if config.SupabaseURL != "" && config.SupabaseKey != "" {
			return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey)
		}
		if config.PostgresDSN != "" {
			return NewPostgresDatabase(config.PostgresDSN)
		}
		panic("no valid database configured for serverless environment: set SUPABASE_URL+SUPABASE_SERVICE_KEY or POSTGRES_DSN")
	}

	if config.PostgresDSN != "" {
		return NewPostgresDatabase(config.PostgresDSN)
	}
	if config.SupabaseURL != "" && config.SupabaseKey != "" {
		return NewSupabaseDatabase(config.SupabaseURL, config.SupabaseKey)
	}
	if config.UseLocalDB {
		return NewLocalDatabase()
	}
	panic(fmt.Sprintf("no valid database configuration found: set POSTGRES_DSN or SUPABASE_URL+SUPABASE_SERVICE_KEY (config=%+v)", redacted(config)))
}

func redacted(c DatabaseConfig) DatabaseConfig {
	if c.SupabaseKey != "" {
		c.SupabaseKey = "***"
	}
	if c.PostgresDSN != "" {
		c.PostgresDSN = "***"
	}
	return c
}

func isServerlessEnvironment() bool {
	return os.Getenv("VERCEL_ENV") != "" || os.Getenv("VERCEL_URL") != "" ||
		os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != ""
}
