package pg

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tenauth.org/internal/authz"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"

	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// Store backs the authorization engine with Postgres. Optimistic versioning
// is enforced in SQL: updates are conditional on the version column, and the
// single-active-assignment invariant rides on a partial unique index.
type Store struct {
	db *sql.DB
}

var _ authz.Store = (*Store)(nil)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity for readiness checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Roles(ctx context.Context) authz.RoleStore             { return &pgRoles{db: s.db} }
func (s *Store) Policies(ctx context.Context) authz.PolicyStore        { return &pgPolicies{db: s.db} }
func (s *Store) Assignments(ctx context.Context) authz.AssignmentStore { return &pgAssignments{db: s.db} }

// --- helpers ---

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func encodeCursor(last string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(last))
}

func decodeCursor(cursor string) string {
	if cursor == "" {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return ""
	}
	return string(raw)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxPageLimit {
		return defaultPageLimit
	}
	return limit
}

// disambiguate resolves a conditional update that touched zero rows: the
// record either is gone (not found) or moved past the expected version.
func disambiguate(ctx context.Context, db *sql.DB, table, tenantID, id string) error {
	var one int
	err := db.QueryRowContext(ctx, `select 1 from `+table+` where tenant_id = $1 and id = $2`, tenantID, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.ErrNotFound
	}
	if err != nil {
		return err
	}
	return authz.ErrConflict
}
