package roles

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nirmitee/ehr-rbac/internal/platform/database"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var roleColumns = []string{
	"id::text", "name", "description", "scope_level", "COALESCE(org_id::text, '')",
	"is_system", "COALESCE(parent_role_id::text, '')", "permissions", "active",
	"created_at", "updated_at",
}

const assignmentColumns = `user_id, role_id::text, COALESCE(scope_ref_id::text, ''), granted_at, granted_by, expires_at`

// PostgresStore is the Store backed by the roles and role_assignments
// tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return database.WithTx(ctx, s.pool, func(ctx context.Context, q database.Querier) error {
		return fn(ctx, &pgTx{q: q})
	})
}

func (s *PostgresStore) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	return getRole(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListRoles(ctx context.Context, orgID string, f ListFilter) ([]rbac.Role, error) {
	var visible sq.Or
	if f.IncludeSystem {
		visible = append(visible, sq.Eq{"is_system": true})
	}
	if f.IncludeCustom && orgID != "" {
		visible = append(visible, sq.Expr("org_id::text = ?", orgID))
	}
	if len(visible) == 0 {
		return []rbac.Role{}, nil
	}

	q := psql.Select(roleColumns...).From("roles").Where(visible)
	if f.ScopeLevel != "" {
		q = q.Where(sq.Eq{"scope_level": string(f.ScopeLevel)})
	}
	if f.ActiveOnly {
		q = q.Where(sq.Eq{"active": true})
	}
	q = q.OrderBy("is_system DESC", "(parent_role_id IS NOT NULL) DESC", "name", "id")

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building role list query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	roles := []rbac.Role{}
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

func (s *PostgresStore) ListAssignmentsForUser(ctx context.Context, userID string, now time.Time) ([]rbac.Assignment, error) {
	return queryAssignments(ctx, s.pool,
		`SELECT `+assignmentColumns+` FROM role_assignments
		 WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		 ORDER BY granted_at, role_id`,
		userID, now)
}

func (s *PostgresStore) ListAssignmentsForRole(ctx context.Context, roleID string) ([]rbac.Assignment, error) {
	if uuid.Validate(roleID) != nil {
		return []rbac.Assignment{}, nil
	}
	return queryAssignments(ctx, s.pool,
		`SELECT `+assignmentColumns+` FROM role_assignments
		 WHERE role_id = $1
		 ORDER BY user_id, granted_at`,
		roleID)
}

func (s *PostgresStore) DeleteOrphanedAssignments(ctx context.Context) ([]rbac.Assignment, error) {
	return queryAssignments(ctx, s.pool,
		`DELETE FROM role_assignments a
		 WHERE a.scope_ref_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM organizations WHERE id = a.scope_ref_id)
		   AND NOT EXISTS (SELECT 1 FROM locations WHERE id = a.scope_ref_id)
		   AND NOT EXISTS (SELECT 1 FROM departments WHERE id = a.scope_ref_id)
		 RETURNING `+assignmentColumns)
}

const activeGrantsSQL = `
SELECT a.user_id, a.role_id::text, COALESCE(a.scope_ref_id::text, ''), a.granted_at, a.granted_by, a.expires_at,
       r.id::text, r.name, r.description, r.scope_level, COALESCE(r.org_id::text, ''), r.is_system,
       COALESCE(r.parent_role_id::text, ''), r.permissions, r.active, r.created_at, r.updated_at,
       CASE WHEN o.id IS NOT NULL THEN 'organization'
            WHEN l.id IS NOT NULL THEN 'location'
            WHEN d.id IS NOT NULL THEN 'department'
            ELSE '' END,
       COALESCE(o.id::text, l.org_id::text, d.org_id::text, ''),
       COALESCE(d.location_id::text, '')
FROM role_assignments a
JOIN roles r ON r.id = a.role_id
LEFT JOIN organizations o ON o.id = a.scope_ref_id
LEFT JOIN locations l ON l.id = a.scope_ref_id
LEFT JOIN departments d ON d.id = a.scope_ref_id
WHERE a.user_id = $1
  AND r.active
  AND (a.expires_at IS NULL OR a.expires_at > now())`

// ActiveGrants loads every live binding of userID with its role and scope
// path in one round trip.
func (s *PostgresStore) ActiveGrants(ctx context.Context, userID string) ([]rbac.Grant, error) {
	rows, err := s.pool.Query(ctx, activeGrantsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("loading grants: %w", err)
	}
	defer rows.Close()

	var grants []rbac.Grant
	for rows.Next() {
		var (
			g         rbac.Grant
			level     string
			refLevel  string
			permBytes []byte
		)
		err := rows.Scan(
			&g.Assignment.UserID, &g.Assignment.RoleID, &g.Assignment.ScopeRefID,
			&g.Assignment.GrantedAt, &g.Assignment.GrantedBy, &g.Assignment.ExpiresAt,
			&g.Role.ID, &g.Role.Name, &g.Role.Description, &level, &g.Role.OrgID, &g.Role.IsSystem,
			&g.Role.ParentRoleID, &permBytes, &g.Role.Active, &g.Role.CreatedAt, &g.Role.UpdatedAt,
			&refLevel, &g.Scope.OrgID, &g.Scope.LocationID,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		g.Role.ScopeLevel = rbac.ScopeLevel(level)
		if err := json.Unmarshal(permBytes, &g.Role.Permissions); err != nil {
			return nil, fmt.Errorf("unmarshaling permissions of role %s: %w", g.Role.ID, err)
		}
		if refLevel != "" {
			g.Scope.ID = g.Assignment.ScopeRefID
			g.Scope.Level = rbac.ScopeLevel(refLevel)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

type pgTx struct {
	q database.Querier
}

func (t *pgTx) GetRole(ctx context.Context, id string) (*rbac.Role, error) {
	return getRole(ctx, t.q, id, true)
}

func (t *pgTx) FindSystemRole(ctx context.Context, name string) (*rbac.Role, error) {
	sql, args, err := psql.Select(roleColumns...).From("roles").
		Where(sq.Eq{"is_system": true, "name": name}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building system role query: %w", err)
	}
	role, err := scanRole(t.q.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: system role %q", rbac.ErrNotFound, name)
	}
	return role, err
}

func (t *pgTx) InsertRole(ctx context.Context, role *rbac.Role) error {
	perms, err := marshalPermissions(role.Permissions)
	if err != nil {
		return err
	}
	_, err = t.q.Exec(ctx,
		`INSERT INTO roles (id, name, description, scope_level, org_id, is_system, parent_role_id, permissions, active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		role.ID, role.Name, role.Description, string(role.ScopeLevel), nullable(role.OrgID), role.IsSystem,
		nullable(role.ParentRoleID), perms, role.Active, role.CreatedAt, role.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%w: role %q already exists", rbac.ErrConflict, role.Name)
		}
		return fmt.Errorf("inserting role: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateRole(ctx context.Context, role *rbac.Role) error {
	perms, err := marshalPermissions(role.Permissions)
	if err != nil {
		return err
	}
	sql, args, err := psql.Update("roles").
		SetMap(map[string]any{
			"name":        role.Name,
			"description": role.Description,
			"permissions": perms,
			"active":      role.Active,
			"updated_at":  role.UpdatedAt,
		}).
		Where(sq.Eq{"id": role.ID, "is_system": false}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building role update: %w", err)
	}
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("updating role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, role.ID)
	}
	return nil
}

func (t *pgTx) DeleteRole(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM roles WHERE id = $1 AND NOT is_system`, id)
	if err != nil {
		return fmt.Errorf("deleting role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) AssignedUsers(ctx context.Context, roleID string, activeOnly bool, now time.Time) ([]string, error) {
	rows, err := t.q.Query(ctx,
		`SELECT DISTINCT user_id FROM role_assignments
		 WHERE role_id = $1 AND (NOT $2 OR expires_at IS NULL OR expires_at > $3)
		 ORDER BY user_id`,
		roleID, activeOnly, now)
	if err != nil {
		return nil, fmt.Errorf("listing assigned users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *pgTx) DeleteAssignmentsForRole(ctx context.Context, roleID string) ([]string, error) {
	rows, err := t.q.Query(ctx, `DELETE FROM role_assignments WHERE role_id = $1 RETURNING user_id`, roleID)
	if err != nil {
		return nil, fmt.Errorf("deleting role assignments: %w", err)
	}
	users, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("deleting role assignments: %w", err)
	}
	slices.Sort(users)
	return slices.Compact(users), nil
}

func (t *pgTx) InsertAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, bool, error) {
	stored, err := scanAssignment(t.q.QueryRow(ctx,
		`INSERT INTO role_assignments (user_id, role_id, scope_ref_id, granted_at, granted_by, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT ON CONSTRAINT role_assignments_unique DO NOTHING
		 RETURNING `+assignmentColumns,
		a.UserID, a.RoleID, nullable(a.ScopeRefID), a.GrantedAt, a.GrantedBy, a.ExpiresAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return rbac.Assignment{}, false, fmt.Errorf("inserting assignment: %w", err)
	}

	existing, err := scanAssignment(t.q.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM role_assignments
		 WHERE user_id = $1 AND role_id = $2 AND scope_ref_id IS NOT DISTINCT FROM $3::uuid`,
		a.UserID, a.RoleID, nullable(a.ScopeRefID),
	))
	if err != nil {
		return rbac.Assignment{}, false, fmt.Errorf("reading existing assignment: %w", err)
	}
	return existing, false, nil
}

func (t *pgTx) DeleteAssignment(ctx context.Context, key rbac.AssignmentKey) (bool, error) {
	if uuid.Validate(key.RoleID) != nil || (key.ScopeRefID != "" && uuid.Validate(key.ScopeRefID) != nil) {
		return false, nil
	}
	tag, err := t.q.Exec(ctx,
		`DELETE FROM role_assignments
		 WHERE user_id = $1 AND role_id = $2 AND scope_ref_id IS NOT DISTINCT FROM $3::uuid`,
		key.UserID, key.RoleID, nullable(key.ScopeRefID))
	if err != nil {
		return false, fmt.Errorf("deleting assignment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func getRole(ctx context.Context, q database.Querier, id string, forUpdate bool) (*rbac.Role, error) {
	if uuid.Validate(id) != nil {
		return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
	}
	b := psql.Select(roleColumns...).From("roles").Where(sq.Eq{"id": id})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building role query: %w", err)
	}
	role, err := scanRole(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: role %s", rbac.ErrNotFound, id)
		}
		return nil, err
	}
	return role, nil
}

func scanRole(row pgx.Row) (*rbac.Role, error) {
	var (
		role      rbac.Role
		level     string
		permBytes []byte
	)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &level, &role.OrgID,
		&role.IsSystem, &role.ParentRoleID, &permBytes, &role.Active, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning role: %w", err)
	}
	role.ScopeLevel = rbac.ScopeLevel(level)
	if err := json.Unmarshal(permBytes, &role.Permissions); err != nil {
		return nil, fmt.Errorf("unmarshaling permissions of role %s: %w", role.ID, err)
	}
	return &role, nil
}

func scanAssignment(row pgx.Row) (rbac.Assignment, error) {
	var a rbac.Assignment
	err := row.Scan(&a.UserID, &a.RoleID, &a.ScopeRefID, &a.GrantedAt, &a.GrantedBy, &a.ExpiresAt)
	return a, err
}

func queryAssignments(ctx context.Context, q database.Querier, sql string, args ...any) ([]rbac.Assignment, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	out := []rbac.Assignment{}
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func marshalPermissions(perms []rbac.Permission) ([]byte, error) {
	if perms == nil {
		perms = []rbac.Permission{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return nil, fmt.Errorf("marshaling permissions: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
