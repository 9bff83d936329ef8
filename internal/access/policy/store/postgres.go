// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Crystal Contributors

package store

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/crystalchat/crystal/internal/access/policy/types"
)

// NotifyChannel is the LISTEN/NOTIFY channel mutations announce on. The
// payload is the affected server ID.
const NotifyChannel = "grants_changed"

// Reorder retry defaults.
const (
	defaultReorderRetryBase = 20 * time.Millisecond
	defaultReorderRetries   = 5
)

// poolIface is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore implements GrantStore on PostgreSQL.
type PostgresStore struct {
	pool         poolIface
	reorderRetry func() retry.Backoff
}

var _ GrantStore = (*PostgresStore)(nil)

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithReorderBackoff overrides the backoff used when a reorder loses a
// serialization race.
func WithReorderBackoff(fn func() retry.Backoff) PostgresOption {
	return func(s *PostgresStore) { s.reorderRetry = fn }
}

// NewPostgresStore creates a PostgresStore backed by the given pool.
func NewPostgresStore(pool poolIface, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{
		pool: pool,
		reorderRetry: func() retry.Backoff {
			return retry.WithMaxRetries(defaultReorderRetries, retry.NewExponential(defaultReorderRetryBase))
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inServerTx runs fn in a transaction holding the server row lock, then
// announces the change. Holding the lock serializes every position-changing
// mutation of one server while leaving other servers untouched.
func (s *PostgresStore) inServerTx(ctx context.Context, serverID, op string, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", op).With("server_id", serverID).Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM servers WHERE id = $1 FOR UPDATE`, serverID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return oops.Code(CodeServerNotFound).With("server_id", serverID).Errorf("server not found")
	}
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", op).With("server_id", serverID).Wrap(err)
	}

	if err := fn(tx); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, serverID); err != nil {
		return oops.Code(CodeStoreFailed).With("operation", op).With("step", "notify").Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code(CodeStoreFailed).With("operation", op).With("step", "commit").Wrap(err)
	}
	return nil
}

// EnsureServer creates the server and its baseline role if missing.
func (s *PostgresStore) EnsureServer(ctx context.Context, serverID, ownerProfileID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "ensure server").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	tag, err := tx.Exec(ctx,
		`INSERT INTO servers (id, owner_profile_id) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		serverID, ownerProfileID)
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "ensure server").With("server_id", serverID).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO roles (id, server_id, name, position) VALUES ($1, $2, $3, 0)`,
		ulid.Make().String(), serverID, BaselineRoleName)
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "create baseline role").With("server_id", serverID).Wrap(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "ensure server").With("step", "commit").Wrap(err)
	}
	return nil
}

// AddMember creates a membership for profileID.
func (s *PostgresStore) AddMember(ctx context.Context, serverID, profileID string, legacy types.LegacyRole) (*Member, error) {
	if !legacy.Valid() {
		return nil, oops.Code("INVALID_LEGACY_ROLE").With("legacy_role", legacy).Errorf("unknown legacy role")
	}
	m := &Member{ID: ulid.Make().String(), ServerID: serverID, ProfileID: profileID, LegacyRole: legacy}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO members (id, server_id, profile_id, legacy_role)
		VALUES ($1, $2, $3, $4)
		RETURNING joined_at
	`, m.ID, serverID, profileID, string(legacy)).Scan(&m.JoinedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.UniqueViolation:
				return nil, oops.Code(CodeMemberAlreadyExists).
					With("server_id", serverID).With("profile_id", profileID).
					Errorf("profile is already a member")
			case pgerrcode.ForeignKeyViolation:
				return nil, oops.Code(CodeServerNotFound).With("server_id", serverID).Errorf("server not found")
			}
		}
		return nil, oops.Code(CodeStoreFailed).With("operation", "add member").With("server_id", serverID).Wrap(err)
	}
	return m, nil
}

// RemoveMember deletes the membership; assignments and overrides cascade.
func (s *PostgresStore) RemoveMember(ctx context.Context, serverID, memberID string) error {
	return s.inServerTx(ctx, serverID, "remove member", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM members WHERE server_id = $1 AND id = $2`, serverID, memberID)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "remove member").Wrap(err)
		}
		if tag.RowsAffected() == 0 {
			return memberNotFound(serverID, memberID)
		}
		return nil
	})
}

// RegisterTarget records a channel or category as belonging to the server.
// Registering a target another server already owns fails with
// SCOPE_TARGET_INVALID.
func (s *PostgresStore) RegisterTarget(ctx context.Context, serverID string, scope types.Scope, targetID string) error {
	if scope == types.ScopeServer || !scope.Valid() || targetID == "" {
		return oops.Code(CodeScopeTargetInvalid).With("scope", scope).With("target_id", targetID).
			Errorf("only channel and category targets can be registered")
	}
	var owner string
	err := s.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO scope_targets (scope, target_id, server_id) VALUES ($1, $2, $3)
			ON CONFLICT (scope, target_id) DO NOTHING
			RETURNING server_id
		)
		SELECT server_id FROM ins
		UNION ALL
		SELECT server_id FROM scope_targets WHERE scope = $1 AND target_id = $2
		LIMIT 1
	`, string(scope), targetID, serverID).Scan(&owner)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return oops.Code(CodeServerNotFound).With("server_id", serverID).Errorf("server not found")
		}
		return oops.Code(CodeStoreFailed).With("operation", "register target").With("target_id", targetID).Wrap(err)
	}
	if owner != serverID {
		return targetTaken(serverID, scope, targetID)
	}
	return nil
}

// Snapshot reads the member's roles, grants and live overrides inside one
// read-only repeatable-read transaction so the parts agree with each other.
func (s *PostgresStore) Snapshot(ctx context.Context, serverID, memberID string) (types.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return types.Snapshot{}, oops.Code(CodeStoreFailed).With("operation", "snapshot").Wrap(err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // read-only transaction

	snap := types.Snapshot{
		ServerID:  serverID,
		MemberID:  memberID,
		Roles:     []types.RoleGrants{},
		Overrides: []types.Override{},
	}
	var legacy string
	err = tx.QueryRow(ctx, `
		SELECT m.legacy_role, m.profile_id = s.owner_profile_id, now()
		FROM members m JOIN servers s ON s.id = m.server_id
		WHERE m.server_id = $1 AND m.id = $2
	`, serverID, memberID).Scan(&legacy, &snap.IsOwner, &snap.FetchedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Snapshot{}, memberNotFound(serverID, memberID)
	}
	if err != nil {
		return types.Snapshot{}, oops.Code(CodeStoreFailed).With("operation", "snapshot member").Wrap(err)
	}
	snap.LegacyRole = types.LegacyRole(legacy)

	if snap.Roles, err = readRoles(ctx, tx, serverID, memberID); err != nil {
		return types.Snapshot{}, err
	}
	if snap.Overrides, err = readOverrides(ctx, tx, memberID); err != nil {
		return types.Snapshot{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.Snapshot{}, oops.Code(CodeStoreFailed).With("operation", "snapshot").With("step", "commit").Wrap(err)
	}
	return snap, nil
}

func readRoles(ctx context.Context, tx pgx.Tx, serverID, memberID string) ([]types.RoleGrants, error) {
	rows, err := tx.Query(ctx, `
		SELECT r.id, r.name, r.position,
		       COALESCE(g.permission, ''), COALESCE(g.grant_type, ''), COALESCE(g.scope, ''), COALESCE(g.target_id, '')
		FROM roles r
		LEFT JOIN role_grants g ON g.role_id = r.id
		WHERE r.server_id = $1
		  AND (r.position = 0 OR r.id IN (SELECT role_id FROM member_roles WHERE member_id = $2))
		ORDER BY r.position DESC, g.ordinal
	`, serverID, memberID)
	if err != nil {
		return nil, oops.Code(CodeStoreFailed).With("operation", "snapshot roles").Wrap(err)
	}
	defer rows.Close()

	roles := []types.RoleGrants{}
	for rows.Next() {
		var (
			id, name                             string
			position                             int
			permission, grantType, scope, target string
		)
		if err := rows.Scan(&id, &name, &position, &permission, &grantType, &scope, &target); err != nil {
			return nil, oops.Code(CodeStoreFailed).With("operation", "scan role row").Wrap(err)
		}
		if len(roles) == 0 || roles[len(roles)-1].ID != id {
			roles = append(roles, types.RoleGrants{ID: id, Name: name, Position: position, Grants: []types.Grant{}})
		}
		if permission == "" {
			continue
		}
		last := &roles[len(roles)-1]
		last.Grants = append(last.Grants, scanGrant(permission, grantType, scope, target))
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code(CodeStoreFailed).With("operation", "iterate role rows").Wrap(err)
	}
	return roles, nil
}

func readOverrides(ctx context.Context, tx pgx.Tx, memberID string) ([]types.Override, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, permission, grant_type, scope, COALESCE(target_id, ''), assigned_by, reason, expires_at, created_at
		FROM member_overrides
		WHERE member_id = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at
	`, memberID)
	if err != nil {
		return nil, oops.Code(CodeStoreFailed).With("operation", "snapshot overrides").Wrap(err)
	}
	defer rows.Close()

	overrides := []types.Override{}
	for rows.Next() {
		o := types.Override{MemberID: memberID}
		var permission, grantType, scope string
		if err := rows.Scan(&o.ID, &permission, &grantType, &scope, &o.Grant.TargetID,
			&o.AssignedBy, &o.Reason, &o.ExpiresAt, &o.CreatedAt); err != nil {
			return nil, oops.Code(CodeStoreFailed).With("operation", "scan override row").Wrap(err)
		}
		o.Grant.Permission = types.Permission(permission)
		o.Grant.Type = types.GrantType(grantType)
		o.Grant.Scope = types.Scope(scope)
		overrides = append(overrides, o)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code(CodeStoreFailed).With("operation", "iterate override rows").Wrap(err)
	}
	return overrides, nil
}

// RolePosition returns the role's current position.
func (s *PostgresStore) RolePosition(ctx context.Context, serverID, roleID string) (int, error) {
	var position int
	err := s.pool.QueryRow(ctx,
		`SELECT position FROM roles WHERE server_id = $1 AND id = $2`, serverID, roleID).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, roleNotFound(serverID, roleID)
	}
	if err != nil {
		return 0, oops.Code(CodeStoreFailed).With("operation", "role position").With("role_id", roleID).Wrap(err)
	}
	return position, nil
}

// ListRoles returns the server's roles with grants, highest first.
func (s *PostgresStore) ListRoles(ctx context.Context, serverID string) ([]*Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.name, r.color, r.position, r.hoisted, r.mentionable, r.created_at,
		       COALESCE(g.permission, ''), COALESCE(g.grant_type, ''), COALESCE(g.scope, ''), COALESCE(g.target_id, '')
		FROM roles r
		LEFT JOIN role_grants g ON g.role_id = r.id
		WHERE r.server_id = $1
		ORDER BY r.position DESC, g.ordinal
	`, serverID)
	if err != nil {
		return nil, oops.Code(CodeStoreFailed).With("operation", "list roles").With("server_id", serverID).Wrap(err)
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r := &Role{ServerID: serverID, Grants: []types.Grant{}}
		var permission, grantType, scope, target string
		if err := rows.Scan(&r.ID, &r.Name, &r.Color, &r.Position, &r.Hoisted, &r.Mentionable, &r.CreatedAt,
			&permission, &grantType, &scope, &target); err != nil {
			return nil, oops.Code(CodeStoreFailed).With("operation", "scan role row").Wrap(err)
		}
		if len(roles) == 0 || roles[len(roles)-1].ID != r.ID {
			roles = append(roles, r)
		}
		if permission != "" {
			last := roles[len(roles)-1]
			last.Grants = append(last.Grants, scanGrant(permission, grantType, scope, target))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code(CodeStoreFailed).With("operation", "iterate role rows").Wrap(err)
	}
	return roles, nil
}

// CreateRole appends a role one above the current highest position.
func (s *PostgresStore) CreateRole(ctx context.Context, serverID string, spec RoleSpec) (*Role, error) {
	r := &Role{
		ID:          ulid.Make().String(),
		ServerID:    serverID,
		Name:        spec.Name,
		Color:       spec.Color,
		Hoisted:     spec.Hoisted,
		Mentionable: spec.Mentionable,
		Grants:      []types.Grant{},
	}
	err := s.inServerTx(ctx, serverID, "create role", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO roles (id, server_id, name, color, position, hoisted, mentionable)
			SELECT $1, $2, $3, $4, COALESCE(MAX(position), 0) + 1, $5, $6
			FROM roles WHERE server_id = $2
			RETURNING position, created_at
		`, r.ID, serverID, r.Name, r.Color, r.Hoisted, r.Mentionable).Scan(&r.Position, &r.CreatedAt)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "create role").With("server_id", serverID).Wrap(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// DeleteRole removes the role; grants and assignments cascade. The roles
// above it move down one place so positions stay 1..n.
func (s *PostgresStore) DeleteRole(ctx context.Context, serverID, roleID string) error {
	return s.inServerTx(ctx, serverID, "delete role", func(tx pgx.Tx) error {
		if err := checkNotBaseline(ctx, tx, serverID, roleID); err != nil {
			return err
		}
		var position int
		err := tx.QueryRow(ctx,
			`DELETE FROM roles WHERE server_id = $1 AND id = $2 RETURNING position`, serverID, roleID,
		).Scan(&position)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "delete role").With("role_id", roleID).Wrap(err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE roles SET position = position - 1 WHERE server_id = $1 AND position > $2`, serverID, position)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "compact positions").With("server_id", serverID).Wrap(err)
		}
		return nil
	})
}

// ReorderRoles renumbers every non-baseline role to 1..n in one statement.
func (s *PostgresStore) ReorderRoles(ctx context.Context, serverID string, orderedIDs []string, opts ...ReorderOption) error {
	return s.reorder(ctx, serverID, orderedIDs, newReorderOptions(opts), func(current []string) ([]string, error) {
		if err := applyOrder(current, orderedIDs); err != nil {
			return nil, err
		}
		return orderedIDs, nil
	})
}

// MoveRole places roleID at position (1..n, clamped) and renumbers the rest.
func (s *PostgresStore) MoveRole(ctx context.Context, serverID, roleID string, position int, opts ...ReorderOption) error {
	return s.reorder(ctx, serverID, []string{roleID}, newReorderOptions(opts), func(current []string) ([]string, error) {
		return moveInOrder(current, roleID, position)
	})
}

// reorder computes the new order from the locked current one and applies it,
// retrying when the transaction loses a serialization or deadlock race.
func (s *PostgresStore) reorder(ctx context.Context, serverID string, touched []string, o reorderOptions, plan func(current []string) ([]string, error)) error {
	err := retry.Do(ctx, s.reorderRetry(), func(ctx context.Context) error {
		err := s.inServerTx(ctx, serverID, "reorder roles", func(tx pgx.Tx) error {
			current, baselineID, err := currentOrder(ctx, tx, serverID)
			if err != nil {
				return err
			}
			if slices.Contains(touched, baselineID) {
				return baselineImmutable(serverID, baselineID)
			}
			ordered, err := plan(current)
			if err != nil {
				return oops.With("server_id", serverID).Wrap(err)
			}
			if o.actorID != "" {
				owner, held, err := actorRolesTx(ctx, tx, serverID, o.actorID)
				if err != nil {
					return err
				}
				if !owner {
					if err := checkCeiling(serverID, o.actorID, current, ordered, held); err != nil {
						return err
					}
				}
			}
			_, err = tx.Exec(ctx, `
				UPDATE roles r SET position = o.ord
				FROM unnest($2::text[]) WITH ORDINALITY AS o(id, ord)
				WHERE r.server_id = $1 AND r.id = o.id
			`, serverID, ordered)
			if err != nil {
				return oops.Code(CodeStoreFailed).With("operation", "renumber roles").With("server_id", serverID).Wrap(err)
			}
			return nil
		})
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if isRetryable(err) {
		return oops.Code(CodeReorderRetryExhausted).With("server_id", serverID).
			Errorf("role reorder kept conflicting with concurrent writers: %v", err)
	}
	return err
}

// currentOrder returns non-baseline role IDs lowest first plus the baseline ID.
func currentOrder(ctx context.Context, tx pgx.Tx, serverID string) ([]string, string, error) {
	rows, err := tx.Query(ctx, `SELECT id, position FROM roles WHERE server_id = $1 ORDER BY position`, serverID)
	if err != nil {
		return nil, "", oops.Code(CodeStoreFailed).With("operation", "read role order").Wrap(err)
	}
	defer rows.Close()

	var (
		ids        []string
		baselineID string
	)
	for rows.Next() {
		var id string
		var position int
		if err := rows.Scan(&id, &position); err != nil {
			return nil, "", oops.Code(CodeStoreFailed).With("operation", "scan role order").Wrap(err)
		}
		if position == types.BaselinePosition {
			baselineID = id
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, "", oops.Code(CodeStoreFailed).With("operation", "iterate role order").Wrap(err)
	}
	return ids, baselineID, nil
}

// SetRoleGrants replaces the role's grants wholesale.
func (s *PostgresStore) SetRoleGrants(ctx context.Context, serverID, roleID string, grants []types.Grant) error {
	if err := validateGrants(grants); err != nil {
		return err
	}
	return s.inServerTx(ctx, serverID, "set role grants", func(tx pgx.Tx) error {
		if _, err := rolePositionTx(ctx, tx, serverID, roleID); err != nil {
			return err
		}
		for _, g := range grants {
			if err := checkTargetTx(ctx, tx, serverID, g); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_grants WHERE role_id = $1`, roleID); err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "clear role grants").With("role_id", roleID).Wrap(err)
		}
		for i, g := range grants {
			_, err := tx.Exec(ctx, `
				INSERT INTO role_grants (role_id, ordinal, permission, grant_type, scope, target_id)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, roleID, i, string(g.Permission), string(g.Type), string(g.Scope), nullable(g.TargetID))
			if err != nil {
				return oops.Code(CodeStoreFailed).With("operation", "insert role grant").With("role_id", roleID).Wrap(err)
			}
		}
		return nil
	})
}

// AssignRole gives memberID the role. Already holding it is a no-op.
func (s *PostgresStore) AssignRole(ctx context.Context, serverID, memberID, roleID string) error {
	return s.inServerTx(ctx, serverID, "assign role", func(tx pgx.Tx) error {
		position, err := memberRoleTx(ctx, tx, serverID, memberID, roleID)
		if err != nil {
			return err
		}
		if position == types.BaselinePosition {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO member_roles (member_id, role_id) VALUES ($1, $2)
			ON CONFLICT (member_id, role_id) DO NOTHING
		`, memberID, roleID)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "assign role").With("role_id", roleID).Wrap(err)
		}
		return nil
	})
}

// RevokeRole takes the role from memberID. Not holding it is a no-op.
func (s *PostgresStore) RevokeRole(ctx context.Context, serverID, memberID, roleID string) error {
	return s.inServerTx(ctx, serverID, "revoke role", func(tx pgx.Tx) error {
		if _, err := memberRoleTx(ctx, tx, serverID, memberID, roleID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM member_roles WHERE member_id = $1 AND role_id = $2`, memberID, roleID)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "revoke role").With("role_id", roleID).Wrap(err)
		}
		return nil
	})
}

// SetOverride deletes any override with the same key and inserts o as a
// fresh record.
func (s *PostgresStore) SetOverride(ctx context.Context, serverID string, o types.Override) (types.Override, error) {
	if err := o.Grant.Validate(); err != nil {
		return types.Override{}, err
	}
	o.ID = ulid.Make().String()
	err := s.inServerTx(ctx, serverID, "set override", func(tx pgx.Tx) error {
		if err := memberExistsTx(ctx, tx, serverID, o.MemberID); err != nil {
			return err
		}
		if err := checkTargetTx(ctx, tx, serverID, o.Grant); err != nil {
			return err
		}
		if err := deleteOverrideTx(ctx, tx, o.Key()); err != nil {
			return err
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO member_overrides (id, member_id, permission, grant_type, scope, target_id, assigned_by, reason, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at
		`, o.ID, o.MemberID, string(o.Grant.Permission), string(o.Grant.Type), string(o.Grant.Scope),
			nullable(o.Grant.TargetID), o.AssignedBy, o.Reason, o.ExpiresAt).Scan(&o.CreatedAt)
		if err != nil {
			return oops.Code(CodeStoreFailed).With("operation", "insert override").With("member_id", o.MemberID).Wrap(err)
		}
		return nil
	})
	if err != nil {
		return types.Override{}, err
	}
	return o, nil
}

// ClearOverride removes the override with key. A missing override is fine.
func (s *PostgresStore) ClearOverride(ctx context.Context, serverID string, key types.OverrideKey) error {
	return s.inServerTx(ctx, serverID, "clear override", func(tx pgx.Tx) error {
		if err := memberExistsTx(ctx, tx, serverID, key.MemberID); err != nil {
			return err
		}
		return deleteOverrideTx(ctx, tx, key)
	})
}

func deleteOverrideTx(ctx context.Context, tx pgx.Tx, key types.OverrideKey) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM member_overrides
		WHERE member_id = $1 AND permission = $2 AND scope = $3 AND COALESCE(target_id, '') = $4
	`, key.MemberID, string(key.Permission), string(key.Scope), key.TargetID)
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "delete override").With("member_id", key.MemberID).Wrap(err)
	}
	return nil
}

func rolePositionTx(ctx context.Context, tx pgx.Tx, serverID, roleID string) (int, error) {
	var position int
	err := tx.QueryRow(ctx, `SELECT position FROM roles WHERE server_id = $1 AND id = $2`, serverID, roleID).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, roleNotFound(serverID, roleID)
	}
	if err != nil {
		return 0, oops.Code(CodeStoreFailed).With("operation", "read role").With("role_id", roleID).Wrap(err)
	}
	return position, nil
}

// actorRolesTx reports whether memberID owns the server and which roles the
// member holds.
func actorRolesTx(ctx context.Context, tx pgx.Tx, serverID, memberID string) (bool, map[string]struct{}, error) {
	var (
		owner bool
		ids   []string
	)
	err := tx.QueryRow(ctx, `
		SELECT m.profile_id = s.owner_profile_id,
		       COALESCE(array_agg(mr.role_id) FILTER (WHERE mr.role_id IS NOT NULL), '{}')
		FROM members m
		JOIN servers s ON s.id = m.server_id
		LEFT JOIN member_roles mr ON mr.member_id = m.id
		WHERE m.server_id = $1 AND m.id = $2
		GROUP BY m.profile_id, s.owner_profile_id
	`, serverID, memberID).Scan(&owner, &ids)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, memberNotFound(serverID, memberID)
	}
	if err != nil {
		return false, nil, oops.Code(CodeStoreFailed).With("operation", "read member roles").With("member_id", memberID).Wrap(err)
	}
	held := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		held[id] = struct{}{}
	}
	return owner, held, nil
}

func checkNotBaseline(ctx context.Context, tx pgx.Tx, serverID, roleID string) error {
	position, err := rolePositionTx(ctx, tx, serverID, roleID)
	if err != nil {
		return err
	}
	if position == types.BaselinePosition {
		return baselineImmutable(serverID, roleID)
	}
	return nil
}

func memberExistsTx(ctx context.Context, tx pgx.Tx, serverID, memberID string) error {
	var found string
	err := tx.QueryRow(ctx, `SELECT id FROM members WHERE server_id = $1 AND id = $2`, serverID, memberID).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return memberNotFound(serverID, memberID)
	}
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "read member").With("member_id", memberID).Wrap(err)
	}
	return nil
}

// memberRoleTx checks both ends of an assignment and returns the role position.
func memberRoleTx(ctx context.Context, tx pgx.Tx, serverID, memberID, roleID string) (int, error) {
	if err := memberExistsTx(ctx, tx, serverID, memberID); err != nil {
		return 0, err
	}
	return rolePositionTx(ctx, tx, serverID, roleID)
}

func checkTargetTx(ctx context.Context, tx pgx.Tx, serverID string, g types.Grant) error {
	if g.Scope == types.ScopeServer {
		return nil
	}
	var owner string
	err := tx.QueryRow(ctx,
		`SELECT server_id FROM scope_targets WHERE scope = $1 AND target_id = $2`,
		string(g.Scope), g.TargetID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && owner != serverID) {
		return scopeTargetInvalid(serverID, g)
	}
	if err != nil {
		return oops.Code(CodeStoreFailed).With("operation", "check target").With("target_id", g.TargetID).Wrap(err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanGrant(permission, grantType, scope, target string) types.Grant {
	return types.Grant{
		Permission: types.Permission(permission),
		Type:       types.GrantType(grantType),
		Scope:      types.Scope(scope),
		TargetID:   target,
	}
}
