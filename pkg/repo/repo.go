// Package repo is the Postgres-backed relational store: users and
// memberships for access resolution, tasks, messages, attachment rows.
package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"shiftflow/pkg/access"
)

// ErrNotFound is returned when a scoped row does not exist.
var ErrNotFound = errors.New("repo: not found")

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Repo struct {
	db DB
}

func New(db DB) *Repo {
	return &Repo{db: db}
}

// Ping checks the store is reachable.
func (r *Repo) Ping(ctx context.Context) error {
	var one int
	if err := r.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

const lookupByEmailSQL = `
	SELECT u.id::text, u.email, u.display_name, COALESCE(u.status, ''), COALESCE(u.external_subject, ''),
		COALESCE(m.id::text, ''), COALESCE(m.org_id::text, ''), COALESCE(m.role, ''), COALESCE(m.status, '')
	FROM users u
	LEFT JOIN memberships m ON m.user_id = u.id
	WHERE lower(u.email) = lower($1)
	ORDER BY (m.status = 'active') DESC NULLS LAST, m.created_at ASC NULLS LAST
	LIMIT 1`

// LookupByEmail returns the user with their preferred membership: an
// active one first, then the earliest created.
func (r *Repo) LookupByEmail(ctx context.Context, email string) (access.Entry, error) {
	var e access.Entry
	err := r.db.QueryRow(ctx, lookupByEmailSQL, strings.TrimSpace(email)).Scan(
		&e.UserID, &e.Email, &e.DisplayName, &e.UserStatus, &e.ExternalSubject,
		&e.MembershipID, &e.OrgID, &e.Role, &e.MembershipStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Entry{}, access.ErrNoUser
	}
	if err != nil {
		return access.Entry{}, fmt.Errorf("lookup user: %w", err)
	}
	return e, nil
}

// BindSubject records the external subject on a user that has none. An
// already bound user is left untouched.
func (r *Repo) BindSubject(ctx context.Context, userID, subject string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET external_subject=$2 WHERE id=$1::uuid AND external_subject IS NULL`,
		userID, subject)
	if err != nil {
		return fmt.Errorf("bind subject: %w", err)
	}
	return nil
}

type Member struct {
	MembershipID string    `json:"membershipId"`
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"displayName"`
	Role         string    `json:"role"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
}

const memberColumns = `m.id::text, u.id::text, u.email, u.display_name, m.role, COALESCE(m.status, 'pending'), m.created_at`

func (r *Repo) ListMembers(ctx context.Context, orgID string) ([]Member, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+memberColumns+`
		FROM memberships m JOIN users u ON u.id = m.user_id
		WHERE m.org_id = $1::uuid
		ORDER BY m.created_at ASC`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()
	items := []Member{}
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.MembershipID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return items, nil
}

// GetMember loads one membership within orgID.
func (r *Repo) GetMember(ctx context.Context, orgID, membershipID string) (Member, error) {
	var m Member
	err := r.db.QueryRow(ctx, `
		SELECT `+memberColumns+`
		FROM memberships m JOIN users u ON u.id = m.user_id
		WHERE m.id = $2::uuid AND m.org_id = $1::uuid`,
		orgID, membershipID,
	).Scan(&m.MembershipID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// UpdateMemberStatus sets the membership status within orgID.
func (r *Repo) UpdateMemberStatus(ctx context.Context, orgID, membershipID, status string) (Member, error) {
	var m Member
	err := r.db.QueryRow(ctx, `
		WITH updated AS (
			UPDATE memberships SET status=$3
			WHERE id=$2::uuid AND org_id=$1::uuid
			RETURNING id, user_id, role, status, created_at
		)
		SELECT `+memberColumns+`
		FROM updated m JOIN users u ON u.id = m.user_id`,
		orgID, membershipID, status,
	).Scan(&m.MembershipID, &m.UserID, &m.Email, &m.DisplayName, &m.Role, &m.Status, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Member{}, ErrNotFound
	}
	if err != nil {
		return Member{}, fmt.Errorf("update member status: %w", err)
	}
	return m, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
