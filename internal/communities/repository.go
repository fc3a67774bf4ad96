package communities

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oarepo/oarepo-oidc-einfra/internal/platform/db"
	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

// ExternalIdentityMethod is the user_identities method for the
// directory binding. A user gets at most one such identity and only
// through an explicit first login or administrative import.
const ExternalIdentityMethod = "e-infra"

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Communities returns all local communities.
func (r *Repository) Communities(ctx context.Context) ([]Community, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug FROM communities ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Community
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.ID, &c.Slug); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommunityByID returns one community.
func (r *Repository) CommunityByID(ctx context.Context, id uuid.UUID) (Community, error) {
	var c Community
	err := r.pool.QueryRow(ctx, `SELECT id, slug FROM communities WHERE id=$1`, id).Scan(&c.ID, &c.Slug)
	if errors.Is(err, pgx.ErrNoRows) {
		return Community{}, fmt.Errorf("community %s: %w", id, shared.ErrNotFound)
	}
	return c, err
}

// SlugToID maps every community slug to its id.
func (r *Repository) SlugToID(ctx context.Context) (map[string]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, slug FROM communities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]uuid.UUID)
	for rows.Next() {
		var id uuid.UUID
		var slug string
		if err := rows.Scan(&id, &slug); err != nil {
			return nil, err
		}
		out[slug] = id
	}
	return out, rows.Err()
}

// EinfraUserMap maps external directory ids to local user ids for
// every user with a bound directory identity.
func (r *Repository) EinfraUserMap(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id FROM user_identities WHERE method=$1`, ExternalIdentityMethod)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var externalID string
		var userID int64
		if err := rows.Scan(&externalID, &userID); err != nil {
			return nil, err
		}
		if externalID != "" {
			out[externalID] = userID
		}
	}
	return out, rows.Err()
}

// EinfraIDForUser returns the directory id bound to a local user, or
// shared.ErrNotFound when the user never logged in through the
// directory.
func (r *Repository) EinfraIDForUser(ctx context.Context, userID int64) (string, error) {
	var externalID string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM user_identities WHERE user_id=$1 AND method=$2`,
		userID, ExternalIdentityMethod).Scan(&externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("user %d has no directory identity: %w", userID, shared.ErrNotFound)
	}
	return externalID, err
}

// UsersByIDs bulk-loads users.
func (r *Repository) UsersByIDs(ctx context.Context, ids []int64) ([]User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, email, full_name, affiliations, active FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.FullName, &u.Affiliations, &u.Active); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UserByID loads one user.
func (r *Repository) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, full_name, affiliations, active FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.FullName, &u.Affiliations, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, fmt.Errorf("user %d: %w", id, shared.ErrNotFound)
	}
	return u, err
}

// UpdateUserProfile writes back profile attributes taken over from the
// directory.
func (r *Repository) UpdateUserProfile(ctx context.Context, u User) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET email=$2, full_name=$3, affiliations=$4 WHERE id=$1`,
		u.ID, u.Email, u.FullName, u.Affiliations)
	return err
}

// MembershipsForUsers bulk-loads the active community roles of a set
// of users.
func (r *Repository) MembershipsForUsers(ctx context.Context, ids []int64) (map[int64]RoleSet, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT community_id, user_id, role FROM community_members WHERE user_id = ANY($1) AND active`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]RoleSet)
	for rows.Next() {
		var communityID uuid.UUID
		var userID int64
		var role string
		if err := rows.Scan(&communityID, &userID, &role); err != nil {
			return nil, err
		}
		if out[userID] == nil {
			out[userID] = make(RoleSet)
		}
		out[userID].Add(CommunityRole{CommunityID: communityID, Role: role})
	}
	return out, rows.Err()
}

// MembershipsForUser returns the active community roles of one user.
func (r *Repository) MembershipsForUser(ctx context.Context, userID int64) (RoleSet, error) {
	byUser, err := r.MembershipsForUsers(ctx, []int64{userID})
	if err != nil {
		return nil, err
	}
	if byUser[userID] == nil {
		return make(RoleSet), nil
	}
	return byUser[userID], nil
}

// AddMember inserts an active membership. A unique violation on
// (community, user) maps to shared.ErrAlreadyMember; the row it
// collides with is either an active membership invisible to the caller
// or a pending invitation.
func (r *Repository) AddMember(ctx context.Context, communityID uuid.UUID, userID int64, role string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO community_members (id, community_id, user_id, role, active)
		 VALUES ($1, $2, $3, $4, TRUE)`,
		uuid.New(), communityID, userID, role)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("community %s user %d: %w", communityID, userID, shared.ErrAlreadyMember)
		}
		return err
	}
	return nil
}

// UpdateMemberRole changes the role of an existing active membership.
func (r *Repository) UpdateMemberRole(ctx context.Context, communityID uuid.UUID, userID int64, role string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE community_members SET role=$3 WHERE community_id=$1 AND user_id=$2 AND active`,
		communityID, userID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("membership %s/%d: %w", communityID, userID, shared.ErrNotFound)
	}
	return nil
}

// RemoveMember deletes an active membership. Removing the last
// remaining member of a community is refused with
// shared.ErrLastMember; a community must never end up without a
// holder.
func (r *Repository) RemoveMember(ctx context.Context, communityID uuid.UUID, userID int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var total, mine int
		err := tx.QueryRow(ctx,
			`SELECT count(*), count(*) FILTER (WHERE user_id=$2)
			   FROM community_members WHERE community_id=$1 AND active`,
			communityID, userID).Scan(&total, &mine)
		if err != nil {
			return err
		}
		if mine == 0 {
			return fmt.Errorf("membership %s/%d: %w", communityID, userID, shared.ErrNotFound)
		}
		if total == 1 {
			return fmt.Errorf("community %s user %d: %w", communityID, userID, shared.ErrLastMember)
		}

		_, err = tx.Exec(ctx,
			`DELETE FROM community_members WHERE community_id=$1 AND user_id=$2 AND active`,
			communityID, userID)
		return err
	})
}

// PendingInvitations lists the pending (inactive) membership rows for
// exactly one (community, user) pair.
func (r *Repository) PendingInvitations(ctx context.Context, communityID uuid.UUID, userID int64) ([]Invitation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, community_id, user_id, role FROM community_members
		 WHERE community_id=$1 AND user_id=$2 AND NOT active`,
		communityID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invitation
	for rows.Next() {
		var inv Invitation
		if err := rows.Scan(&inv.ID, &inv.CommunityID, &inv.UserID, &inv.Role); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InvitationByID loads one pending invitation together with the
// community slug and the invited user's contact data.
func (r *Repository) InvitationByID(ctx context.Context, id uuid.UUID) (InvitationDetail, error) {
	var d InvitationDetail
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.community_id, m.user_id, m.role, c.slug, u.email, u.full_name
		   FROM community_members m
		   JOIN communities c ON c.id = m.community_id
		   JOIN users u ON u.id = m.user_id
		  WHERE m.id=$1 AND NOT m.active`,
		id).Scan(&d.ID, &d.CommunityID, &d.UserID, &d.Role, &d.Slug, &d.Email, &d.FullName)
	if errors.Is(err, pgx.ErrNoRows) {
		return InvitationDetail{}, fmt.Errorf("invitation %s: %w", id, shared.ErrNotFound)
	}
	return d, err
}

// AcceptInvitation turns a pending invitation into an active
// membership carrying the given role.
func (r *Repository) AcceptInvitation(ctx context.Context, invitationID uuid.UUID, role string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE community_members SET active=TRUE, role=$2 WHERE id=$1 AND NOT active`,
		invitationID, role)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("invitation %s: %w", invitationID, shared.ErrNotFound)
	}
	return nil
}
