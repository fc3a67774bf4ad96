package communities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

// RepositoryPort defines the data access the membership service needs.
type RepositoryPort interface {
	MembershipsForUser(ctx context.Context, userID int64) (RoleSet, error)
	AddMember(ctx context.Context, communityID uuid.UUID, userID int64, role string) error
	UpdateMemberRole(ctx context.Context, communityID uuid.UUID, userID int64, role string) error
	RemoveMember(ctx context.Context, communityID uuid.UUID, userID int64) error
	PendingInvitations(ctx context.Context, communityID uuid.UUID, userID int64) ([]Invitation, error)
	AcceptInvitation(ctx context.Context, invitationID uuid.UUID, role string) error
}

// Service applies membership changes to the local store.
type Service struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// SetMembership reconciles a user's stored memberships towards the
// wanted role set. Grants are applied before revocations so the user's
// effective rights never drop below what they held when the pass
// started; a community that merely changes role is updated in place.
//
// Failures are isolated per community: each one is logged with full
// context and the remaining operations still run. A user that cannot
// be removed because they are the community's last member is expected
// and never retried.
func (s *Service) SetMembership(ctx context.Context, userID int64, want, current RoleSet) {
	add := want.Diff(current)
	remove := current.Diff(want)

	removeByCommunity := make(map[uuid.UUID]CommunityRole, len(remove))
	for r := range remove {
		removeByCommunity[r.CommunityID] = r
	}

	logger := s.logger.With(
		slog.Int64("user", userID),
		slog.Any("current_roles", current.Sorted()),
		slog.Any("new_roles", want.Sorted()))

	for _, r := range add.Sorted() {
		if _, roleChange := removeByCommunity[r.CommunityID]; roleChange {
			delete(removeByCommunity, r.CommunityID)
			if err := s.repo.UpdateMemberRole(ctx, r.CommunityID, userID, r.Role); err != nil {
				logger.Error("update membership role",
					slog.String("community", r.CommunityID.String()),
					slog.String("role", r.Role),
					slog.Any("error", err))
			}
			continue
		}
		if err := s.grant(ctx, userID, r); err != nil {
			logger.Error("grant membership",
				slog.String("community", r.CommunityID.String()),
				slog.String("role", r.Role),
				slog.Any("error", err))
		}
	}

	for _, r := range remove.Sorted() {
		cr, ok := removeByCommunity[r.CommunityID]
		if !ok || cr != r {
			continue
		}
		err := s.repo.RemoveMember(ctx, r.CommunityID, userID)
		switch {
		case errors.Is(err, shared.ErrLastMember):
			// Expected: the community cannot lose its only holder.
			logger.Error("user is the last member, keeping membership",
				slog.String("community", r.CommunityID.String()))
		case err != nil:
			logger.Error("revoke membership",
				slog.String("community", r.CommunityID.String()),
				slog.String("role", r.Role),
				slog.Any("error", err))
		}
	}
}

// RevokeAll removes every membership the user currently holds. Used
// when the authoritative directory no longer knows the user.
func (s *Service) RevokeAll(ctx context.Context, userID int64) error {
	current, err := s.repo.MembershipsForUser(ctx, userID)
	if err != nil {
		return err
	}
	s.SetMembership(ctx, userID, make(RoleSet), current)
	return nil
}

// grant creates a membership. When the insert collides with an
// existing row the cause is a pending invitation the user already
// accepted on the directory side: with exactly one pending invitation
// for this (community, user) pair it is accepted, which activates the
// membership. Zero or several matches is an ambiguous state that a
// human has to untangle; guessing here could hand out the wrong role.
func (s *Service) grant(ctx context.Context, userID int64, r CommunityRole) error {
	err := s.repo.AddMember(ctx, r.CommunityID, userID, r.Role)
	if !errors.Is(err, shared.ErrAlreadyMember) {
		return err
	}

	invitations, err := s.repo.PendingInvitations(ctx, r.CommunityID, userID)
	if err != nil {
		return err
	}
	if len(invitations) != 1 {
		return fmt.Errorf("%d pending invitations for community %s user %d: %w",
			len(invitations), r.CommunityID, userID, shared.ErrConflict)
	}
	return s.repo.AcceptInvitation(ctx, invitations[0].ID, r.Role)
}
