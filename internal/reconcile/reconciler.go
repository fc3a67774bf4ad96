// Package reconcile implements the two-directional reconciliation between
// the local community store and the external directory. Push
// provisions the directory objects a community needs; pull applies a
// directory dump back onto local memberships.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oarepo/oarepo-oidc-einfra/internal/communities"
	"github.com/oarepo/oarepo-oidc-einfra/internal/perun"
	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

// Store is the slice of the communities repository the reconciler
// reads from.
type Store interface {
	Communities(ctx context.Context) ([]communities.Community, error)
	CommunityByID(ctx context.Context, id uuid.UUID) (communities.Community, error)
	EinfraUserMap(ctx context.Context) (map[string]int64, error)
	EinfraIDForUser(ctx context.Context, userID int64) (string, error)
	UsersByIDs(ctx context.Context, ids []int64) ([]communities.User, error)
	MembershipsForUsers(ctx context.Context, ids []int64) (map[int64]communities.RoleSet, error)
	UpdateUserProfile(ctx context.Context, u communities.User) error
	InvitationByID(ctx context.Context, id uuid.UUID) (communities.InvitationDetail, error)
}

// Membership applies local membership changes.
type Membership interface {
	SetMembership(ctx context.Context, userID int64, want, current communities.RoleSet)
	RevokeAll(ctx context.Context, userID int64) error
}

// Directory is the slice of the perun client the reconciler uses.
type Directory interface {
	EnsureGroup(ctx context.Context, name, description string, parentGroupID int64) (perun.Group, bool, error)
	EnsureResource(ctx context.Context, voID, facilityID int64, name, description string) (perun.Resource, bool, error)
	AssignGroupToResource(ctx context.Context, resourceID, groupID int64) error
	EnsureCapabilities(ctx context.Context, resourceID, attributeID int64, capabilities []string) error
	AttachService(ctx context.Context, resourceID, serviceID int64) error
	ResourceByCapability(ctx context.Context, voID, facilityID int64, capability string) (perun.Resource, error)
	ResourceGroups(ctx context.Context, resourceID int64) ([]perun.Group, error)
	UserByAttribute(ctx context.Context, attributeName, attributeValue string) (perun.DirectoryUser, error)
	AddUserToGroup(ctx context.Context, voID, userID, groupID int64) error
	RemoveUserFromGroup(ctx context.Context, voID, userID, groupID int64) error
	SendInvitation(ctx context.Context, inv perun.InvitationRequest) (perun.InvitationResponse, error)
}

// Config carries the directory-side identifiers of this deployment.
type Config struct {
	VoID               int64
	FacilityID         int64
	CommunitiesGroupID int64
	CapabilitiesAttrID int64
	SyncServiceID      int64
	UserSearchAttr     string
	InvitationLanguage string
	InvitationRedirect string
	ChunkSize          int
	SyncConcurrency    int
}

// Reconciler is the diff/apply engine for both directions.
type Reconciler struct {
	store      Store
	membership Membership
	directory  Directory
	priorities communities.RolePriorities
	cfg        Config
	logger     *slog.Logger
}

// NewReconciler wires the engine's collaborators. Everything is an
// explicit dependency; there are no ambient globals.
func NewReconciler(store Store, membership Membership, directory Directory, priorities communities.RolePriorities, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.SyncConcurrency <= 0 {
		cfg.SyncConcurrency = 4
	}
	return &Reconciler{
		store:      store,
		membership: membership,
		directory:  directory,
		priorities: priorities,
		cfg:        cfg,
		logger:     logger,
	}
}

// SyncCommunity provisions the directory objects for one community:
// a parent group with a matching resource, plus one group/resource
// pair per configured role. The call is idempotent; mappings that
// already exist are left untouched and nothing is ever deleted here.
func (r *Reconciler) SyncCommunity(ctx context.Context, communityID uuid.UUID) error {
	c, err := r.store.CommunityByID(ctx, communityID)
	if err != nil {
		return err
	}

	parent, err := r.mapGroupAndResource(ctx, mapping{
		parentGroupID: r.cfg.CommunitiesGroupID,
		groupName:     fmt.Sprintf("Community %s", c.Slug),
		groupDesc:     fmt.Sprintf("Group for community %s", c.Slug),
		resourceName:  fmt.Sprintf("Community:%s", c.Slug),
		resourceDesc:  fmt.Sprintf("Resource for community %s", c.Slug),
		capabilities:  []string{perun.CommunityCapability(c.Slug)},
	})
	if err != nil {
		return err
	}

	for _, role := range r.priorities.Names() {
		_, err := r.mapGroupAndResource(ctx, mapping{
			parentGroupID: parent.ID,
			groupName:     fmt.Sprintf("Role %s of %s", role, c.Slug),
			groupDesc:     fmt.Sprintf("Group for role %s of community %s", role, c.Slug),
			resourceName:  fmt.Sprintf("Community:%s:%s", c.Slug, role),
			resourceDesc:  fmt.Sprintf("Resource for community %s and role %s", c.Slug, role),
			capabilities:  []string{perun.RoleCapability(c.Slug, role)},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// SyncAllCommunities re-provisions every local community, a bounded
// number of them at a time. Individual failures are logged and do not
// stop the walk.
func (r *Reconciler) SyncAllCommunities(ctx context.Context) error {
	all, err := r.store.Communities(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.SyncConcurrency)
	for _, c := range all {
		g.Go(func() error {
			if err := r.SyncCommunity(ctx, c.ID); err != nil {
				r.logger.Error("sync community",
					slog.String("community", c.ID.String()),
					slog.String("slug", c.Slug),
					slog.Any("error", err))
			}
			return nil
		})
	}
	return g.Wait()
}

type mapping struct {
	parentGroupID int64
	groupName     string
	groupDesc     string
	resourceName  string
	resourceDesc  string
	capabilities  []string
}

func (r *Reconciler) mapGroupAndResource(ctx context.Context, m mapping) (perun.Group, error) {
	group, _, err := r.directory.EnsureGroup(ctx, m.groupName, m.groupDesc, m.parentGroupID)
	if err != nil {
		return perun.Group{}, err
	}
	resource, _, err := r.directory.EnsureResource(ctx, r.cfg.VoID, r.cfg.FacilityID, m.resourceName, m.resourceDesc)
	if err != nil {
		return perun.Group{}, err
	}
	if err := r.directory.AssignGroupToResource(ctx, resource.ID, group.ID); err != nil {
		return perun.Group{}, err
	}
	if err := r.directory.EnsureCapabilities(ctx, resource.ID, r.cfg.CapabilitiesAttrID, m.capabilities); err != nil {
		return perun.Group{}, err
	}
	// Without the export service the resource never appears in dumps.
	if err := r.directory.AttachService(ctx, resource.ID, r.cfg.SyncServiceID); err != nil {
		return perun.Group{}, err
	}
	return group, nil
}

// PullDump applies one directory dump to the local store. When
// repairPush is set, communities whose roles the directory does not
// know yet are provisioned first, so that the next dump covers them.
func (r *Reconciler) PullDump(ctx context.Context, dump *perun.Dump, repairPush bool) error {
	if repairPush {
		if err := r.repairMissingCommunities(ctx, dump); err != nil {
			return err
		}
	}
	return r.syncUsers(ctx, dump)
}

func (r *Reconciler) repairMissingCommunities(ctx context.Context, dump *perun.Dump) error {
	all, err := r.store.Communities(ctx)
	if err != nil {
		return err
	}
	localRoles := make(communities.RoleSet)
	for _, c := range all {
		for _, role := range r.priorities.Names() {
			localRoles.Add(communities.CommunityRole{CommunityID: c.ID, Role: role})
		}
	}

	missing := localRoles.Diff(dump.RoleAssignments())
	if len(missing) == 0 {
		return nil
	}
	r.logger.Info("communities missing from directory dump", slog.Int("roles", len(missing)))
	for communityID := range missing.Communities() {
		if err := r.SyncCommunity(ctx, communityID); err != nil {
			r.logger.Error("repair community mapping",
				slog.String("community", communityID.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

// syncUsers walks the dump in fixed-size chunks, resolving local users
// and their current memberships with bulk queries. Users known only to
// the dump are logged; the batch never creates local accounts. Local
// users with a bound directory identity that the dump no longer
// mentions lose all their memberships: absence in the authoritative
// directory means no grants.
func (r *Reconciler) syncUsers(ctx context.Context, dump *perun.Dump) error {
	locals, err := r.store.EinfraUserMap(ctx)
	if err != nil {
		return err
	}

	chunk := make([]perun.DumpUser, 0, r.cfg.ChunkSize)
	for u := range dump.Users() {
		chunk = append(chunk, u)
		if len(chunk) == r.cfg.ChunkSize {
			if err := r.syncUserChunk(ctx, chunk, locals); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		if err := r.syncUserChunk(ctx, chunk, locals); err != nil {
			return err
		}
	}

	for einfraID, userID := range locals {
		r.logger.Info("revoking memberships of user absent from dump",
			slog.Int64("user", userID), slog.String("einfra_id", einfraID))
		if err := r.membership.RevokeAll(ctx, userID); err != nil {
			r.logger.Error("revoke memberships",
				slog.Int64("user", userID), slog.Any("error", err))
		}
	}
	return nil
}

func (r *Reconciler) syncUserChunk(ctx context.Context, chunk []perun.DumpUser, locals map[string]int64) error {
	byEinfraID := make(map[string]perun.DumpUser, len(chunk))
	userToEinfra := make(map[int64]string, len(chunk))
	for _, u := range chunk {
		byEinfraID[u.EinfraID] = u
		if userID, ok := locals[u.EinfraID]; ok {
			delete(locals, u.EinfraID)
			userToEinfra[userID] = u.EinfraID
		} else {
			r.logger.Info("dump user not found in the local database",
				slog.String("einfra_id", u.EinfraID))
		}
	}
	if len(userToEinfra) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(userToEinfra))
	for id := range userToEinfra {
		ids = append(ids, id)
	}

	users, err := r.store.UsersByIDs(ctx, ids)
	if err != nil {
		return err
	}
	memberships, err := r.store.MembershipsForUsers(ctx, ids)
	if err != nil {
		return err
	}

	for _, user := range users {
		du := byEinfraID[userToEinfra[user.ID]]

		r.updateProfile(ctx, user, du)

		want := r.priorities.Resolve(du.Roles)
		if dropped := du.Roles.Diff(want); len(dropped) > 0 {
			r.logger.Info("dropping lower-priority roles",
				slog.Int64("user", user.ID), slog.Any("roles", dropped.Sorted()))
		}

		current := memberships[user.ID]
		if current == nil {
			current = make(communities.RoleSet)
		}
		r.membership.SetMembership(ctx, user.ID, want, current)
	}
	return nil
}

func (r *Reconciler) updateProfile(ctx context.Context, user communities.User, du perun.DumpUser) {
	changed := false
	if du.FullName != "" && du.FullName != user.FullName {
		user.FullName = du.FullName
		changed = true
	}
	if du.Organization != "" && du.Organization != user.Affiliations {
		user.Affiliations = du.Organization
		changed = true
	}
	if du.Email != "" && du.Email != user.Email {
		user.Email = du.Email
		changed = true
	}
	if !changed {
		return
	}
	if err := r.store.UpdateUserProfile(ctx, user); err != nil {
		r.logger.Error("update user profile",
			slog.Int64("user", user.ID), slog.Any("error", err))
	}
}

// AddRole propagates a locally granted role into the directory by
// adding the user to every group behind the role's resource. Users
// without a bound directory identity have nothing to propagate.
func (r *Reconciler) AddRole(ctx context.Context, slug string, userID int64, role string) error {
	return r.groupOp(ctx, slug, userID, role, r.directory.AddUserToGroup)
}

// RemoveRoles removes the user from the directory groups of every
// configured role of the community.
func (r *Reconciler) RemoveRoles(ctx context.Context, slug string, userID int64) error {
	for _, role := range r.priorities.Names() {
		if err := r.groupOp(ctx, slug, userID, role, r.directory.RemoveUserFromGroup); err != nil {
			return err
		}
	}
	return nil
}

// ChangeRole swaps the user's directory groups for the community from
// whatever they were to the new role.
func (r *Reconciler) ChangeRole(ctx context.Context, slug string, userID int64, newRole string) error {
	if err := r.RemoveRoles(ctx, slug, userID); err != nil {
		return err
	}
	return r.AddRole(ctx, slug, userID, newRole)
}

func (r *Reconciler) groupOp(ctx context.Context, slug string, userID int64, role string, op func(ctx context.Context, voID, userID, groupID int64) error) error {
	einfraID, err := r.store.EinfraIDForUser(ctx, userID)
	if errors.Is(err, shared.ErrNotFound) {
		// Nothing to synchronize: the user never logged in through
		// the directory.
		return nil
	}
	if err != nil {
		return err
	}

	capability := perun.RoleCapability(slug, role)
	resource, err := r.directory.ResourceByCapability(ctx, r.cfg.VoID, r.cfg.FacilityID, capability)
	if errors.Is(err, perun.ErrNotFound) {
		r.logger.Error("resource for capability not found in directory",
			slog.String("capability", capability))
		return nil
	}
	if err != nil {
		return err
	}

	dirUser, err := r.directory.UserByAttribute(ctx, r.cfg.UserSearchAttr, einfraID)
	if errors.Is(err, perun.ErrNotFound) {
		r.logger.Error("user not found in directory", slog.String("einfra_id", einfraID))
		return nil
	}
	if err != nil {
		return err
	}

	groups, err := r.directory.ResourceGroups(ctx, resource.ID)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := op(ctx, r.cfg.VoID, dirUser.ID, g.ID); err != nil {
			r.logger.Error("directory group operation",
				slog.Int64("group", g.ID),
				slog.Int64("user", userID),
				slog.String("role", role),
				slog.Any("error", err))
		}
	}
	return nil
}

// CreateInvitation mirrors a pending local invitation into the
// directory, so the user can accept it there. The capability's
// resource must map to exactly one group in the configured VO;
// anything else is ambiguous and refused.
func (r *Reconciler) CreateInvitation(ctx context.Context, invitationID uuid.UUID) error {
	detail, err := r.store.InvitationByID(ctx, invitationID)
	if err != nil {
		return err
	}

	capability := perun.RoleCapability(detail.Slug, detail.Role)
	resource, err := r.directory.ResourceByCapability(ctx, r.cfg.VoID, r.cfg.FacilityID, capability)
	if err != nil {
		return fmt.Errorf("invitation %s: %w", invitationID, err)
	}

	groups, err := r.directory.ResourceGroups(ctx, resource.ID)
	if err != nil {
		return err
	}
	inVo := groups[:0]
	for _, g := range groups {
		if g.VoID == r.cfg.VoID {
			inVo = append(inVo, g)
		}
	}
	if len(inVo) != 1 {
		return fmt.Errorf("capability %s maps to %d groups: %w", capability, len(inVo), perun.ErrAmbiguous)
	}

	fullName := detail.FullName
	if fullName == "" {
		fullName = detail.Email
	}
	resp, err := r.directory.SendInvitation(ctx, perun.InvitationRequest{
		VoID:        r.cfg.VoID,
		GroupID:     inVo[0].ID,
		Email:       detail.Email,
		FullName:    fullName,
		Language:    r.cfg.InvitationLanguage,
		Expiration:  time.Now().AddDate(0, 0, 7).Format("2006-01-02"),
		RedirectURL: r.cfg.InvitationRedirect,
	})
	if err != nil {
		return err
	}
	r.logger.Info("directory invitation created",
		slog.String("invitation", invitationID.String()),
		slog.Int64("aai_id", resp.ID))
	return nil
}
