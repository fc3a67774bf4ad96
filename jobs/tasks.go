package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskSyncCommunity provisions one community's directory mapping.
	TaskSyncCommunity = "perun:sync_community"
	// TaskSyncAllCommunities walks and repairs every community mapping.
	TaskSyncAllCommunities = "perun:sync_all_communities"
	// TaskUpdateFromDump applies a submitted directory dump locally.
	TaskUpdateFromDump = "perun:update_from_dump"
	// TaskCreateInvitation mirrors a pending invitation into the directory.
	TaskCreateInvitation = "perun:create_invitation"
	// TaskAddRole pushes one granted role into the directory.
	TaskAddRole = "perun:add_role"
	// TaskRemoveRoles pushes a membership removal into the directory.
	TaskRemoveRoles = "perun:remove_roles"
	// TaskChangeRole swaps a user's directory role groups.
	TaskChangeRole = "perun:change_role"
)

// SyncCommunityPayload names the community to provision.
type SyncCommunityPayload struct {
	CommunityID uuid.UUID `json:"community_id"`
}

// NewSyncCommunityTask constructs an Asynq task.
func NewSyncCommunityTask(communityID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(SyncCommunityPayload{CommunityID: communityID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSyncCommunity, data, asynq.Queue(QueueDefault)), nil
}

// NewSyncAllCommunitiesTask constructs an Asynq task.
func NewSyncAllCommunitiesTask() *asynq.Task {
	return asynq.NewTask(TaskSyncAllCommunities, nil, asynq.Queue(QueueDefault))
}

// UpdateFromDumpPayload identifies a submitted dump.
type UpdateFromDumpPayload struct {
	Path     string `json:"path"`
	Checksum string `json:"checksum,omitempty"`
}

// NewUpdateFromDumpTask constructs an Asynq task.
func NewUpdateFromDumpTask(path, checksum string) (*asynq.Task, error) {
	data, err := json.Marshal(UpdateFromDumpPayload{Path: path, Checksum: checksum})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskUpdateFromDump, data, asynq.Queue(QueueDefault)), nil
}

// CreateInvitationPayload names the pending local invitation.
type CreateInvitationPayload struct {
	InvitationID uuid.UUID `json:"invitation_id"`
}

// NewCreateInvitationTask constructs an Asynq task.
func NewCreateInvitationTask(invitationID uuid.UUID) (*asynq.Task, error) {
	data, err := json.Marshal(CreateInvitationPayload{InvitationID: invitationID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCreateInvitation, data, asynq.Queue(QueueDefault)), nil
}

// RoleOpPayload describes a membership push operation.
type RoleOpPayload struct {
	Slug   string `json:"slug"`
	UserID int64  `json:"user_id"`
	Role   string `json:"role,omitempty"`
}

// NewAddRoleTask constructs an Asynq task.
func NewAddRoleTask(slug string, userID int64, role string) (*asynq.Task, error) {
	data, err := json.Marshal(RoleOpPayload{Slug: slug, UserID: userID, Role: role})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAddRole, data, asynq.Queue(QueueDefault)), nil
}

// NewRemoveRolesTask constructs an Asynq task.
func NewRemoveRolesTask(slug string, userID int64) (*asynq.Task, error) {
	data, err := json.Marshal(RoleOpPayload{Slug: slug, UserID: userID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRemoveRoles, data, asynq.Queue(QueueDefault)), nil
}

// NewChangeRoleTask constructs an Asynq task.
func NewChangeRoleTask(slug string, userID int64, role string) (*asynq.Task, error) {
	data, err := json.Marshal(RoleOpPayload{Slug: slug, UserID: userID, Role: role})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskChangeRole, data, asynq.Queue(QueueDefault)), nil
}
