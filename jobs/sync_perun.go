package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/oarepo/oarepo-oidc-einfra/internal/communities"
	"github.com/oarepo/oarepo-oidc-einfra/internal/dumps"
	jobmetrics "github.com/oarepo/oarepo-oidc-einfra/internal/jobs"
	"github.com/oarepo/oarepo-oidc-einfra/internal/perun"
	"github.com/oarepo/oarepo-oidc-einfra/internal/reconcile"
	"github.com/oarepo/oarepo-oidc-einfra/internal/shared"
)

// SyncMutexKey is the single lock key shared by every process that
// reconciles against the directory. It guarantees at most one
// reconciliation pass system-wide.
const SyncMutexKey = "einfra:sync:mutex"

// CommunityStore is the repository slice the sync job needs on top of
// the reconciler.
type CommunityStore interface {
	SlugToID(ctx context.Context) (map[string]uuid.UUID, error)
}

// DumpSource hands out raw dump bytes. Implemented by the object
// storage store.
type DumpSource interface {
	Fetch(ctx context.Context, key, checksum string) ([]byte, error)
}

// SyncJob bundles the dependencies of the directory synchronization
// task handlers.
type SyncJob struct {
	Reconciler *reconcile.Reconciler
	Store      CommunityStore
	Dumps      DumpSource
	Pointer    *dumps.Pointer
	Redis      *redis.Client
	Mutex      shared.MutexConfig
	DumpConfig perun.DumpConfig
	Priorities communities.RolePriorities
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

func (j *SyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *SyncJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}

// HandleSyncCommunity provisions one community's directory mapping
// under the shared sync mutex.
func (j *SyncJob) HandleSyncCommunity(ctx context.Context, t *asynq.Task) error {
	var payload SyncCommunityPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSyncCommunity)
	err := shared.WithMutex(ctx, j.Redis, SyncMutexKey, j.Mutex, j.logger(), func(ctx context.Context) error {
		return j.Reconciler.SyncCommunity(ctx, payload.CommunityID)
	})
	return tracker.End(err)
}

// HandleSyncAllCommunities walks every local community and repairs its
// directory mapping.
func (j *SyncJob) HandleSyncAllCommunities(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics().Track(TaskSyncAllCommunities)
	err := shared.WithMutex(ctx, j.Redis, SyncMutexKey, j.Mutex, j.logger(), func(ctx context.Context) error {
		return j.Reconciler.SyncAllCommunities(ctx)
	})
	return tracker.End(err)
}

// HandleUpdateFromDump runs one pull pass: staleness check, download,
// checksum verification, parse, reconcile. A superseded dump is not a
// failure; the pass simply applies nothing. Isolated per-item failures
// inside the pass are logged there and the task still succeeds, so
// that data which would fail identically again does not cause a retry
// storm.
func (j *SyncJob) HandleUpdateFromDump(ctx context.Context, t *asynq.Task) error {
	var payload UpdateFromDumpPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.logger().With(slog.String("dump", payload.Path))

	tracker := j.metrics().Track(TaskUpdateFromDump)
	err := shared.WithMutex(ctx, j.Redis, SyncMutexKey, j.Mutex, j.logger(), func(ctx context.Context) error {
		if err := j.Pointer.Verify(ctx, payload.Path); err != nil {
			if errors.Is(err, shared.ErrStaleDump) {
				logger.Info("skipping superseded dump")
				j.metrics().AddStaleDump()
				return nil
			}
			return err
		}

		data, err := j.Dumps.Fetch(ctx, payload.Path, payload.Checksum)
		if err != nil {
			return err
		}

		slugToID, err := j.Store.SlugToID(ctx)
		if err != nil {
			return err
		}

		dump, err := perun.ParseDump(data, j.DumpConfig, slugToID, j.Priorities, logger)
		if err != nil {
			return err
		}

		logger.Info("applying dump")
		return j.Reconciler.PullDump(ctx, dump, true)
	})
	return tracker.End(err)
}

// HandleCreateInvitation mirrors one pending local invitation into the
// directory.
func (j *SyncJob) HandleCreateInvitation(ctx context.Context, t *asynq.Task) error {
	var payload CreateInvitationPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskCreateInvitation)
	return tracker.End(j.Reconciler.CreateInvitation(ctx, payload.InvitationID))
}

// HandleAddRole pushes a locally granted role into the directory.
func (j *SyncJob) HandleAddRole(ctx context.Context, t *asynq.Task) error {
	var payload RoleOpPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskAddRole)
	return tracker.End(j.Reconciler.AddRole(ctx, payload.Slug, payload.UserID, payload.Role))
}

// HandleRemoveRoles removes a user from all of a community's directory
// role groups.
func (j *SyncJob) HandleRemoveRoles(ctx context.Context, t *asynq.Task) error {
	var payload RoleOpPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskRemoveRoles)
	return tracker.End(j.Reconciler.RemoveRoles(ctx, payload.Slug, payload.UserID))
}

// HandleChangeRole swaps a user's directory role groups for a
// community.
func (j *SyncJob) HandleChangeRole(ctx context.Context, t *asynq.Task) error {
	var payload RoleOpPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskChangeRole)
	return tracker.End(j.Reconciler.ChangeRole(ctx, payload.Slug, payload.UserID, payload.Role))
}
