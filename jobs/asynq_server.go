package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/oarepo/oarepo-oidc-einfra/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  []TaskHandler
	Cron      []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
	opts   []asynq.Option
}

// NewClient constructs an Asynq client. The task timeout applies to
// every enqueued task and must exceed the sync mutex TTL, so a healthy
// pass is never preempted by its own lock's safety net.
func NewClient(redisOpts asynq.RedisClientOpt, taskTimeout time.Duration) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	var opts []asynq.Option
	if taskTimeout > 0 {
		opts = append(opts, asynq.Timeout(taskTimeout))
	}
	return &Client{client: client, opts: opts}, nil
}

// EnqueueSyncCommunity schedules a push of one community mapping.
func (c *Client) EnqueueSyncCommunity(ctx context.Context, communityID uuid.UUID) error {
	task, err := NewSyncCommunityTask(communityID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.opts...)
	return err
}

// EnqueueUpdateFromDump schedules a pull pass for a submitted dump.
func (c *Client) EnqueueUpdateFromDump(ctx context.Context, path, checksum string) error {
	task, err := NewUpdateFromDumpTask(path, checksum)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.opts...)
	return err
}

// EnqueueCreateInvitation schedules mirroring of a pending invitation.
func (c *Client) EnqueueCreateInvitation(ctx context.Context, invitationID uuid.UUID) error {
	task, err := NewCreateInvitationTask(invitationID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.opts...)
	return err
}

// EnqueueAddRole schedules a role grant push.
func (c *Client) EnqueueAddRole(ctx context.Context, slug string, userID int64, role string) error {
	task, err := NewAddRoleTask(slug, userID, role)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.opts...)
	return err
}

// EnqueueRemoveRoles schedules a membership removal push.
func (c *Client) EnqueueRemoveRoles(ctx context.Context, slug string, userID int64) error {
	task, err := NewRemoveRolesTask(slug, userID)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.opts...)
	return err
}

// EnqueueChangeRole schedules a role change push.
func (c *Client) EnqueueChangeRole(ctx context.Context, slug string, userID int64, role string) error {
	task, err := NewChangeRoleTask(slug, userID, role)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, c.opts...)
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"default","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueDefault)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("queue inspector: %w", httpx.ErrUnavailable))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueDefault
	if info != nil {
		pending = int(info.Pending)
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + strconv.Itoa(pending) + `}`))
}
