package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/oarepo/oarepo-oidc-einfra/internal/app"
	"github.com/oarepo/oarepo-oidc-einfra/internal/communities"
	"github.com/oarepo/oarepo-oidc-einfra/internal/dumps"
	jobmetrics "github.com/oarepo/oarepo-oidc-einfra/internal/jobs"
	"github.com/oarepo/oarepo-oidc-einfra/internal/perun"
	"github.com/oarepo/oarepo-oidc-einfra/internal/platform/cache"
	"github.com/oarepo/oarepo-oidc-einfra/internal/platform/db"
	"github.com/oarepo/oarepo-oidc-einfra/internal/reconcile"
	"github.com/oarepo/oarepo-oidc-einfra/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := communities.NewRepository(pool)
	membership := communities.NewService(repo, logger)
	priorities := communities.NewRolePriorities(cfg.CommunityRoles)

	directory := perun.NewClient(cfg.PerunURL, cfg.PerunServiceUsername, cfg.PerunServicePassword, logger)

	reconciler := reconcile.NewReconciler(repo, membership, directory, priorities, reconcile.Config{
		VoID:               cfg.PerunVOID,
		FacilityID:         cfg.PerunFacilityID,
		CommunitiesGroupID: cfg.PerunCommunitiesGroupID,
		CapabilitiesAttrID: cfg.PerunCapabilitiesAttrID,
		SyncServiceID:      cfg.PerunSyncServiceID,
		UserSearchAttr:     cfg.PerunUserSearchAttribute,
		InvitationLanguage: cfg.InvitationLanguage,
		InvitationRedirect: cfg.InvitationRedirect,
		SyncConcurrency:    cfg.SyncConcurrency,
	}, logger)

	dumpStore, err := dumps.NewStore(dumps.StoreConfig{
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Bucket:          cfg.S3DumpBucket,
	})
	if err != nil {
		logger.Error("init dump store", slog.Any("error", err))
		os.Exit(1)
	}

	syncJob := &jobs.SyncJob{
		Reconciler: reconciler,
		Store:      repo,
		Dumps:      dumpStore,
		Pointer:    dumps.NewPointer(redisClient),
		Redis:      redisClient,
		Mutex:      cfg.MutexConfig(),
		DumpConfig: cfg.DumpConfig(),
		Priorities: priorities,
		Logger:     logger,
		Metrics:    jobmetrics.NewMetrics(nil),
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSyncCommunity, Handler: syncJob.HandleSyncCommunity},
			{Type: jobs.TaskSyncAllCommunities, Handler: syncJob.HandleSyncAllCommunities},
			{Type: jobs.TaskUpdateFromDump, Handler: syncJob.HandleUpdateFromDump},
			{Type: jobs.TaskCreateInvitation, Handler: syncJob.HandleCreateInvitation},
			{Type: jobs.TaskAddRole, Handler: syncJob.HandleAddRole},
			{Type: jobs.TaskRemoveRoles, Handler: syncJob.HandleRemoveRoles},
			{Type: jobs.TaskChangeRole, Handler: syncJob.HandleChangeRole},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: jobs.NewSyncAllCommunitiesTask(), Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
