// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ICBF Mail Portal — Ingestion Worker
//
// Synchronizes the shared mailbox into the case-management database. Three
// workflows feed one pipeline: the Graph webhook (push), the delta poller
// (backstop), and the subscription manager that keeps the push channel
// alive.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/CortinezO98/icbf-mail-portal/internal/auth"
	"github.com/CortinezO98/icbf-mail-portal/internal/config"
	"github.com/CortinezO98/icbf-mail-portal/internal/dedup"
	"github.com/CortinezO98/icbf-mail-portal/internal/delta"
	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/ingest"
	"github.com/CortinezO98/icbf-mail-portal/internal/queue"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
	"github.com/CortinezO98/icbf-mail-portal/internal/scheduler"
	"github.com/CortinezO98/icbf-mail-portal/internal/storage"
	"github.com/CortinezO98/icbf-mail-portal/internal/subscription"
	"github.com/CortinezO98/icbf-mail-portal/internal/webhook"
)

// newCaseStatus is the seeded status assigned to freshly created cases.
const newCaseStatus = "NUEVO"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		"env", cfg.Env,
		"mailbox", cfg.MailboxEmail,
		"worker_id", cfg.WorkerInstanceID,
	)

	if err := run(ctx, cfg); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// Postgres
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to postgres", "host", cfg.DBHost, "db", cfg.DBName)

	// Redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	store, err := repo.NewStore(ctx, pool)
	if err != nil {
		return err
	}

	mailboxID, err := store.EnsureMailbox(ctx, cfg.MailboxEmail)
	if err != nil {
		return err
	}
	statusID, err := store.StatusIDByCode(ctx, newCaseStatus)
	if err != nil {
		return err
	}

	folders := make([]repo.Folder, 0, len(cfg.Folders))
	for _, f := range cfg.Folders {
		folders = append(folders, repo.Folder{Code: f.Code, GraphFolderID: f.GraphFolderID})
	}
	if err := store.EnsureFolders(ctx, mailboxID, folders); err != nil {
		return err
	}

	// Graph
	tokenSource, err := auth.NewTokenSource(ctx, cfg)
	if err != nil {
		return err
	}
	graphClient := graph.NewClient(auth.NewClient(ctx, tokenSource), "")

	// Attachment store
	attachments := storage.NewStore(
		cfg.AttachmentsDir,
		cfg.MaxAttachmentBytes(),
		cfg.AllowedExtSet(),
		cfg.BlockedExtSet(),
	)

	filter := dedup.NewFilter(rdb)
	publisher := queue.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Warn("redis unreachable, continuing without fast-path dedupe", "error", err)
	}

	pipeline := ingest.New(ingest.Config{
		Graph:            graphClient,
		Store:            attachments,
		Repo:             store,
		Filter:           filter,
		Events:           publisher,
		MailboxEmail:     cfg.MailboxEmail,
		MailboxID:        mailboxID,
		NewCaseStatusID:  statusID,
		CaseNumberPrefix: cfg.CaseNumberPrefix,
		WorkerID:         cfg.WorkerInstanceID,
	})

	runner := delta.NewRunner(delta.Config{
		Graph:       graphClient,
		Store:       store,
		Ingestor:    pipeline,
		Mailbox:     cfg.MailboxEmail,
		MailboxID:   mailboxID,
		PageSize:    cfg.DeltaPageSize,
		MaxPages:    cfg.DeltaMaxPagesPerRun,
		MaxMessages: cfg.DeltaMaxMessages,
		Concurrency: cfg.DeltaConcurrency,
	})

	var manager *subscription.Manager
	if cfg.SubLoopEnabled {
		notificationURL, err := cfg.NotificationURL()
		if err != nil {
			slog.Error("PUBLIC_BASE_URL is required for Graph subscriptions", "error", err)
			return err
		}
		manager = subscription.NewManager(subscription.Config{
			Graph:           graphClient,
			Store:           store,
			MailboxID:       mailboxID,
			Resource:        cfg.ResolveResource(),
			ChangeType:      cfg.SubscriptionChangeType,
			NotificationURL: notificationURL,
			ClientState:     cfg.GraphClientState,
			LifetimeMinutes: cfg.SubscriptionLifetimeMinutes,
			RenewThreshold:  time.Duration(cfg.SubRenewThresholdMinutes) * time.Minute,
		})
	}

	// HTTP server must be reachable before the subscription handshake fires.
	handler := webhook.NewHandler(
		pipeline,
		ensureAdapter{manager},
		deltaAdapter{runner},
		cfg.GraphClientState,
		cfg.AdminAPIKey,
		cfg.Env,
	)
	ready, err := webhook.Serve(ctx, cfg.Host, cfg.Port, handler)
	if err != nil {
		return err
	}
	<-ready

	var loops []scheduler.Loop
	if manager != nil {
		if _, err := manager.Ensure(ctx, false); err != nil {
			slog.Error("initial subscription ensure failed", "error", err)
		}
		loops = append(loops, scheduler.Loop{
			Name:     "subscription",
			Interval: cfg.SubLoopInterval,
			Jitter:   cfg.SubLoopJitter,
			Job: func(ctx context.Context) error {
				_, err := manager.Ensure(ctx, false)
				return err
			},
		})
	}
	if cfg.DeltaLoopEnabled {
		loops = append(loops, scheduler.Loop{
			Name:     "delta",
			Interval: cfg.DeltaLoopInterval,
			Jitter:   cfg.DeltaLoopJitter,
			Job: func(ctx context.Context) error {
				_, err := runner.RunAll(ctx)
				return err
			},
		})
	}

	if len(loops) > 0 {
		scheduler.New(loops...).Run(ctx)
	} else {
		<-ctx.Done()
	}
	return nil
}

// ensureAdapter exposes the subscription manager on the admin endpoint.
type ensureAdapter struct {
	m *subscription.Manager
}

func (a ensureAdapter) Ensure(ctx context.Context, dryRun bool) (any, error) {
	if a.m == nil {
		return map[string]string{"action": "disabled"}, nil
	}
	return a.m.Ensure(ctx, dryRun)
}

// deltaAdapter exposes the delta runner on the admin endpoint.
type deltaAdapter struct {
	r *delta.Runner
}

func (a deltaAdapter) Run(ctx context.Context) (any, error) {
	return a.r.RunAll(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
