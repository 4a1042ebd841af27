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

// ICBF Mail Portal — Historical Backfill Command
//
// Enumerates mailbox messages received within a lookback window and feeds
// them through the same ingestion pipeline the worker uses. Safe to run
// against a live worker: the dedupe layers drop everything already
// ingested.
//
// Usage:
//
//	backfill --since 720h            # ingest the last 30 days
//	backfill --since 72h --dry-run   # count only, no writes
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/CortinezO98/icbf-mail-portal/internal/auth"
	"github.com/CortinezO98/icbf-mail-portal/internal/config"
	"github.com/CortinezO98/icbf-mail-portal/internal/dedup"
	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/ingest"
	"github.com/CortinezO98/icbf-mail-portal/internal/queue"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
	"github.com/CortinezO98/icbf-mail-portal/internal/storage"
)

const newCaseStatus = "NUEVO"

func main() {
	since := flag.Duration("since", 7*24*time.Hour, "lookback window for received messages")
	pageSize := flag.Int("page-size", 50, "messages per list page")
	limit := flag.Int("limit", 0, "stop after this many messages (0 = no limit)")
	dryRun := flag.Bool("dry-run", false, "enumerate without ingesting")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *since, *pageSize, *limit, *dryRun); err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, since time.Duration, pageSize, limit int, dryRun bool) error {
	tokenSource, err := auth.NewTokenSource(ctx, cfg)
	if err != nil {
		return err
	}
	graphClient := graph.NewClient(auth.NewClient(ctx, tokenSource), "")

	var pipeline *ingest.Pipeline
	if !dryRun {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL())
		if err != nil {
			return err
		}
		defer pool.Close()

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

		pipeline = ingest.New(ingest.Config{
			Graph:            graphClient,
			Store:            storage.NewStore(cfg.AttachmentsDir, cfg.MaxAttachmentBytes(), cfg.AllowedExtSet(), cfg.BlockedExtSet()),
			Repo:             store,
			Filter:           dedup.NewFilter(rdb),
			Events:           queue.NewPublisher(rdb, cfg.EventsQueue),
			MailboxEmail:     cfg.MailboxEmail,
			MailboxID:        mailboxID,
			NewCaseStatusID:  statusID,
			CaseNumberPrefix: cfg.CaseNumberPrefix,
			WorkerID:         cfg.WorkerInstanceID + "-backfill",
		})
	}

	sinceISO := time.Now().UTC().Add(-since).Format("2006-01-02T15:04:05Z")
	slog.Info("backfill starting",
		"mailbox", cfg.MailboxEmail,
		"since", sinceISO,
		"dry_run", dryRun,
	)

	var enumerated, ingested, failed int
	pageURL := ""

	for {
		page, err := graphClient.ListMessagesPage(ctx, cfg.MailboxEmail, pageURL, sinceISO, pageSize)
		if err != nil {
			return err
		}

		for _, m := range page.Value {
			enumerated++
			if !dryRun {
				if err := pipeline.Ingest(ctx, m.ID, 0); err != nil {
					slog.Error("ingest failed", "message_id", m.ID, "error", err)
					failed++
				} else {
					ingested++
				}
			}
			if limit > 0 && enumerated >= limit {
				goto done
			}
			if ctx.Err() != nil {
				goto done
			}
		}

		if page.NextLink == "" {
			break
		}
		pageURL = page.NextLink
	}

done:
	slog.Info("backfill finished",
		"enumerated", enumerated,
		"ingested", ingested,
		"failed", failed,
	)
	return ctx.Err()
}
