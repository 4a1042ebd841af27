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

// Package delta is the backstop poller: per-folder incremental sync using
// server-issued cursors, compensating for dropped webhook notifications.
//
// Cursor rules: next_link resumes mid-pagination, delta_link resumes from
// the last caught-up position, neither means a fresh initial sync. State is
// persisted after every page so an interrupted run resumes precisely. An
// expired cursor (HTTP 410) resets the folder; the following run starts
// fresh.
package delta

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
)

// Actions reported per folder run.
const (
	ActionSynced = "synced"
	ActionReset  = "reset"
	ActionError  = "error"
)

// Ingestor consumes enumerated message IDs.
type Ingestor interface {
	Ingest(ctx context.Context, messageID string, folderID int64) error
}

// Store is the persistence surface the runner needs.
type Store interface {
	ListMonitoredFolders(ctx context.Context, mailboxID int64) ([]repo.Folder, error)
	GetDeltaState(ctx context.Context, mailboxID, folderID int64) (*repo.DeltaState, error)
	UpsertDeltaState(ctx context.Context, d repo.DeltaState) error
	ResetDeltaState(ctx context.Context, mailboxID, folderID int64, statusCode int) error
}

// FolderResult reports one folder's run.
type FolderResult struct {
	FolderID   int64  `json:"folder_id"`
	FolderCode string `json:"folder_code"`
	OK         bool   `json:"ok"`
	Action     string `json:"action"`
	Pages      int    `json:"pages"`
	Processed  int    `json:"processed"`
	// Finished is true when the folder reached a delta_link this run. A cap
	// breach leaves it false with next_link preserved for continuation.
	Finished bool   `json:"finished"`
	Error    string `json:"error,omitempty"`
}

// Runner walks all monitored folders of the mailbox.
type Runner struct {
	graph    *graph.Client
	store    Store
	ingestor Ingestor

	mailbox   string
	mailboxID int64

	pageSize    int
	maxPages    int
	maxMessages int
	concurrency int
}

// Config wires a Runner.
type Config struct {
	Graph       *graph.Client
	Store       Store
	Ingestor    Ingestor
	Mailbox     string
	MailboxID   int64
	PageSize    int
	MaxPages    int
	MaxMessages int
	Concurrency int
}

// NewRunner creates the delta runner.
func NewRunner(cfg Config) *Runner {
	return &Runner{
		graph:       cfg.Graph,
		store:       cfg.Store,
		ingestor:    cfg.Ingestor,
		mailbox:     cfg.Mailbox,
		mailboxID:   cfg.MailboxID,
		pageSize:    cfg.PageSize,
		maxPages:    cfg.MaxPages,
		maxMessages: cfg.MaxMessages,
		concurrency: cfg.Concurrency,
	}
}

// RunAll runs a delta pass across every monitored folder. A folder failure
// never stops its siblings.
func (r *Runner) RunAll(ctx context.Context) ([]FolderResult, error) {
	folders, err := r.store.ListMonitoredFolders(ctx, r.mailboxID)
	if err != nil {
		return nil, err
	}

	results := make([]FolderResult, 0, len(folders))
	for _, f := range folders {
		res := r.RunFolder(ctx, f)
		if !res.OK {
			slog.Error("delta run failed for folder",
				"folder", f.Code, "error", res.Error)
		}
		results = append(results, res)
		if ctx.Err() != nil {
			break
		}
	}
	return results, nil
}

// RunFolder syncs one folder until caught up or a per-run cap is hit.
func (r *Runner) RunFolder(ctx context.Context, folder repo.Folder) FolderResult {
	res := FolderResult{FolderID: folder.ID, FolderCode: folder.Code, Action: ActionSynced}

	state, err := r.store.GetDeltaState(ctx, r.mailboxID, folder.ID)
	if err != nil {
		return r.fail(res, err)
	}
	if state == nil {
		state = &repo.DeltaState{MailboxID: r.mailboxID, FolderID: folder.ID}
	}

	// Resume order: mid-pagination link first, then the caught-up cursor,
	// else a fresh initial delta request.
	pageURL := state.NextLink
	if pageURL == "" {
		pageURL = state.DeltaLink
	}
	folderRef := graph.FolderRef(folder.Code, folder.GraphFolderID)

	for res.Pages < r.maxPages && res.Processed < r.maxMessages {
		page, err := r.graph.DeltaPage(ctx, r.mailbox, folderRef, pageURL, r.pageSize)
		if err != nil {
			if graph.IsStatus(err, 410) {
				slog.Warn("delta cursor expired, resetting folder", "folder", folder.Code)
				if rerr := r.store.ResetDeltaState(ctx, r.mailboxID, folder.ID, 410); rerr != nil {
					return r.fail(res, rerr)
				}
				res.OK = true
				res.Action = ActionReset
				return res
			}
			r.persistFailure(ctx, state, err)
			return r.fail(res, err)
		}

		ids := make([]string, 0, len(page.Value))
		for _, item := range page.Value {
			if item.Removed != nil {
				continue
			}
			ids = append(ids, item.ID)
		}

		r.fanOut(ctx, ids, folder.ID)
		res.Processed += len(ids)
		res.Pages++

		switch {
		case page.DeltaLink != "":
			state.DeltaLink = page.DeltaLink
			state.NextLink = ""
			res.Finished = true
		case page.NextLink != "":
			state.NextLink = page.NextLink
			pageURL = page.NextLink
		}

		if err := r.persistProgress(ctx, state); err != nil {
			return r.fail(res, err)
		}

		if res.Finished {
			break
		}
		if ctx.Err() != nil {
			return r.fail(res, ctx.Err())
		}
	}

	res.OK = true
	slog.Info("delta folder synced",
		"folder", folder.Code,
		"pages", res.Pages,
		"processed", res.Processed,
		"finished", res.Finished,
	)
	return res
}

// fanOut pushes the page's IDs through the pipeline with bounded
// concurrency. An individual ingest failure is logged and does not abort the
// page; the next run retries via the dedupe-safe pipeline.
func (r *Runner) fanOut(ctx context.Context, ids []string, folderID int64) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := r.ingestor.Ingest(gctx, id, folderID); err != nil {
				slog.Error("ingest failed", "message_id", id, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (r *Runner) persistProgress(ctx context.Context, state *repo.DeltaState) error {
	now := time.Now().UTC()
	ok := 200
	state.LastSyncAt = &now
	state.LastStatusCode = &ok
	state.LastError = ""
	return r.store.UpsertDeltaState(ctx, *state)
}

// persistFailure records the failing status on the folder state without
// touching the cursor links, so the next run retries from the same spot.
func (r *Runner) persistFailure(ctx context.Context, state *repo.DeltaState, cause error) {
	now := time.Now().UTC()
	state.LastSyncAt = &now
	state.LastError = cause.Error()

	var se *graph.StatusError
	if errors.As(cause, &se) {
		code := se.Status
		state.LastStatusCode = &code
	} else {
		state.LastStatusCode = nil
	}

	if err := r.store.UpsertDeltaState(ctx, *state); err != nil {
		slog.Error("persist delta failure state", "error", err)
	}
}

func (r *Runner) fail(res FolderResult, err error) FolderResult {
	res.OK = false
	res.Action = ActionError
	res.Error = err.Error()
	return res
}
