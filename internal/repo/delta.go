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

package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DeltaState is the persisted cursor for one (mailbox, folder) pair.
// NextLink set means mid-pagination; DeltaLink set means caught up. The
// poller never consumes both in the same page.
type DeltaState struct {
	MailboxID      int64
	FolderID       int64
	DeltaLink      string
	NextLink       string
	LastSyncAt     *time.Time
	LastStatusCode *int
	LastError      string
}

// GetDeltaState returns the cursor state for a folder, or nil when the
// folder has never been synced.
func (s *Store) GetDeltaState(ctx context.Context, mailboxID, folderID int64) (*DeltaState, error) {
	var d DeltaState
	err := s.pool.QueryRow(ctx, `
		SELECT mailbox_id, folder_id, delta_link, next_link,
		       last_sync_at, last_status_code, last_error
		FROM graph_delta_state
		WHERE mailbox_id = $1 AND folder_id = $2
	`, mailboxID, folderID).Scan(
		&d.MailboxID, &d.FolderID, &d.DeltaLink, &d.NextLink,
		&d.LastSyncAt, &d.LastStatusCode, &d.LastError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get delta state: %w", err)
	}
	return &d, nil
}

// UpsertDeltaState persists the cursor after every processed page so an
// interrupted run resumes precisely.
func (s *Store) UpsertDeltaState(ctx context.Context, d DeltaState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO graph_delta_state
			(mailbox_id, folder_id, delta_link, next_link,
			 last_sync_at, last_status_code, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (mailbox_id, folder_id) DO UPDATE SET
			delta_link       = EXCLUDED.delta_link,
			next_link        = EXCLUDED.next_link,
			last_sync_at     = EXCLUDED.last_sync_at,
			last_status_code = EXCLUDED.last_status_code,
			last_error       = EXCLUDED.last_error
	`, d.MailboxID, d.FolderID, d.DeltaLink, d.NextLink,
		d.LastSyncAt, d.LastStatusCode, d.LastError)
	if err != nil {
		return fmt.Errorf("upsert delta state: %w", err)
	}
	return nil
}

// ResetDeltaState clears both cursor links after the provider reports the
// cursor expired (HTTP 410). The next run starts a fresh initial sync.
func (s *Store) ResetDeltaState(ctx context.Context, mailboxID, folderID int64, statusCode int) error {
	now := utcNow()
	return s.UpsertDeltaState(ctx, DeltaState{
		MailboxID:      mailboxID,
		FolderID:       folderID,
		LastSyncAt:     &now,
		LastStatusCode: &statusCode,
		LastError:      "delta cursor expired",
	})
}
