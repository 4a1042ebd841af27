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
	"fmt"
)

// AttachmentRow is the metadata persisted for one stored attachment file.
type AttachmentRow struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	IsInline    bool
	ContentID   string
	StoragePath string
}

// HasAttachmentRows reports whether any attachment rows exist for a message.
func (s *Store) HasAttachmentRows(ctx context.Context, messageID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM attachments WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check attachments: %w", err)
	}
	return exists, nil
}

// InsertAttachments bulk-inserts attachment rows for a message in one short
// transaction. The pre-check makes the attachment phase idempotent: a retry
// after a crash between file writes and row inserts adds nothing twice.
func (s *Store) InsertAttachments(ctx context.Context, messageID int64, rows []AttachmentRow) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM attachments WHERE message_id = $1)
	`, messageID).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("pre-check attachments: %w", err)
	}
	if exists {
		return 0, nil
	}

	for _, r := range rows {
		_, err := tx.Exec(ctx, `
			INSERT INTO attachments
				(message_id, filename, content_type, size_bytes, sha256,
				 is_inline, content_id, storage_path)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, messageID, r.Filename, r.ContentType, r.SizeBytes, r.SHA256,
			r.IsInline, r.ContentID, r.StoragePath)
		if err != nil {
			return 0, fmt.Errorf("insert attachment %s: %w", r.Filename, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(rows), nil
}
