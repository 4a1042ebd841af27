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

// Package repo is the Postgres persistence layer for the ingestion worker:
// mailboxes, cases, messages, attachments, audit events, subscription state,
// and per-folder delta cursors.
//
// Timestamps are stored as naive UTC (TIMESTAMP without time zone); callers
// pass time.Time values already converted with .UTC(). Every write path is a
// short transaction and no transaction is held across an HTTP call.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides all database operations, backed by a shared pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates the store and ensures the schema exists.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	slog.Info("repository store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailboxes (
			id         BIGSERIAL PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			is_active  BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		);

		CREATE TABLE IF NOT EXISTS case_statuses (
			id   BIGSERIAL PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS case_sequences (
			year       INT PRIMARY KEY,
			last_value BIGINT NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS cases (
			id               BIGSERIAL PRIMARY KEY,
			mailbox_id       BIGINT NOT NULL REFERENCES mailboxes(id),
			case_number      TEXT NOT NULL UNIQUE,
			subject          TEXT NOT NULL DEFAULT '',
			requester_email  TEXT NOT NULL DEFAULT '',
			requester_name   TEXT NOT NULL DEFAULT '',
			status_id        BIGINT NOT NULL REFERENCES case_statuses(id),
			received_at      TIMESTAMP NOT NULL,
			last_activity_at TIMESTAMP NOT NULL,
			is_responded     BOOLEAN NOT NULL DEFAULT FALSE,
			sla_state        TEXT NOT NULL DEFAULT '',
			created_at       TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			updated_at       TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		);
		CREATE INDEX IF NOT EXISTS idx_cases_mailbox ON cases(mailbox_id);
		CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                  BIGSERIAL PRIMARY KEY,
			case_id             BIGINT NOT NULL REFERENCES cases(id),
			mailbox_id          BIGINT NOT NULL REFERENCES mailboxes(id),
			folder_id           BIGINT,
			direction           TEXT NOT NULL DEFAULT 'INBOUND',
			provider_message_id TEXT NOT NULL,
			conversation_id     TEXT NOT NULL DEFAULT '',
			internet_message_id TEXT NOT NULL DEFAULT '',
			in_reply_to         TEXT NOT NULL DEFAULT '',
			from_email          TEXT NOT NULL DEFAULT '',
			to_emails           TEXT NOT NULL DEFAULT '',
			cc_emails           TEXT NOT NULL DEFAULT '',
			bcc_emails          TEXT NOT NULL DEFAULT '',
			subject             TEXT NOT NULL DEFAULT '',
			body_text           TEXT NOT NULL DEFAULT '',
			body_html           TEXT NOT NULL DEFAULT '',
			received_at         TIMESTAMP NOT NULL,
			sent_at             TIMESTAMP,
			has_attachments     BOOLEAN NOT NULL DEFAULT FALSE,
			processed_by_worker TEXT NOT NULL DEFAULT '',
			created_at          TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			UNIQUE (mailbox_id, provider_message_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_case ON messages(case_id);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(mailbox_id, conversation_id);

		CREATE TABLE IF NOT EXISTS attachments (
			id           BIGSERIAL PRIMARY KEY,
			message_id   BIGINT NOT NULL REFERENCES messages(id),
			filename     TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			size_bytes   BIGINT NOT NULL DEFAULT 0,
			sha256       TEXT NOT NULL DEFAULT '',
			is_inline    BOOLEAN NOT NULL DEFAULT FALSE,
			content_id   TEXT NOT NULL DEFAULT '',
			storage_path TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);

		CREATE TABLE IF NOT EXISTS case_events (
			id             BIGSERIAL PRIMARY KEY,
			case_id        BIGINT NOT NULL REFERENCES cases(id),
			actor          TEXT NOT NULL DEFAULT '',
			source         TEXT NOT NULL DEFAULT '',
			event_type     TEXT NOT NULL,
			from_status_id BIGINT,
			to_status_id   BIGINT,
			details_json   JSONB,
			created_at     TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc')
		);
		CREATE INDEX IF NOT EXISTS idx_case_events_case ON case_events(case_id);

		CREATE TABLE IF NOT EXISTS graph_subscriptions (
			id               BIGSERIAL PRIMARY KEY,
			subscription_id  TEXT NOT NULL UNIQUE,
			mailbox_id       BIGINT NOT NULL REFERENCES mailboxes(id),
			resource         TEXT NOT NULL,
			notification_url TEXT NOT NULL DEFAULT '',
			expires_at       TIMESTAMP NOT NULL,
			status           TEXT NOT NULL DEFAULT 'ACTIVE',
			last_renew_at    TIMESTAMP,
			created_at       TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			updated_at       TIMESTAMP NOT NULL DEFAULT (NOW() AT TIME ZONE 'utc'),
			UNIQUE (mailbox_id, resource)
		);

		CREATE TABLE IF NOT EXISTS graph_delta_state (
			mailbox_id       BIGINT NOT NULL REFERENCES mailboxes(id),
			folder_id        BIGINT NOT NULL,
			delta_link       TEXT NOT NULL DEFAULT '',
			next_link        TEXT NOT NULL DEFAULT '',
			last_sync_at     TIMESTAMP,
			last_status_code INT,
			last_error       TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (mailbox_id, folder_id)
		);

		CREATE TABLE IF NOT EXISTS mailbox_folders (
			id              BIGSERIAL PRIMARY KEY,
			mailbox_id      BIGINT NOT NULL REFERENCES mailboxes(id),
			folder_code     TEXT NOT NULL,
			graph_folder_id TEXT NOT NULL DEFAULT '',
			UNIQUE (mailbox_id, folder_code)
		);
	`)
	return err
}

// EnsureMailbox resolves the monitored mailbox by email, creating the row on
// first run. The returned id is cached by the caller for the process
// lifetime.
func (s *Store) EnsureMailbox(ctx context.Context, email string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mailboxes (email) VALUES ($1)
		ON CONFLICT (email) DO UPDATE SET is_active = TRUE
		RETURNING id
	`, email).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure mailbox %s: %w", email, err)
	}
	return id, nil
}

// StatusIDByCode looks up a pre-seeded case status. A missing code is a
// configuration error, not a runtime condition.
func (s *Store) StatusIDByCode(ctx context.Context, code string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM case_statuses WHERE code = $1
	`, code).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("case status %q not seeded: %w", code, err)
	}
	return id, nil
}

// Folder is one monitored mailbox folder.
type Folder struct {
	ID            int64
	Code          string
	GraphFolderID string
}

// EnsureFolders upserts the monitored folder set for a mailbox.
func (s *Store) EnsureFolders(ctx context.Context, mailboxID int64, folders []Folder) error {
	for _, f := range folders {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO mailbox_folders (mailbox_id, folder_code, graph_folder_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (mailbox_id, folder_code) DO UPDATE SET
				graph_folder_id = EXCLUDED.graph_folder_id
		`, mailboxID, f.Code, f.GraphFolderID)
		if err != nil {
			return fmt.Errorf("ensure folder %s: %w", f.Code, err)
		}
	}
	return nil
}

// ListMonitoredFolders returns the folders the delta poller walks.
func (s *Store) ListMonitoredFolders(ctx context.Context, mailboxID int64) ([]Folder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, folder_code, graph_folder_id
		FROM mailbox_folders
		WHERE mailbox_id = $1
		ORDER BY id
	`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []Folder
	for rows.Next() {
		var f Folder
		if err := rows.Scan(&f.ID, &f.Code, &f.GraphFolderID); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// utcNow returns the current wall clock as naive UTC.
func utcNow() time.Time {
	return time.Now().UTC()
}
