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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Event types written to the case audit log.
const (
	EventCaseCreated  = "CASE_CREATED"
	EventMessageAdded = "MESSAGE_ADDED"
)

// pgUniqueViolation is the Postgres error code for a unique-key conflict.
const pgUniqueViolation = "23505"

// InboundMessage carries the projected fields of one inbound message plus
// the ingestion context needed to persist it.
type InboundMessage struct {
	MailboxID         int64
	FolderID          int64 // 0 when the message arrived via webhook
	ProviderMessageID string
	ConversationID    string
	InternetMessageID string
	InReplyTo         string
	FromEmail         string
	FromName          string
	ToEmails          string
	CcEmails          string
	BccEmails         string
	Subject           string
	BodyText          string
	BodyHTML          string
	ReceivedAt        time.Time
	SentAt            *time.Time
	HasAttachments    bool
	ProcessedBy       string

	// Case creation inputs, resolved once at startup.
	NewCaseStatusID  int64
	CaseNumberPrefix string
}

// PersistResult reports what PersistInbound did.
type PersistResult struct {
	Deduped bool
	// RecoverAttachments is set on a dedupe hit whose message claims
	// attachments but has no attachment rows; the caller re-runs the
	// attachment phase only.
	RecoverAttachments bool
	CaseID             int64
	MessageID          int64
	CaseNumber         string
	EventType          string
}

// PersistInbound runs the dedupe/thread/persist sequence for one inbound
// message in a single short transaction:
//
//  1. dedupe by (mailbox_id, provider_message_id)
//  2. thread by conversation_id, or create a new case
//  3. insert the message row
//  4. bump case last_activity_at and append the audit event
//
// A unique violation on the message insert means a concurrent ingestion won
// the race; it is degraded to a dedupe hit.
func (s *Store) PersistInbound(ctx context.Context, m InboundMessage) (*PersistResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if res, err := s.dedupeCheck(ctx, tx, m.MailboxID, m.ProviderMessageID); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	caseID, caseNumber, eventType, err := s.resolveCase(ctx, tx, m)
	if err != nil {
		return nil, err
	}

	var messageID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO messages
			(case_id, mailbox_id, folder_id, direction, provider_message_id,
			 conversation_id, internet_message_id, in_reply_to,
			 from_email, to_emails, cc_emails, bcc_emails,
			 subject, body_text, body_html,
			 received_at, sent_at, has_attachments, processed_by_worker)
		VALUES ($1, $2, NULLIF($3, 0), 'INBOUND', $4,
		        $5, $6, $7,
		        $8, $9, $10, $11,
		        $12, $13, $14,
		        $15, $16, $17, $18)
		RETURNING id
	`, caseID, m.MailboxID, m.FolderID, m.ProviderMessageID,
		m.ConversationID, m.InternetMessageID, m.InReplyTo,
		m.FromEmail, m.ToEmails, m.CcEmails, m.BccEmails,
		m.Subject, m.BodyText, m.BodyHTML,
		m.ReceivedAt, m.SentAt, m.HasAttachments, m.ProcessedBy,
	).Scan(&messageID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			// Race lost to a concurrent insert. The aborted transaction is
			// rolled back by the deferred call; re-read outside it.
			res, derr := s.dedupeCheck(ctx, nil, m.MailboxID, m.ProviderMessageID)
			if derr != nil {
				return nil, derr
			}
			if res == nil {
				return nil, fmt.Errorf("unique violation for message %s but winner row not visible", m.ProviderMessageID)
			}
			return res, nil
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE cases
		SET last_activity_at = $1, updated_at = $2
		WHERE id = $3
	`, m.ReceivedAt, utcNow(), caseID)
	if err != nil {
		return nil, fmt.Errorf("touch case: %w", err)
	}

	details, err := json.Marshal(map[string]any{
		"provider_message_id": m.ProviderMessageID,
		"subject":             m.Subject,
		"from":                m.FromEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("encode event details: %w", err)
	}

	var toStatus *int64
	if eventType == EventCaseCreated {
		toStatus = &m.NewCaseStatusID
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO case_events (case_id, actor, source, event_type, to_status_id, details_json)
		VALUES ($1, $2, 'GRAPH', $3, $4, $5)
	`, caseID, m.ProcessedBy, eventType, toStatus, string(details))
	if err != nil {
		return nil, fmt.Errorf("insert case event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &PersistResult{
		CaseID:     caseID,
		MessageID:  messageID,
		CaseNumber: caseNumber,
		EventType:  eventType,
	}, nil
}

// dedupeCheck looks for an existing message row. Returns nil when the
// message is new. Runs on tx when provided, otherwise on the pool.
func (s *Store) dedupeCheck(ctx context.Context, tx pgx.Tx, mailboxID int64, providerMessageID string) (*PersistResult, error) {
	q := `
		SELECT id, case_id, has_attachments
		FROM messages
		WHERE mailbox_id = $1 AND provider_message_id = $2
	`
	var row pgx.Row
	if tx != nil {
		row = tx.QueryRow(ctx, q, mailboxID, providerMessageID)
	} else {
		row = s.pool.QueryRow(ctx, q, mailboxID, providerMessageID)
	}

	var msgID, caseID int64
	var hasAttachments bool
	err := row.Scan(&msgID, &caseID, &hasAttachments)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedupe check: %w", err)
	}

	needsRecovery := false
	if hasAttachments {
		has, err := s.HasAttachmentRows(ctx, msgID)
		if err != nil {
			return nil, err
		}
		needsRecovery = !has
	}
	return &PersistResult{
		Deduped:            true,
		RecoverAttachments: needsRecovery,
		CaseID:             caseID,
		MessageID:          msgID,
	}, nil
}

// resolveCase threads the message into an existing case by conversation id,
// or creates a new case with the next sequential case number.
func (s *Store) resolveCase(ctx context.Context, tx pgx.Tx, m InboundMessage) (caseID int64, caseNumber, eventType string, err error) {
	if m.ConversationID != "" {
		err = tx.QueryRow(ctx, `
			SELECT case_id FROM messages
			WHERE mailbox_id = $1 AND conversation_id = $2
			ORDER BY id DESC LIMIT 1
		`, m.MailboxID, m.ConversationID).Scan(&caseID)
		if err == nil {
			return caseID, "", EventMessageAdded, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, "", "", fmt.Errorf("thread check: %w", err)
		}
	}

	caseNumber, err = nextCaseNumber(ctx, tx, m.CaseNumberPrefix, m.ReceivedAt.Year())
	if err != nil {
		return 0, "", "", err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO cases
			(mailbox_id, case_number, subject, requester_email, requester_name,
			 status_id, received_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING id
	`, m.MailboxID, caseNumber, m.Subject, m.FromEmail, m.FromName,
		m.NewCaseStatusID, m.ReceivedAt,
	).Scan(&caseID)
	if err != nil {
		return 0, "", "", fmt.Errorf("insert case: %w", err)
	}
	return caseID, caseNumber, EventCaseCreated, nil
}

// nextCaseNumber increments the per-year sequence under a row lock and
// formats the result. The lock serialises concurrent case creation so the
// sequence stays strictly monotonic within a year.
func nextCaseNumber(ctx context.Context, tx pgx.Tx, prefix string, year int) (string, error) {
	var last int64
	err := tx.QueryRow(ctx, `
		SELECT last_value FROM case_sequences WHERE year = $1 FOR UPDATE
	`, year).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = tx.Exec(ctx, `
			INSERT INTO case_sequences (year, last_value) VALUES ($1, 0)
			ON CONFLICT (year) DO NOTHING
		`, year)
		if err != nil {
			return "", fmt.Errorf("seed case sequence: %w", err)
		}
		err = tx.QueryRow(ctx, `
			SELECT last_value FROM case_sequences WHERE year = $1 FOR UPDATE
		`, year).Scan(&last)
	}
	if err != nil {
		return "", fmt.Errorf("lock case sequence: %w", err)
	}

	next := last + 1
	if _, err := tx.Exec(ctx, `
		UPDATE case_sequences SET last_value = $1 WHERE year = $2
	`, next, year); err != nil {
		return "", fmt.Errorf("advance case sequence: %w", err)
	}
	return FormatCaseNumber(prefix, year, next), nil
}

// FormatCaseNumber renders PREFIX-YYYY-NNNNNN with the sequence zero-padded
// to width 6.
func FormatCaseNumber(prefix string, year int, n int64) string {
	return fmt.Sprintf("%s-%d-%06d", prefix, year, n)
}
