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

// Package ingest is the shared message-ingestion pipeline. Both the webhook
// receiver and the delta poller feed message IDs into it; everything
// downstream of "we learned about a message" lives here.
//
// Phases run in strict order: fetch, persist (transaction A), attachment
// fetch and disk writes, attachment rows (transaction B). No database
// transaction is ever held across an upstream HTTP call.
package ingest

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/queue"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
	"github.com/CortinezO98/icbf-mail-portal/internal/storage"
)

// noSubject is the placeholder for messages without a subject line.
const noSubject = "(no subject)"

// Repository is the persistence surface the pipeline needs.
type Repository interface {
	PersistInbound(ctx context.Context, m repo.InboundMessage) (*repo.PersistResult, error)
	InsertAttachments(ctx context.Context, messageID int64, rows []repo.AttachmentRow) (int, error)
}

// SeenFilter is the optional fast-path duplicate filter in front of the
// database dedupe check.
type SeenFilter interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// Publisher emits case events to the downstream workers. Publishing is
// best-effort; failures never fail the ingest.
type Publisher interface {
	PublishCaseEvent(ctx context.Context, event *queue.CaseEvent) error
}

// Pipeline ingests messages for the single monitored mailbox.
type Pipeline struct {
	graph   *graph.Client
	store   *storage.Store
	repo    Repository
	filter  SeenFilter // may be nil
	events  Publisher  // may be nil
	mailbox string
	// Resolved once at startup and reused for every ingest.
	mailboxID        int64
	newCaseStatusID  int64
	caseNumberPrefix string
	workerID         string
}

// Config wires a Pipeline.
type Config struct {
	Graph            *graph.Client
	Store            *storage.Store
	Repo             Repository
	Filter           SeenFilter
	Events           Publisher
	MailboxEmail     string
	MailboxID        int64
	NewCaseStatusID  int64
	CaseNumberPrefix string
	WorkerID         string
}

// New creates the pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		graph:            cfg.Graph,
		store:            cfg.Store,
		repo:             cfg.Repo,
		filter:           cfg.Filter,
		events:           cfg.Events,
		mailbox:          cfg.MailboxEmail,
		mailboxID:        cfg.MailboxID,
		newCaseStatusID:  cfg.NewCaseStatusID,
		caseNumberPrefix: cfg.CaseNumberPrefix,
		workerID:         cfg.WorkerID,
	}
}

// Ingest processes one message by provider ID. folderID is the monitored
// folder the ID was enumerated from, or 0 for webhook deliveries. Safe to
// call concurrently and idempotent: duplicates are detected in Redis first
// and by the database unique key second.
func (p *Pipeline) Ingest(ctx context.Context, messageID string, folderID int64) error {
	if p.filter != nil {
		dup, err := p.filter.IsDuplicate(ctx, messageID)
		if err != nil {
			slog.Warn("seen-filter check failed, falling through to database",
				"message_id", messageID, "error", err)
		} else if dup {
			slog.Debug("message already processed", "message_id", messageID)
			return nil
		}
	}

	msg, err := p.graph.GetMessage(ctx, p.mailbox, messageID)
	if err != nil {
		return fmt.Errorf("fetch message: %w", err)
	}

	inbound, err := p.project(msg, folderID)
	if err != nil {
		return err
	}

	res, err := p.repo.PersistInbound(ctx, *inbound)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	switch {
	case res.Deduped && !res.RecoverAttachments:
		slog.Debug("duplicate message", "message_id", messageID)
		return nil
	case res.Deduped:
		slog.Info("recovering attachments for previously ingested message",
			"message_id", messageID, "db_message_id", res.MessageID)
	default:
		slog.Info("message ingested",
			"message_id", messageID,
			"case_id", res.CaseID,
			"case_number", res.CaseNumber,
			"event", res.EventType,
		)
		p.publish(ctx, msg, res)
	}

	if msg.HasAttachments {
		if err := p.ingestAttachments(ctx, messageID, res.MessageID); err != nil {
			return fmt.Errorf("attachments for %s: %w", messageID, err)
		}
	}

	if p.filter != nil {
		if err := p.filter.MarkProcessed(ctx, messageID); err != nil {
			slog.Warn("seen-filter mark failed", "message_id", messageID, "error", err)
		}
	}
	return nil
}

// project maps the Graph message onto the repository row shape.
func (p *Pipeline) project(msg *graph.Message, folderID int64) (*repo.InboundMessage, error) {
	receivedAt, err := parseGraphTime(msg.ReceivedDateTime)
	if err != nil {
		return nil, fmt.Errorf("parse receivedDateTime %q: %w", msg.ReceivedDateTime, err)
	}
	var sentAt *time.Time
	if msg.SentDateTime != "" {
		t, err := parseGraphTime(msg.SentDateTime)
		if err != nil {
			return nil, fmt.Errorf("parse sentDateTime %q: %w", msg.SentDateTime, err)
		}
		sentAt = &t
	}

	subject := msg.Subject
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}

	var fromEmail, fromName string
	if msg.From != nil {
		fromEmail = msg.From.EmailAddress.Address
		fromName = msg.From.EmailAddress.Name
	}

	var bodyText, bodyHTML string
	if strings.EqualFold(msg.Body.ContentType, "html") {
		bodyHTML = msg.Body.Content
	} else {
		bodyText = msg.Body.Content
	}

	return &repo.InboundMessage{
		MailboxID:         p.mailboxID,
		FolderID:          folderID,
		ProviderMessageID: msg.ID,
		ConversationID:    msg.ConversationID,
		InternetMessageID: msg.InternetMessageID,
		InReplyTo:         msg.Header("In-Reply-To"),
		FromEmail:         fromEmail,
		FromName:          fromName,
		ToEmails:          joinAddresses(msg.ToRecipients),
		CcEmails:          joinAddresses(msg.CcRecipients),
		BccEmails:         joinAddresses(msg.BccRecipients),
		Subject:           subject,
		BodyText:          bodyText,
		BodyHTML:          bodyHTML,
		ReceivedAt:        receivedAt,
		SentAt:            sentAt,
		HasAttachments:    msg.HasAttachments,
		ProcessedBy:       p.workerID,
		NewCaseStatusID:   p.newCaseStatusID,
		CaseNumberPrefix:  p.caseNumberPrefix,
	}, nil
}

// ingestAttachments runs the attachment phase: list, fetch bytes, store to
// disk, then insert the rows in one short transaction. Attachments within a
// message are handled sequentially.
func (p *Pipeline) ingestAttachments(ctx context.Context, providerMessageID string, messageID int64) error {
	atts, err := p.graph.ListAttachments(ctx, p.mailbox, providerMessageID)
	if err != nil {
		return err
	}

	var rows []repo.AttachmentRow
	for _, att := range atts {
		if !att.IsFile() {
			slog.Debug("skipping non-file attachment",
				"message_id", providerMessageID, "type", att.ODataType, "name", att.Name)
			continue
		}

		encoded := att.ContentBytes
		if encoded == "" {
			full, err := p.graph.GetAttachment(ctx, p.mailbox, providerMessageID, att.ID)
			if err != nil {
				return err
			}
			encoded = full.ContentBytes
		}

		content, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			slog.Warn("attachment content not valid base64, skipping",
				"message_id", providerMessageID, "name", att.Name, "error", err)
			continue
		}

		saved, err := p.store.Save(att.Name, content, att.ContentType)
		if err != nil {
			if storage.IsValidationError(err) {
				slog.Warn("attachment rejected by policy, skipping",
					"message_id", providerMessageID, "name", att.Name, "error", err)
				continue
			}
			return err
		}

		rows = append(rows, repo.AttachmentRow{
			Filename:    att.Name,
			ContentType: saved.ContentType,
			SizeBytes:   saved.SizeBytes,
			SHA256:      saved.SHA256,
			IsInline:    att.IsInline,
			ContentID:   att.ContentID,
			StoragePath: saved.StoragePath,
		})
	}

	inserted, err := p.repo.InsertAttachments(ctx, messageID, rows)
	if err != nil {
		return err
	}
	if inserted > 0 {
		slog.Info("attachments stored",
			"message_id", providerMessageID, "count", inserted)
	}
	return nil
}

// publish emits the case event downstream, best-effort.
func (p *Pipeline) publish(ctx context.Context, msg *graph.Message, res *repo.PersistResult) {
	if p.events == nil {
		return
	}
	err := p.events.PublishCaseEvent(ctx, &queue.CaseEvent{
		EventType:         res.EventType,
		CaseID:            res.CaseID,
		CaseNumber:        res.CaseNumber,
		MessageID:         res.MessageID,
		ProviderMessageID: msg.ID,
		MailboxEmail:      p.mailbox,
		OccurredAt:        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn("case event publish failed",
			"case_id", res.CaseID, "error", err)
	}
}

// parseGraphTime parses an ISO-8601 timestamp into naive UTC.
func parseGraphTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// joinAddresses flattens a recipient list into a ;-separated address string.
func joinAddresses(recipients []graph.Recipient) string {
	if len(recipients) == 0 {
		return ""
	}
	addrs := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if r.EmailAddress.Address != "" {
			addrs = append(addrs, r.EmailAddress.Address)
		}
	}
	return strings.Join(addrs, ";")
}
