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

package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
	"github.com/CortinezO98/icbf-mail-portal/internal/storage"
)

// mockRepo implements Repository for testing.
type mockRepo struct {
	mu        sync.Mutex
	persisted []repo.InboundMessage
	inserted  map[int64][]repo.AttachmentRow
	result    *repo.PersistResult
}

func newMockRepo(result *repo.PersistResult) *mockRepo {
	return &mockRepo{inserted: make(map[int64][]repo.AttachmentRow), result: result}
}

func (m *mockRepo) PersistInbound(_ context.Context, msg repo.InboundMessage) (*repo.PersistResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted = append(m.persisted, msg)
	return m.result, nil
}

func (m *mockRepo) InsertAttachments(_ context.Context, messageID int64, rows []repo.AttachmentRow) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted[messageID] = append(m.inserted[messageID], rows...)
	return len(rows), nil
}

// graphFixture serves a canned message and attachment set.
type graphFixture struct {
	message     map[string]any
	attachments []map[string]any
}

func (f *graphFixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/attachments"):
			json.NewEncoder(w).Encode(map[string]any{"value": f.attachments})
		case strings.Contains(r.URL.Path, "/attachments/"):
			id := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
			for _, att := range f.attachments {
				if att["id"] == id {
					full := map[string]any{}
					for k, v := range att {
						full[k] = v
					}
					full["contentBytes"] = base64.StdEncoding.EncodeToString([]byte("fetched content"))
					json.NewEncoder(w).Encode(full)
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			json.NewEncoder(w).Encode(f.message)
		}
	}))
}

func newTestPipeline(t *testing.T, server *httptest.Server, r Repository) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	store := storage.NewStore(dir, 1024*1024, nil, map[string]bool{"exe": true})
	p := New(Config{
		Graph:            graph.NewClient(server.Client(), server.URL),
		Store:            store,
		Repo:             r,
		MailboxEmail:     "shared@example.org",
		MailboxID:        1,
		NewCaseStatusID:  10,
		CaseNumberPrefix: "ICBF",
		WorkerID:         "worker-test",
	})
	return p, dir
}

func TestIngestProjection(t *testing.T) {
	fixture := &graphFixture{
		message: map[string]any{
			"id":               "AAA",
			"subject":          "",
			"receivedDateTime": "2025-01-10T12:00:00Z",
			"sentDateTime":     "2025-01-10T11:59:30Z",
			"conversationId":   "C1",
			"hasAttachments":   false,
			"from": map[string]any{
				"emailAddress": map[string]string{"address": "u@x", "name": "User X"},
			},
			"toRecipients": []map[string]any{
				{"emailAddress": map[string]string{"address": "a@x"}},
				{"emailAddress": map[string]string{"address": "b@x"}},
			},
			"body": map[string]string{"contentType": "HTML", "content": "<p>hi</p>"},
			"internetMessageHeaders": []map[string]string{
				{"name": "In-Reply-To", "value": "<root@x>"},
			},
		},
	}
	server := fixture.server(t)
	defer server.Close()

	mock := newMockRepo(&repo.PersistResult{
		CaseID: 5, MessageID: 7, CaseNumber: "ICBF-2025-000001", EventType: repo.EventCaseCreated,
	})
	p, _ := newTestPipeline(t, server, mock)

	if err := p.Ingest(context.Background(), "AAA", 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mock.persisted) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(mock.persisted))
	}
	got := mock.persisted[0]

	if got.Subject != "(no subject)" {
		t.Errorf("empty subject should default, got %q", got.Subject)
	}
	if got.BodyHTML != "<p>hi</p>" || got.BodyText != "" {
		t.Errorf("uppercase HTML contentType must map to body_html, got text=%q html=%q", got.BodyText, got.BodyHTML)
	}
	if got.InReplyTo != "<root@x>" {
		t.Errorf("InReplyTo = %q, want header value", got.InReplyTo)
	}
	if got.ToEmails != "a@x;b@x" {
		t.Errorf("ToEmails = %q, want a@x;b@x", got.ToEmails)
	}
	if got.FromEmail != "u@x" || got.FromName != "User X" {
		t.Errorf("from = %q / %q", got.FromEmail, got.FromName)
	}
	want := time.Date(2025, 1, 10, 12, 0, 0, 0, time.UTC)
	if !got.ReceivedAt.Equal(want) {
		t.Errorf("ReceivedAt = %v, want %v", got.ReceivedAt, want)
	}
	if got.FolderID != 3 || got.MailboxID != 1 {
		t.Errorf("folder/mailbox = %d/%d", got.FolderID, got.MailboxID)
	}
}

func TestIngestAttachments(t *testing.T) {
	inline := base64.StdEncoding.EncodeToString([]byte("inline content"))
	fixture := &graphFixture{
		message: map[string]any{
			"id":               "BBB",
			"subject":          "Docs",
			"receivedDateTime": "2025-02-01T08:00:00Z",
			"conversationId":   "C2",
			"hasAttachments":   true,
			"body":             map[string]string{"contentType": "text", "content": "see attached"},
		},
		attachments: []map[string]any{
			{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"id":           "att-inline",
				"name":         "inline.pdf",
				"contentType":  "application/pdf",
				"contentBytes": inline,
			},
			{
				"@odata.type": "#microsoft.graph.fileAttachment",
				"id":          "att-lazy",
				"name":        "lazy.txt",
				"contentType": "text/plain",
			},
			{
				"@odata.type": "#microsoft.graph.itemAttachment",
				"id":          "att-item",
				"name":        "forwarded message",
			},
			{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"id":           "att-blocked",
				"name":         "setup.exe",
				"contentBytes": inline,
			},
		},
	}
	server := fixture.server(t)
	defer server.Close()

	mock := newMockRepo(&repo.PersistResult{
		CaseID: 9, MessageID: 11, EventType: repo.EventMessageAdded,
	})
	p, dir := newTestPipeline(t, server, mock)

	if err := p.Ingest(context.Background(), "BBB", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rows := mock.inserted[11]
	if len(rows) != 2 {
		t.Fatalf("expected 2 attachment rows (file ones, minus blocked), got %d", len(rows))
	}
	for _, row := range rows {
		full := filepath.Join(dir, filepath.FromSlash(row.StoragePath))
		info, err := os.Stat(full)
		if err != nil {
			t.Errorf("attachment file missing for %s: %v", row.Filename, err)
			continue
		}
		if info.Size() != row.SizeBytes {
			t.Errorf("%s: size on disk %d != row %d", row.Filename, info.Size(), row.SizeBytes)
		}
	}
}

func TestIngestDedupeSkipsAttachments(t *testing.T) {
	fixture := &graphFixture{
		message: map[string]any{
			"id":               "CCC",
			"subject":          "dup",
			"receivedDateTime": "2025-03-01T00:00:00Z",
			"hasAttachments":   false,
			"body":             map[string]string{"contentType": "text", "content": "x"},
		},
	}
	server := fixture.server(t)
	defer server.Close()

	mock := newMockRepo(&repo.PersistResult{Deduped: true, CaseID: 1, MessageID: 2})
	p, _ := newTestPipeline(t, server, mock)

	if err := p.Ingest(context.Background(), "CCC", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.inserted) != 0 {
		t.Error("dedupe hit without recovery must not touch attachments")
	}
}

func TestIngestAttachmentRecovery(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("recovered"))
	fixture := &graphFixture{
		message: map[string]any{
			"id":               "DDD",
			"subject":          "crashed earlier",
			"receivedDateTime": "2025-03-02T00:00:00Z",
			"hasAttachments":   true,
			"body":             map[string]string{"contentType": "text", "content": "x"},
		},
		attachments: []map[string]any{
			{
				"@odata.type":  "#microsoft.graph.fileAttachment",
				"id":           "att1",
				"name":         "doc.pdf",
				"contentBytes": content,
			},
		},
	}
	server := fixture.server(t)
	defer server.Close()

	mock := newMockRepo(&repo.PersistResult{
		Deduped: true, RecoverAttachments: true, CaseID: 4, MessageID: 8,
	})
	p, _ := newTestPipeline(t, server, mock)

	if err := p.Ingest(context.Background(), "DDD", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.inserted[8]) != 1 {
		t.Errorf("recovery must insert the missing attachment rows, got %d", len(mock.inserted[8]))
	}
}

func TestJoinAddresses(t *testing.T) {
	recipients := []graph.Recipient{
		{EmailAddress: graph.EmailAddress{Address: "a@x"}},
		{EmailAddress: graph.EmailAddress{}},
		{EmailAddress: graph.EmailAddress{Address: "b@x"}},
	}
	if got := joinAddresses(recipients); got != "a@x;b@x" {
		t.Errorf("joinAddresses = %q", got)
	}
	if got := joinAddresses(nil); got != "" {
		t.Errorf("joinAddresses(nil) = %q", got)
	}
}
