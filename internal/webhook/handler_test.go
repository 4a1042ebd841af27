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

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockIngestor records ingested IDs and signals each arrival.
type mockIngestor struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newMockIngestor() *mockIngestor {
	return &mockIngestor{ch: make(chan string, 16)}
}

func (m *mockIngestor) Ingest(_ context.Context, messageID string, _ int64) error {
	m.mu.Lock()
	m.ids = append(m.ids, messageID)
	m.mu.Unlock()
	m.ch <- messageID
	return nil
}

func (m *mockIngestor) wait(t *testing.T) string {
	t.Helper()
	select {
	case id := <-m.ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("no ingest within 2s")
		return ""
	}
}

func newTestHandler(ing Ingestor) *Handler {
	return NewHandler(ing, nil, nil, "secret", "admin-key", "test")
}

func TestValidationHandshake(t *testing.T) {
	h := newTestHandler(newMockIngestor())

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		req := httptest.NewRequest(method, "/graph/webhook?validationToken=tok%20123", nil)
		rec := httptest.NewRecorder()
		h.ServeNotification(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", method, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/plain" {
			t.Errorf("%s: content-type = %q, want text/plain", method, ct)
		}
		if body := rec.Body.String(); body != "tok 123" {
			t.Errorf("%s: body = %q, want token verbatim", method, body)
		}
	}
}

func TestNotificationAccepted(t *testing.T) {
	ing := newMockIngestor()
	h := newTestHandler(ing)

	payload := `{"value":[{"subscriptionId":"s1","changeType":"created","clientState":"secret","resource":"Users/u1/Messages/AAA","resourceData":{"id":"AAA"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/graph/webhook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeNotification(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if got := ing.wait(t); got != "AAA" {
		t.Errorf("ingested %q, want AAA", got)
	}
}

func TestNotificationClientStateMismatch(t *testing.T) {
	ing := newMockIngestor()
	h := newTestHandler(ing)

	payload := `{"value":[{"clientState":"spoofed","resourceData":{"id":"AAA"}}]}`
	req := httptest.NewRequest(http.MethodPost, "/graph/webhook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeNotification(rec, req)

	// Still 202; Graph must not retry spoofed notifications.
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}

	select {
	case id := <-ing.ch:
		t.Errorf("spoofed notification was ingested: %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotificationResourceFallback(t *testing.T) {
	ing := newMockIngestor()
	h := newTestHandler(ing)

	// No resourceData.id; the ID comes from parsing the resource path.
	payload := `{"value":[{"clientState":"secret","resource":"Users/u1/Messages/BBB"}]}`
	req := httptest.NewRequest(http.MethodPost, "/graph/webhook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeNotification(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if got := ing.wait(t); got != "BBB" {
		t.Errorf("ingested %q, want BBB", got)
	}
}

func TestNotificationBadJSON(t *testing.T) {
	h := newTestHandler(newMockIngestor())

	req := httptest.NewRequest(http.MethodPost, "/graph/webhook", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	h.ServeNotification(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202 (never ask Graph to retry)", rec.Code)
	}
}

func TestParseResourceMessageID(t *testing.T) {
	tests := []struct {
		resource string
		want     string
		wantErr  bool
	}{
		{"Users/u1/Messages/AAA", "AAA", false},
		{"/users/u1/messages/BBB", "BBB", false},
		{"users/u1/mailFolders('Inbox')/messages/CCC", "CCC", false},
		{"users/u1", "", true},
	}
	for _, tt := range tests {
		got, err := parseResourceMessageID(tt.resource)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseResourceMessageID(%q) error = %v, wantErr %v", tt.resource, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseResourceMessageID(%q) = %q, want %q", tt.resource, got, tt.want)
		}
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(newMockIngestor())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["status"] != "ok" || body["env"] != "test" {
		t.Errorf("body = %v", body)
	}
}

// staticEnsurer satisfies SubscriptionEnsurer.
type staticEnsurer struct {
	lastDryRun bool
}

func (s *staticEnsurer) Ensure(_ context.Context, dryRun bool) (any, error) {
	s.lastDryRun = dryRun
	return map[string]string{"action": "ok"}, nil
}

func TestAdminGate(t *testing.T) {
	ens := &staticEnsurer{}
	h := NewHandler(newMockIngestor(), ens, nil, "secret", "admin-key", "test")

	// Missing key.
	req := httptest.NewRequest(http.MethodPost, "/graph/subscription/ensure", nil)
	rec := httptest.NewRecorder()
	h.ServeEnsureSubscription(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want 401", rec.Code)
	}

	// Wrong method.
	req = httptest.NewRequest(http.MethodGet, "/graph/subscription/ensure", nil)
	req.Header.Set("x-admin-key", "admin-key")
	rec = httptest.NewRecorder()
	h.ServeEnsureSubscription(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: status = %d, want 405", rec.Code)
	}

	// Authorized with dry_run.
	req = httptest.NewRequest(http.MethodPost, "/graph/subscription/ensure?dry_run=1", nil)
	req.Header.Set("x-admin-key", "admin-key")
	rec = httptest.NewRecorder()
	h.ServeEnsureSubscription(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("authorized: status = %d, want 200", rec.Code)
	}
	if !ens.lastDryRun {
		t.Error("dry_run=1 not propagated")
	}
}

func TestServeReadyAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTestHandler(newMockIngestor())

	ready, err := Serve(ctx, "127.0.0.1", 0, h)
	if err != nil {
		// Port 0 binds an ephemeral port; failure here means the listener
		// itself is broken.
		t.Fatalf("serve: %v", err)
	}

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
}
