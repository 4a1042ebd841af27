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

package delta

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/CortinezO98/icbf-mail-portal/internal/graph"
	"github.com/CortinezO98/icbf-mail-portal/internal/repo"
)

// mockStore implements Store in memory.
type mockStore struct {
	mu      sync.Mutex
	folders []repo.Folder
	states  map[int64]*repo.DeltaState
	resets  int
}

func newMockStore(folders ...repo.Folder) *mockStore {
	return &mockStore{folders: folders, states: make(map[int64]*repo.DeltaState)}
}

func (m *mockStore) ListMonitoredFolders(_ context.Context, _ int64) ([]repo.Folder, error) {
	return m.folders, nil
}

func (m *mockStore) GetDeltaState(_ context.Context, _, folderID int64) (*repo.DeltaState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[folderID]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) UpsertDeltaState(_ context.Context, d repo.DeltaState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := d
	m.states[d.FolderID] = &cp
	return nil
}

func (m *mockStore) ResetDeltaState(_ context.Context, mailboxID, folderID int64, statusCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.states[folderID] = &repo.DeltaState{
		MailboxID:      mailboxID,
		FolderID:       folderID,
		LastStatusCode: &statusCode,
	}
	return nil
}

// mockIngestor records ingested message IDs.
type mockIngestor struct {
	mu  sync.Mutex
	ids []string
}

func (m *mockIngestor) Ingest(_ context.Context, messageID string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, messageID)
	return nil
}

func (m *mockIngestor) sorted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.ids...)
	sort.Strings(out)
	return out
}

func newTestRunner(server *httptest.Server, store Store, ing Ingestor, maxPages, maxMessages int) *Runner {
	return NewRunner(Config{
		Graph:       graph.NewClient(server.Client(), server.URL),
		Store:       store,
		Ingestor:    ing,
		Mailbox:     "shared@example.org",
		MailboxID:   1,
		PageSize:    50,
		MaxPages:    maxPages,
		MaxMessages: maxMessages,
		Concurrency: 3,
	})
}

func TestRunFolderInitialSync(t *testing.T) {
	page := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch page {
		case 0:
			page++
			fmt.Fprintf(w, `{"value":[{"id":"m1"},{"id":"m2"}],"@odata.nextLink":"http://%s/page2"}`, r.Host)
		default:
			fmt.Fprint(w, `{"value":[{"id":"m3"},{"id":"gone","@removed":{"reason":"deleted"}}],"@odata.deltaLink":"delta://caught-up"}`)
		}
	}))
	defer server.Close()

	store := newMockStore()
	ing := &mockIngestor{}
	runner := newTestRunner(server, store, ing, 25, 500)

	res := runner.RunFolder(context.Background(), repo.Folder{ID: 1, Code: "INBOX"})
	if !res.OK || !res.Finished {
		t.Fatalf("result = %+v, want OK and finished", res)
	}
	if res.Pages != 2 || res.Processed != 3 {
		t.Errorf("pages/processed = %d/%d, want 2/3", res.Pages, res.Processed)
	}

	want := []string{"m1", "m2", "m3"}
	got := ing.sorted()
	if len(got) != len(want) {
		t.Fatalf("ingested %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ingested %v, want %v", got, want)
			break
		}
	}

	state := store.states[1]
	if state == nil || state.DeltaLink != "delta://caught-up" || state.NextLink != "" {
		t.Errorf("final state = %+v, want delta link only", state)
	}
}

func TestRunFolderCursorExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	store := newMockStore()
	store.states[1] = &repo.DeltaState{MailboxID: 1, FolderID: 1, DeltaLink: server.URL + "/old"}
	runner := newTestRunner(server, store, &mockIngestor{}, 25, 500)

	res := runner.RunFolder(context.Background(), repo.Folder{ID: 1, Code: "INBOX"})
	if !res.OK || res.Action != ActionReset {
		t.Fatalf("result = %+v, want action=reset", res)
	}
	if store.resets != 1 {
		t.Errorf("resets = %d, want 1", store.resets)
	}
	state := store.states[1]
	if state.DeltaLink != "" || state.NextLink != "" {
		t.Errorf("links not cleared: %+v", state)
	}
	if state.LastStatusCode == nil || *state.LastStatusCode != 410 {
		t.Errorf("last status code = %v, want 410", state.LastStatusCode)
	}
}

func TestRunFolderPageCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Always mid-pagination.
		fmt.Fprintf(w, `{"value":[{"id":"m-%s"}],"@odata.nextLink":"http://%s/next"}`, r.URL.Path, r.Host)
	}))
	defer server.Close()

	store := newMockStore()
	runner := newTestRunner(server, store, &mockIngestor{}, 2, 500)

	res := runner.RunFolder(context.Background(), repo.Folder{ID: 1, Code: "INBOX"})
	if !res.OK {
		t.Fatalf("result = %+v, want OK", res)
	}
	if res.Finished {
		t.Error("cap breach must report finished=false")
	}
	if res.Pages != 2 {
		t.Errorf("pages = %d, want 2 (the cap)", res.Pages)
	}

	state := store.states[1]
	if state == nil || state.NextLink == "" {
		t.Errorf("next_link must be preserved for continuation, state = %+v", state)
	}
}

func TestRunFolderUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	store := newMockStore()
	store.states[1] = &repo.DeltaState{MailboxID: 1, FolderID: 1, DeltaLink: server.URL + "/cursor"}
	runner := newTestRunner(server, store, &mockIngestor{}, 25, 500)

	res := runner.RunFolder(context.Background(), repo.Folder{ID: 1, Code: "INBOX"})
	if res.OK {
		t.Fatal("403 must fail the folder")
	}

	state := store.states[1]
	if state.LastStatusCode == nil || *state.LastStatusCode != 403 {
		t.Errorf("last status = %v, want 403", state.LastStatusCode)
	}
	if state.LastError == "" {
		t.Error("last_error must be recorded")
	}
	if state.DeltaLink == "" {
		t.Error("cursor must survive a non-410 failure")
	}
}

func TestRunAllSiblingIsolation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The INBOX cursor 403s; the SENT folder syncs cleanly.
		if r.URL.Path == "/inbox-cursor" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"value":[],"@odata.deltaLink":"delta://sent-done"}`)
	}))
	defer server.Close()

	store := newMockStore(
		repo.Folder{ID: 1, Code: "INBOX"},
		repo.Folder{ID: 2, Code: "SENT"},
	)
	store.states[1] = &repo.DeltaState{MailboxID: 1, FolderID: 1, DeltaLink: server.URL + "/inbox-cursor"}
	runner := newTestRunner(server, store, &mockIngestor{}, 25, 500)

	results, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 folder results, got %d", len(results))
	}
	if results[0].OK {
		t.Error("INBOX should have failed")
	}
	if !results[1].OK || !results[1].Finished {
		t.Errorf("SENT should have synced despite the INBOX failure: %+v", results[1])
	}
}
