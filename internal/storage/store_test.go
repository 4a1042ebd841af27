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

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testStore(t *testing.T, maxBytes int64) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	allowed := map[string]bool{"pdf": true, "txt": true, "png": true}
	blocked := map[string]bool{"exe": true, "bat": true}
	return NewStore(dir, maxBytes, allowed, blocked), dir
}

func TestSaveLayout(t *testing.T) {
	s, dir := testStore(t, 1024)

	content := []byte("hello attachment")
	saved, err := s.Save("report.pdf", content, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	wantPath := fmt.Sprintf("%s/%s/%s_report.pdf", sha[0:2], sha[2:4], sha)
	if saved.StoragePath != wantPath {
		t.Errorf("StoragePath = %q, want %q", saved.StoragePath, wantPath)
	}
	if saved.SHA256 != sha {
		t.Errorf("SHA256 = %q, want %q", saved.SHA256, sha)
	}
	if saved.SizeBytes != int64(len(content)) {
		t.Errorf("SizeBytes = %d, want %d", saved.SizeBytes, len(content))
	}
	if saved.ContentType != "application/pdf" {
		t.Errorf("ContentType = %q, want application/pdf", saved.ContentType)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(saved.StoragePath)))
	if err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
	if string(onDisk) != string(content) {
		t.Error("stored bytes differ from input")
	}
}

func TestSaveIdempotent(t *testing.T) {
	s, dir := testStore(t, 1024)

	content := []byte("same bytes twice")
	first, err := s.Save("a.txt", content, "")
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := s.Save("a.txt", content, "")
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	if first.StoragePath != second.StoragePath {
		t.Errorf("paths differ: %q vs %q", first.StoragePath, second.StoragePath)
	}

	// Exactly one file and no leftover .tmp sibling.
	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Errorf("expected 1 file on disk, found %d: %v", len(files), files)
	}
	if strings.HasSuffix(files[0], ".tmp") {
		t.Errorf("leftover tmp file: %s", files[0])
	}
}

func TestSaveSizeBoundary(t *testing.T) {
	s, _ := testStore(t, 64)

	atLimit := make([]byte, 64)
	if _, err := s.Save("ok.txt", atLimit, ""); err != nil {
		t.Errorf("exactly at limit should be accepted: %v", err)
	}

	over := make([]byte, 65)
	_, err := s.Save("big.txt", over, "")
	if !IsValidationError(err) {
		t.Errorf("one byte over limit should be a validation error, got %v", err)
	}
}

func TestSaveBlockedExtension(t *testing.T) {
	s, _ := testStore(t, 1024)

	_, err := s.Save("malware.exe", []byte("x"), "")
	if !IsValidationError(err) {
		t.Errorf("blocked extension should be rejected, got %v", err)
	}

	// Blocklist wins even when the extension would pass the allowlist check.
	_, err = s.Save("MALWARE.EXE", []byte("x"), "")
	if !IsValidationError(err) {
		t.Errorf("blocklist must match case-insensitively, got %v", err)
	}
}

func TestSaveAllowlist(t *testing.T) {
	s, _ := testStore(t, 1024)

	if _, err := s.Save("doc.pdf", []byte("x"), ""); err != nil {
		t.Errorf("allowlisted extension rejected: %v", err)
	}
	_, err := s.Save("archive.rar", []byte("x"), "")
	if !IsValidationError(err) {
		t.Errorf("extension outside allowlist should be rejected, got %v", err)
	}
}

func TestSaveContentTypeFallback(t *testing.T) {
	s, _ := testStore(t, 1024)

	saved, err := s.Save("image.png", []byte("x"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", saved.ContentType)
	}

	// Unknown extension with no declared type falls back to octet-stream.
	// "noext" has no extension so it passes the allowlist check.
	saved, err = s.Save("noext", []byte("x"), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ContentType != "application/octet-stream" {
		t.Errorf("ContentType = %q, want application/octet-stream", saved.ContentType)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"normal.pdf", "normal.pdf"},
		{"../../etc/passwd", ".._.._etc_passwd"},
		{"dir\\file.txt", "dir_file.txt"},
		{"bad\x00\x1fname.txt", "badname.txt"},
		{"", "attachment.bin"},
		{"..", "attachment.bin"},
		{"  spaced.txt  ", "spaced.txt"},
	}
	for _, tt := range tests {
		if got := SanitizeFilename(tt.in); got != tt.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	long := strings.Repeat("a", 300) + ".txt"
	if got := SanitizeFilename(long); len(got) != 180 {
		t.Errorf("long filename truncated to %d chars, want 180", len(got))
	}
}
