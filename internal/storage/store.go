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

// Package storage persists attachment bytes to a content-addressed on-disk
// layout:
//
//	<base>/<sha256[0:2]>/<sha256[2:4]>/<sha256>_<safe_filename>
//
// Writes land in a .tmp sibling first and are atomically renamed into
// place. An existing final path wins — identical content collapses to a
// single file, so concurrent writers need no locking.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// maxFilenameLen bounds the sanitized filename component.
const maxFilenameLen = 180

// ValidationError marks an attachment rejected by policy (size, extension).
// Callers log and skip these; the message itself is still persisted.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "attachment rejected: " + e.Reason }

// IsValidationError reports whether err is a policy rejection.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SavedFile describes a persisted attachment. StoragePath is relative to the
// store's base directory and always uses forward slashes.
type SavedFile struct {
	StoragePath string
	SHA256      string
	SizeBytes   int64
	ContentType string
}

// Store writes validated attachment bytes under a base directory.
type Store struct {
	baseDir    string
	maxBytes   int64
	allowedExt map[string]bool // empty = no allowlist
	blockedExt map[string]bool
}

// NewStore creates the attachment store rooted at baseDir. Extension sets
// are lowercase and dotless.
func NewStore(baseDir string, maxBytes int64, allowedExt, blockedExt map[string]bool) *Store {
	return &Store{
		baseDir:    baseDir,
		maxBytes:   maxBytes,
		allowedExt: allowedExt,
		blockedExt: blockedExt,
	}
}

// Save validates and persists one attachment. contentType comes from the
// provider metadata; when empty it is guessed from the extension and falls
// back to application/octet-stream.
//
// Validation order (first failure short-circuits): filename sanitized,
// extension not blocked, extension allowed (when an allowlist exists), size
// within the ceiling.
func (s *Store) Save(filename string, content []byte, contentType string) (*SavedFile, error) {
	safe := SanitizeFilename(filename)
	ext := extOf(safe)

	if s.blockedExt[ext] {
		return nil, &ValidationError{Reason: fmt.Sprintf("blocked extension .%s", ext)}
	}
	if len(s.allowedExt) > 0 && ext != "" && !s.allowedExt[ext] {
		return nil, &ValidationError{Reason: fmt.Sprintf("extension .%s not in allowlist", ext)}
	}
	if int64(len(content)) > s.maxBytes {
		return nil, &ValidationError{Reason: fmt.Sprintf("%d bytes exceeds limit of %d", len(content), s.maxBytes)}
	}

	sum := sha256.Sum256(content)
	sha := hex.EncodeToString(sum[:])

	relDir := filepath.Join(sha[0:2], sha[2:4])
	relPath := filepath.Join(relDir, sha+"_"+safe)
	finalPath := filepath.Join(s.baseDir, relPath)

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}

	if _, err := os.Stat(finalPath); err == nil {
		// Content-addressed: the bytes are already on disk.
		return s.saved(relPath, sha, int64(len(content)), contentType, safe), nil
	}

	tmpPath := finalPath + ".tmp"
	if err := os.WriteFile(tmpPath, content, 0o640); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("finalize attachment: %w", err)
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(finalPath, 0o640); err != nil {
			return nil, fmt.Errorf("chmod attachment: %w", err)
		}
	}

	return s.saved(relPath, sha, int64(len(content)), contentType, safe), nil
}

func (s *Store) saved(relPath, sha string, size int64, contentType, safeName string) *SavedFile {
	return &SavedFile{
		StoragePath: filepath.ToSlash(relPath),
		SHA256:      sha,
		SizeBytes:   size,
		ContentType: resolveContentType(contentType, safeName),
	}
}

// SanitizeFilename hardens a provider-supplied filename for the filesystem:
// control characters removed, path separators replaced, length capped.
// An empty result becomes "attachment.bin".
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// drop control characters
		case r == '/' || r == '\\':
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if out == "" || out == "." || out == ".." {
		return "attachment.bin"
	}
	if len(out) > maxFilenameLen {
		out = out[:maxFilenameLen]
	}
	return out
}

func resolveContentType(declared, filename string) string {
	if declared != "" {
		return declared
	}
	if ext := filepath.Ext(filename); ext != "" {
		if guessed := mime.TypeByExtension(ext); guessed != "" {
			return guessed
		}
	}
	return "application/octet-stream"
}

func extOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}
