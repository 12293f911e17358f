// Package attach is the content-addressed store for chat attachments.
// Files are named by their content hash, so re-uploading the same file is
// free and references never go stale.
package attach

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Ref points at one stored attachment.
type Ref struct {
	Hash     string `json:"hash"` // 16 hex chars
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// URL is the bridge path the attachment is served under.
func (r Ref) URL() string { return "/attachments/" + r.Hash }

var hashRe = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Store manages attachment files rooted at one directory.
type Store struct {
	mu  sync.RWMutex
	dir string
}

// NewStore creates the attachment store in dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Put stores the content of r and returns its reference. Content already in
// the store is not written again.
func (s *Store) Put(name, mimeType string, r io.Reader) (Ref, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Ref{}, fmt.Errorf("read attachment: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := fmt.Sprintf("%x", sum[:8])

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dir, hash)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, data, 0644); err != nil {
			return Ref{}, fmt.Errorf("write attachment: %w", err)
		}
	}
	return Ref{
		Hash:     hash,
		Name:     sanitizeName(name),
		MimeType: mimeType,
		Size:     int64(len(data)),
	}, nil
}

// Has reports whether content with the given hash is stored locally.
func (s *Store) Has(hash string) bool {
	if !hashRe.MatchString(hash) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := os.Stat(filepath.Join(s.dir, hash))
	return err == nil
}

// Open returns a reader over a stored attachment.
func (s *Store) Open(hash string) (io.ReadCloser, error) {
	if !hashRe.MatchString(hash) {
		return nil, fmt.Errorf("invalid attachment hash %q", hash)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, err := os.Open(filepath.Join(s.dir, hash))
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	return f, nil
}

// sanitizeName strips path components so a stored name can never escape the
// serving directory when echoed back in headers.
func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "file"
	}
	return name
}
