// Package evidence stores tip attachments in a content-addressed backing
// store. Payloads are encrypted before they leave the process; settlement
// treats evidence references as opaque strings.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates no object exists for the content id.
var ErrNotFound = errors.New("evidence: not found")

// Store is a content-addressed blob store.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, cid string) ([]byte, error)
}

// FileStore persists objects on the local filesystem keyed by the sha256 of
// the stored bytes.
type FileStore struct {
	root string
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("evidence: root directory required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{root: root}, nil
}

// Put writes the object and returns its content id.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("evidence: empty payload")
	}
	sum := sha256.Sum256(data)
	cid := hex.EncodeToString(sum[:])
	path := filepath.Join(s.root, cid)
	if _, err := os.Stat(path); err == nil {
		return cid, nil
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return cid, nil
}

// Get reads the object for a content id.
func (s *FileStore) Get(_ context.Context, cid string) ([]byte, error) {
	cleaned := strings.TrimSpace(cid)
	if cleaned == "" || strings.ContainsAny(cleaned, "/\\.") {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, cleaned))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}
