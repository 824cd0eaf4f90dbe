// Package imagestore provides content-addressed storage for scanned
// sheet images. Every backend stores a blob under its sha256 content
// hash and returns the "sha256:"-prefixed hash, so ledger blocks and
// database rows reference images by the same identifier regardless of
// where the bytes live.
package imagestore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
)

// ErrNotFound reports that no image with the given content hash is
// stored. Backends wrap it so callers can match with errors.Is.
var ErrNotFound = errors.New("image not found")

// Store is the contract all image backends satisfy. Put is idempotent:
// storing the same bytes twice returns the same hash and writes once.
type Store interface {
	// Put persists an image and returns its sha256-prefixed content hash.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves an image by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Has reports whether an image with the given hash is stored.
	Has(ctx context.Context, hash string) (bool, error)
	// Delete removes an image. Deleting an absent hash is not an error.
	Delete(ctx context.Context, hash string) error
}

// hexPart validates a "sha256:<hex>" reference and returns the hex
// portion used as the object name.
func hexPart(hash string) (string, error) {
	raw, ok := strings.CutPrefix(hash, "sha256:")
	if !ok {
		return "", fmt.Errorf("invalid image hash %q: missing sha256 prefix", hash)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid image hash %q: %w", hash, err)
	}
	return raw, nil
}

// DiskStore keeps images as flat files under a base directory, one
// file per content hash. Writes go to a temp file and are renamed into
// place so partially written blobs are never visible.
type DiskStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewDiskStore creates the base directory if needed and returns a
// filesystem-backed store rooted there.
func NewDiskStore(baseDir string) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image dir: %w", err)
	}
	return &DiskStore{baseDir: baseDir}, nil
}

func (s *DiskStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".img")
}

func (s *DiskStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := canonical.ContentHash(data)
	raw, err := hexPart(hash)
	if err != nil {
		return "", err
	}
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit image: %w", err)
	}
	return hash, nil
}

func (s *DiskStore) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := hexPart(hash)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("open image %s: %w", hash, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *DiskStore) Has(_ context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := hexPart(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat image %s: %w", hash, err)
	}
	return true, nil
}

func (s *DiskStore) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := hexPart(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete image %s: %w", hash, err)
	}
	return nil
}
