// Package artifacts keeps oracle modules in content-addressed storage. A
// module is addressed by the SHA-256 digest of its bytes, so a job can pin
// exactly the program it executes.
package artifacts

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

	"github.com/fluxprotocol/oraclevm/pkg/canonicalize"
)

// MaxModuleSize bounds a stored module.
const MaxModuleSize = 16 << 20 // 16MB

var (
	// ErrNotFound is returned when no module has the requested digest.
	ErrNotFound = errors.New("artifacts: module not found")
	// ErrInvalidDigest is returned for a digest that is not "sha256:<64 hex>".
	ErrInvalidDigest = errors.New("artifacts: invalid digest")
	// ErrCorrupt is returned when stored bytes no longer match their digest.
	ErrCorrupt = errors.New("artifacts: content does not match digest")
	// ErrTooLarge is returned for modules over MaxModuleSize.
	ErrTooLarge = errors.New("artifacts: module too large")
)

// Store is a content-addressed blob store.
type Store interface {
	// Put persists data and returns its digest. Putting the same bytes twice
	// is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Get returns the bytes stored under digest.
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// DigestOf returns the digest data is stored under.
func DigestOf(data []byte) string {
	return canonicalize.DigestPrefix + canonicalize.HashBytes(data)
}

// ParseDigest validates digest and returns its hex part.
func ParseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, canonicalize.DigestPrefix)
	if !ok || len(raw) != 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	return strings.ToLower(raw), nil
}

func objectName(prefix, raw string) string {
	return prefix + raw + ".wasm"
}

func checkSize(data []byte) error {
	if len(data) > MaxModuleSize {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return nil
}

// FileStore keeps modules as files in one directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates baseDir if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: shared module directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure module dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Dir returns the directory modules are written to.
func (s *FileStore) Dir() string { return s.baseDir }

func (s *FileStore) path(digest string) (string, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, objectName("", raw)), nil
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := checkSize(data); err != nil {
		return "", err
	}
	digest := DigestOf(data)
	path, _ := s.path(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	// Write to temp, then rename so readers never see a partial module.
	tmp, err := os.CreateTemp(s.baseDir, ".put-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write module: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write module: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to commit module: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(ctx context.Context, digest string) ([]byte, error) {
	path, err := s.path(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(path) //nolint:gosec // name derived from a validated digest
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("failed to open module: %w", err)
	}
	defer f.Close() //nolint:errcheck // read only
	return io.ReadAll(io.LimitReader(f, MaxModuleSize+1))
}

func (s *FileStore) Exists(ctx context.Context, digest string) (bool, error) {
	path, err := s.path(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat module: %w", err)
}

func (s *FileStore) Delete(ctx context.Context, digest string) error {
	path, err := s.path(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete module: %w", err)
	}
	return nil
}
