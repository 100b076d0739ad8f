package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kebairia/pgrescue/internal/logger"
)

// Kind distinguishes backup artifacts by how the dump was produced.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

const (
	// MetadataDirName holds sidecars, strategy state and version ledgers.
	MetadataDirName = ".metadata"

	payloadExt    = ".sql"
	compressedExt = ".sql.zst"
)

// ErrValidationFailed marks an artifact that cannot be restored.
var ErrValidationFailed = errors.New("artifact validation failed")

// ArtifactInfo describes one artifact for listings and the restore
// pipeline. Sidecar is nil for legacy payloads; those stay restorable
// but are excluded from strategy decisions.
type ArtifactInfo struct {
	Name       string
	Path       string
	SizeBytes  int64
	ModTime    time.Time
	Compressed bool
	Sidecar    *Sidecar
}

// StoreOption overrides default settings on a Store.
type StoreOption func(*Store)

// Store owns the backup directory layout.
type Store struct {
	dir      string
	metaDir  string
	compress bool
	log      logger.Logger
}

// NewStore opens (creating if needed) the backup directory and its
// metadata subdirectory.
func NewStore(dir string, log logger.Logger, opts ...StoreOption) (*Store, error) {
	s := &Store{
		dir:     dir,
		metaDir: filepath.Join(dir, MetadataDirName),
		log:     log,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.metaDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", s.metaDir, err)
	}
	return s, nil
}

// WithCompression makes new payloads zstd-compressed on disk.
func WithCompression(on bool) StoreOption {
	return func(s *Store) { s.compress = on }
}

// Dir returns the backup directory.
func (s *Store) Dir() string { return s.dir }

// MetadataDir returns the metadata directory.
func (s *Store) MetadataDir() string { return s.metaDir }

// StatePath returns the strategy state file location.
func (s *Store) StatePath() string {
	return filepath.Join(s.metaDir, "backup_state.json")
}

// PayloadPath returns the on-disk location of an artifact payload,
// preferring whichever form already exists.
func (s *Store) PayloadPath(name string) string {
	plain := filepath.Join(s.dir, name+payloadExt)
	packed := filepath.Join(s.dir, name+compressedExt)
	if _, err := os.Stat(packed); err == nil {
		return packed
	}
	if _, err := os.Stat(plain); err == nil {
		return plain
	}
	if s.compress {
		return packed
	}
	return plain
}

// Exists reports whether a payload with this name is on disk in either
// form.
func (s *Store) Exists(name string) bool {
	for _, ext := range []string{payloadExt, compressedExt} {
		if _, err := os.Stat(filepath.Join(s.dir, name+ext)); err == nil {
			return true
		}
	}
	return false
}

// Remove deletes an artifact payload and its sidecar.
func (s *Store) Remove(name string) error {
	var firstErr error
	for _, ext := range []string{payloadExt, compressedExt} {
		path := filepath.Join(s.dir, name+ext)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = fmt.Errorf("remove %q: %w", path, err)
		}
	}
	sidecar := s.sidecarPath(name)
	if err := os.Remove(sidecar); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = fmt.Errorf("remove %q: %w", sidecar, err)
	}
	return firstErr
}

// List returns all artifacts sorted by modification time, newest first.
func (s *Store) List() ([]ArtifactInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", s.dir, err)
	}

	var artifacts []ArtifactInfo
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		name, compressed, ok := splitPayloadName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		art := ArtifactInfo{
			Name:       name,
			Path:       filepath.Join(s.dir, entry.Name()),
			SizeBytes:  info.Size(),
			ModTime:    info.ModTime(),
			Compressed: compressed,
		}
		if sc, err := s.ReadSidecar(name); err == nil {
			art.Sidecar = sc
		}
		artifacts = append(artifacts, art)
	}

	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].ModTime.After(artifacts[j].ModTime)
	})
	return artifacts, nil
}

// Find returns the artifact with the given name, or ErrValidationFailed
// when no payload exists.
func (s *Store) Find(name string) (ArtifactInfo, error) {
	artifacts, err := s.List()
	if err != nil {
		return ArtifactInfo{}, err
	}
	for _, art := range artifacts {
		if art.Name == name {
			return art, nil
		}
	}
	return ArtifactInfo{}, fmt.Errorf("%w: no payload for %q", ErrValidationFailed, name)
}

func splitPayloadName(filename string) (name string, compressed bool, ok bool) {
	switch {
	case strings.HasSuffix(filename, compressedExt):
		return strings.TrimSuffix(filename, compressedExt), true, true
	case strings.HasSuffix(filename, payloadExt):
		return strings.TrimSuffix(filename, payloadExt), false, true
	default:
		return "", false, false
	}
}
