// Package file persists owner records as versioned JSON envelopes:
//
//	{"version": 1, "record": { ... }}
//
// The index for an owner is a single document, replaced wholesale on
// every mutation via temp file + atomic rename, never appended to
// incrementally. A half-written snapshot is therefore never visible
// under the final name, and a crash leaves the previous snapshot intact.
package file

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"capsulevault/internal/capsule"
	"capsulevault/internal/index"
)

const (
	currentVersion = 1
	indexFileExt   = ".idx"
	dirMode        = 0o750
)

var ErrMissingDir = errors.New("index store dir is required")

// envelope is the versioned on-disk format.
type envelope struct {
	Version int           `json:"version"`
	Record  *index.Record `json:"record"`
}

// Store is the file-backed owner index store.
type Store struct {
	dir      string
	fileMode os.FileMode
}

// NewStore creates an index store rooted at dir, creating it if needed.
func NewStore(dir string, fileMode os.FileMode) (*Store, error) {
	if dir == "" {
		return nil, ErrMissingDir
	}
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return nil, err
	}
	return &Store{dir: dir, fileMode: cmp.Or(fileMode, os.FileMode(0o644))}, nil
}

// Load reads the persisted record for an owner. A missing index file is
// a normal condition (new owner) and yields (nil, nil). A malformed
// existing file fails loudly with capsule.ErrCorruptIndex rather than
// silently discarding history.
func (s *Store) Load(owner string) (*index.Record, error) {
	data, err := os.ReadFile(s.indexPath(owner))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index for %q: %w", owner, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: parse index for %q: %v", capsule.ErrCorruptIndex, owner, err)
	}
	if env.Version == 0 || env.Record == nil {
		return nil, fmt.Errorf("%w: index for %q has no versioned envelope", capsule.ErrCorruptIndex, owner)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("%w: index for %q is version %d, newer than supported version %d",
			capsule.ErrCorruptIndex, owner, env.Version, currentVersion)
	}

	rec := env.Record
	if rec.Versions == nil {
		rec.Versions = make(map[string]capsule.Version)
	}
	if rec.Tags == nil {
		rec.Tags = make(map[string][]string)
	}
	return rec, nil
}

// Persist writes the record durably, replacing the previous snapshot.
// The marshaled document is round-trip validated before the rename so a
// snapshot that cannot be loaded back is never installed.
func (s *Store) Persist(owner string, rec *index.Record) error {
	env := envelope{Version: currentVersion, Record: rec}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index for %q: %w", owner, err)
	}

	var check envelope
	if err := json.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("round-trip validate index for %q: %w", owner, err)
	}

	tmpFile, err := os.CreateTemp(s.dir, "idx-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}
	if err := tmpFile.Chmod(s.fileMode); err != nil {
		cleanup()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.indexPath(owner))
}

// Owners returns the names of all owners with a persisted index, sorted
// by directory order.
func (s *Store) Owners() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, indexFileExt) {
			continue
		}
		owner := strings.TrimSuffix(name, indexFileExt)
		if capsule.ValidateOwner(owner) != nil {
			continue
		}
		owners = append(owners, owner)
	}
	return owners, nil
}

func (s *Store) indexPath(owner string) string {
	return filepath.Join(s.dir, owner+indexFileExt)
}
