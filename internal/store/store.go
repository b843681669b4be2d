// Package store is the public operation surface of the capsule store.
//
// It composes the object store, the owner index, the schema validator
// and the integrity fingerprints, and owns per-owner concurrency: every
// mutating operation for an owner is serialized against every other
// mutating operation for that same owner, while reads share an RLock
// and different owners proceed fully in parallel. The persisted index
// files are the durable source of truth; in-memory owner records are
// loaded lazily and owned exclusively by this package for the life of
// the process.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"capsulevault/internal/capsule"
	capsulefile "capsulevault/internal/capsule/file"
	"capsulevault/internal/capsule/integrity"
	"capsulevault/internal/capsule/schema"
	"capsulevault/internal/index"
	indexfile "capsulevault/internal/index/file"
	"capsulevault/internal/logging"
)

const (
	objectsDirName = "objects"
	indexDirName   = "index"
	lockFileName   = ".lock"

	defaultIORetries = 2
)

var (
	ErrMissingRoot     = errors.New("store root is required")
	ErrStoreClosed     = errors.New("store is closed")
	ErrDirectoryLocked = errors.New("store root is locked by another process")
)

type Config struct {
	// Root is the storage root directory. Required.
	Root string

	// FileMode for blob and index files. Defaults to 0o644.
	FileMode os.FileMode

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Compression selects at-rest compression for new blobs.
	Compression capsulefile.CompressionType

	// Schema validates payload structure before anything is written.
	// Defaults to schema.Default().
	Schema *schema.Validator

	// IORetries is the number of internal retries after a transient
	// storage failure. Defaults to 2 (three attempts total).
	IORetries int

	// Logger for structured logging. If nil, logging is disabled.
	// The store scopes this logger with component="capsule-store".
	Logger *slog.Logger
}

// Store is the capsule store facade.
type Store struct {
	cfg      Config
	objects  *capsulefile.Store
	indexes  *indexfile.Store
	schema   *schema.Validator
	logger   *slog.Logger
	lockFile *os.File // Exclusive lock on the storage root

	mu     sync.Mutex
	owners map[string]*ownerState
	closed bool
}

// ownerState pairs the in-memory record of one owner with its
// read-write lock. The record is nil until first loaded.
type ownerState struct {
	mu  sync.RWMutex
	rec *index.Record
}

// Open opens (or initializes) a capsule store at cfg.Root. The root is
// exclusively flocked for the life of the store: this is a
// single-process design and a second opener fails fast with
// ErrDirectoryLocked.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, ErrMissingRoot
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Schema == nil {
		cfg.Schema = schema.Default()
	}
	if cfg.IORetries == 0 {
		cfg.IORetries = defaultIORetries
	}

	if err := os.MkdirAll(cfg.Root, 0o750); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Root, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, cfg.Root)
	}

	logger := logging.Default(cfg.Logger).With("component", "capsule-store")

	objects, err := capsulefile.NewStore(capsulefile.Config{
		Dir:         filepath.Join(cfg.Root, objectsDirName),
		FileMode:    cfg.FileMode,
		Compression: cfg.Compression,
		Logger:      cfg.Logger,
	})
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	indexes, err := indexfile.NewStore(filepath.Join(cfg.Root, indexDirName), cfg.FileMode)
	if err != nil {
		_ = objects.Close()
		_ = lockFile.Close()
		return nil, err
	}

	return &Store{
		cfg:      cfg,
		objects:  objects,
		indexes:  indexes,
		schema:   cfg.Schema,
		logger:   logger,
		lockFile: lockFile,
		owners:   make(map[string]*ownerState),
	}, nil
}

// Store validates and persists content as a new immutable version for
// owner and returns its metadata. The blob is written first; if the
// index persist then fails, the error wraps capsule.ErrPartialWrite and
// the orphaned blob is left for reconciliation to recover.
func (s *Store) Store(owner string, content []byte) (capsule.Version, error) {
	if err := capsule.ValidateOwner(owner); err != nil {
		return capsule.Version{}, err
	}
	if len(content) == 0 {
		return capsule.Version{}, capsule.ErrEmptyContent
	}
	desc, err := s.schema.Check(content)
	if err != nil {
		return capsule.Version{}, err
	}
	fp := integrity.Compute(content)

	st, err := s.lockOwner(owner, true)
	if err != nil {
		return capsule.Version{}, err
	}
	defer st.mu.Unlock()

	id := capsule.NewVersionID()
	createdAt := s.cfg.Now()
	if latest, ok := st.rec.Latest(); ok && createdAt.Before(latest.CreatedAt) {
		// CreatedAt is non-decreasing per owner even if the clock steps back.
		createdAt = latest.CreatedAt
	}

	var location string
	err = s.withRetries(func() error {
		var werr error
		location, werr = s.objects.Write(owner, id, content)
		return werr
	})
	if err != nil {
		return capsule.Version{}, err
	}

	v := capsule.Version{
		Owner:           owner,
		ID:              id,
		CreatedAt:       createdAt,
		Fingerprint:     fp,
		StorageLocation: location,
		ByteSize:        int64(len(content)),
		SchemaVersion:   desc.SchemaVersion,
		ProducerID:      desc.ProducerID,
		SourceTag:       desc.SourceTag,
	}
	if err := st.rec.AddVersion(v); err != nil {
		return capsule.Version{}, err
	}
	if err := s.persistLocked(owner, st); err != nil {
		// Blob exists but is not indexed. Roll the in-memory record back
		// so memory matches the durable index; reconciliation can later
		// recover the orphaned blob.
		_, _ = st.rec.RemoveVersion(id)
		return capsule.Version{}, fmt.Errorf("%w: %s/%s: %v", capsule.ErrPartialWrite, owner, id, err)
	}

	s.logger.Info("stored capsule version", "owner", owner, "version", id.String(), "bytes", v.ByteSize)
	return v, nil
}

// AddTag tags a version. Tagging an already-tagged version succeeds
// without rewriting the index.
func (s *Store) AddTag(owner string, id capsule.VersionID, tag string) error {
	if err := capsule.ValidateOwner(owner); err != nil {
		return err
	}
	if tag == "" {
		return capsule.ErrEmptyTag
	}

	st, err := s.lockOwner(owner, false)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	changed, err := st.rec.AddTag(id, tag)
	if err != nil || !changed {
		return err
	}
	if err := s.persistLocked(owner, st); err != nil {
		_, _ = st.rec.RemoveTag(id, tag)
		return err
	}
	return nil
}

// RemoveTag untags a version. Removing an absent tag succeeds without
// rewriting the index, so the operation is safe to retry.
func (s *Store) RemoveTag(owner string, id capsule.VersionID, tag string) error {
	if err := capsule.ValidateOwner(owner); err != nil {
		return err
	}
	if tag == "" {
		return capsule.ErrEmptyTag
	}

	st, err := s.lockOwner(owner, false)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	changed, err := st.rec.RemoveTag(id, tag)
	if err != nil || !changed {
		return err
	}
	if err := s.persistLocked(owner, st); err != nil {
		_, _ = st.rec.AddTag(id, tag)
		return err
	}
	return nil
}

// List returns version metadata for an owner, optionally filtered by
// tag, ordered by CreatedAt. Blob content is never returned.
func (s *Store) List(owner, tag string) ([]capsule.Version, error) {
	if err := capsule.ValidateOwner(owner); err != nil {
		return nil, err
	}
	st, err := s.rlockOwner(owner)
	if err != nil {
		return nil, err
	}
	defer st.mu.RUnlock()
	return st.rec.List(tag), nil
}

// Delete removes a version: blob first, then index. A crash between the
// two leaves at worst an unindexed blob, never an index entry pointing
// at a missing blob. If blob deletion fails for any reason other than
// the blob already being gone, the index is left untouched.
func (s *Store) Delete(owner string, id capsule.VersionID) error {
	if err := capsule.ValidateOwner(owner); err != nil {
		return err
	}

	st, err := s.lockOwner(owner, false)
	if err != nil {
		return err
	}
	defer st.mu.Unlock()

	if _, ok := st.rec.Get(id); !ok {
		return fmt.Errorf("%w: %s", capsule.ErrVersionNotFound, id)
	}

	err = s.withRetries(func() error { return s.objects.Delete(owner, id) })
	if err != nil {
		if !errors.Is(err, capsule.ErrBlobMissing) {
			return err
		}
		// The blob was already gone; removing the index entry is the repair.
		s.logger.Warn("deleting version whose blob was already missing",
			"owner", owner, "version", id.String())
	}

	if _, err := st.rec.RemoveVersion(id); err != nil {
		return err
	}
	if err := s.persistLocked(owner, st); err != nil {
		return fmt.Errorf("version %s deleted but index persist failed (reconcile to repair): %w", id, err)
	}

	s.logger.Info("deleted capsule version", "owner", owner, "version", id.String())
	return nil
}

// ListOwners returns the names of all owners with a persisted index,
// sorted.
func (s *Store) ListOwners() ([]string, error) {
	owners, err := s.indexes.Owners()
	if err != nil {
		return nil, err
	}
	slices.Sort(owners)
	return owners, nil
}

// Summary describes one owner without exposing blob content.
type Summary struct {
	Owner          string    `json:"owner"`
	VersionCount   int       `json:"versionCount"`
	Tags           []string  `json:"tags,omitempty"`
	LatestID       string    `json:"latestId,omitempty"`
	FirstCreatedAt time.Time `json:"firstCreatedAt"`
	LastCreatedAt  time.Time `json:"lastCreatedAt"`
}

// OwnerSummary returns the owner's version count, tag names, latest
// pointer and creation time bounds.
func (s *Store) OwnerSummary(owner string) (Summary, error) {
	if err := capsule.ValidateOwner(owner); err != nil {
		return Summary{}, err
	}
	st, err := s.rlockOwner(owner)
	if err != nil {
		return Summary{}, err
	}
	defer st.mu.RUnlock()

	sum := Summary{
		Owner:        owner,
		VersionCount: st.rec.Len(),
		Tags:         st.rec.TagNames(),
		LatestID:     st.rec.LatestID,
	}
	for _, v := range st.rec.Versions {
		if sum.FirstCreatedAt.IsZero() || v.CreatedAt.Before(sum.FirstCreatedAt) {
			sum.FirstCreatedAt = v.CreatedAt
		}
		if v.CreatedAt.After(sum.LastCreatedAt) {
			sum.LastCreatedAt = v.CreatedAt
		}
	}
	return sum, nil
}

// ObjectsDir returns the filesystem path of the objects root. Used by
// the reconciliation watcher.
func (s *Store) ObjectsDir() string {
	return filepath.Join(s.cfg.Root, objectsDirName)
}

// Close releases the storage root lock and the compression codecs. The
// store must not be used after Close.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.objects.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.lockFile != nil {
		if err := s.lockFile.Close(); err != nil {
			errs = append(errs, err)
		}
		s.lockFile = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ownerState returns (creating if needed) the lock/record pair for an
// owner. The record itself is loaded later, under the owner lock.
func (s *Store) ownerState(owner string) (*ownerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	st, ok := s.owners[owner]
	if !ok {
		st = &ownerState{}
		s.owners[owner] = st
	}
	return st, nil
}

// lockOwner write-locks an owner and ensures its record is loaded.
// With create=false, an owner without a persisted index fails with
// capsule.ErrOwnerNotFound. The caller must Unlock st.mu.
func (s *Store) lockOwner(owner string, create bool) (*ownerState, error) {
	st, err := s.ownerState(owner)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	if err := s.loadLocked(owner, st, create); err != nil {
		st.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// rlockOwner read-locks an owner with its record loaded. The caller
// must RUnlock st.mu. Read operations never create owner records.
func (s *Store) rlockOwner(owner string) (*ownerState, error) {
	st, err := s.ownerState(owner)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	if st.rec != nil {
		return st, nil
	}
	st.mu.RUnlock()

	// First touch of this owner: load under the write lock, then demote.
	st.mu.Lock()
	err = s.loadLocked(owner, st, false)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	return st, nil
}

// loadLocked populates st.rec from the persisted index. Must be called
// with st.mu write-locked. A record, once loaded, is never unloaded, so
// readers holding the RLock can rely on it staying non-nil.
func (s *Store) loadLocked(owner string, st *ownerState, create bool) error {
	if st.rec != nil {
		return nil
	}
	var rec *index.Record
	err := s.withRetries(func() error {
		var lerr error
		rec, lerr = s.indexes.Load(owner)
		return lerr
	})
	if err != nil {
		return err
	}
	if rec == nil {
		if !create {
			return fmt.Errorf("%w: %q", capsule.ErrOwnerNotFound, owner)
		}
		rec = index.New(owner)
	}
	st.rec = rec
	return nil
}

func (s *Store) persistLocked(owner string, st *ownerState) error {
	return s.withRetries(func() error { return s.indexes.Persist(owner, st.rec) })
}

// withRetries runs op, retrying transient storage failures a bounded
// number of times. Structured conditions (not-found, write-once
// violations, corrupt index) are never retried.
func (s *Store) withRetries(op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !retryable(err) || attempt >= s.cfg.IORetries {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, capsule.ErrVersionExists),
		errors.Is(err, capsule.ErrBlobMissing),
		errors.Is(err, capsule.ErrCorruptIndex),
		errors.Is(err, capsulefile.ErrBadBlobFile):
		return false
	}
	return true
}
