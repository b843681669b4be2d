// Package file implements the immutable capsule blob store.
//
// Layout: one directory per owner under the objects root, one blob file
// per version:
//
//	<objects>/<owner>/<version_id>.cap
//
// Every blob starts with the shared 4-byte format header. The payload
// after the header is the canonical capsule content, optionally
// zstd-compressed (header-flagged). Fingerprints are always computed by
// the caller over the canonical payload, never over the on-disk bytes,
// so compression never affects integrity semantics.
//
// Blobs are write-once: a write to an existing version id fails, and
// content becomes visible only via temp-file + atomic rename, so a
// half-written blob is never observable under its final name.
package file

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"capsulevault/internal/capsule"
	"capsulevault/internal/format"
	"capsulevault/internal/logging"
)

const (
	blobFileExt = ".cap"
	tmpPrefix   = "cap-"
	tmpSuffix   = ".tmp"
	blobVersion = 0x01
	dirMode     = 0o750
)

// CompressionType selects the at-rest compression for new blobs.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionZstd
)

var (
	ErrMissingDir  = errors.New("object store dir is required")
	ErrBadBlobFile = errors.New("malformed blob file")
)

type Config struct {
	// Dir is the objects root. Required.
	Dir string

	// FileMode for blob files. Defaults to 0o644.
	FileMode os.FileMode

	// Compression selects the at-rest compression for new blobs.
	// Reads always honor the header flag regardless of this setting.
	Compression CompressionType

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Store writes and reads immutable capsule blobs.
type Store struct {
	cfg     Config
	zstdEnc *zstd.Encoder // non-nil when compression is enabled
	zstdDec *zstd.Decoder
	logger  *slog.Logger
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)

	if err := os.MkdirAll(cfg.Dir, dirMode); err != nil {
		return nil, err
	}

	logger := logging.Default(cfg.Logger).With("component", "object-store")

	var enc *zstd.Encoder
	if cfg.Compression == CompressionZstd {
		var err error
		enc, err = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		if enc != nil {
			_ = enc.Close()
		}
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{cfg: cfg, zstdEnc: enc, zstdDec: dec, logger: logger}, nil
}

// Write stores content as the blob for (owner, id) and returns the
// storage location relative to the objects root.
// Fails with capsule.ErrVersionExists if the blob already exists.
func (s *Store) Write(owner string, id capsule.VersionID, content []byte) (string, error) {
	ownerDir := filepath.Join(s.cfg.Dir, owner)
	if err := os.MkdirAll(ownerDir, dirMode); err != nil {
		return "", err
	}

	finalPath := s.blobPath(owner, id)
	if _, err := os.Stat(finalPath); err == nil {
		return "", fmt.Errorf("%w: %s/%s", capsule.ErrVersionExists, owner, id)
	} else if !os.IsNotExist(err) {
		return "", err
	}

	payload := content
	flags := byte(0)
	if s.zstdEnc != nil {
		payload = s.zstdEnc.EncodeAll(content, make([]byte, 0, len(content)/2+format.HeaderSize))
		flags |= format.FlagCompressed
	}

	header := format.Header{Type: format.TypeCapsuleBlob, Version: blobVersion, Flags: flags}
	headerBytes := header.Encode()

	tmpFile, err := os.CreateTemp(ownerDir, tmpPrefix+"*"+tmpSuffix)
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()
	cleanup := func() {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
	}
	if err := tmpFile.Chmod(s.cfg.FileMode); err != nil {
		cleanup()
		return "", err
	}
	if _, err := tmpFile.Write(headerBytes[:]); err != nil {
		cleanup()
		return "", err
	}
	if _, err := tmpFile.Write(payload); err != nil {
		cleanup()
		return "", err
	}
	if err := tmpFile.Sync(); err != nil {
		cleanup()
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	return s.Location(owner, id), nil
}

// Location returns the storage location of a blob relative to the
// objects root. It does not check existence.
func (s *Store) Location(owner string, id capsule.VersionID) string {
	return filepath.Join(owner, id.String()+blobFileExt)
}

// Read loads the canonical payload of the blob for (owner, id).
// A missing blob fails with capsule.ErrBlobMissing; the caller decides
// whether that is a normal miss or index/storage desynchronization.
func (s *Store) Read(owner string, id capsule.VersionID) ([]byte, error) {
	data, err := os.ReadFile(s.blobPath(owner, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", capsule.ErrBlobMissing, owner, id)
		}
		return nil, err
	}
	if len(data) < format.HeaderSize {
		return nil, fmt.Errorf("%w: %s/%s: shorter than header", ErrBadBlobFile, owner, id)
	}

	header, err := format.DecodeAndValidate(data[:format.HeaderSize], format.TypeCapsuleBlob, blobVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: %v", ErrBadBlobFile, owner, id, err)
	}

	payload := data[format.HeaderSize:]
	if header.Flags&format.FlagCompressed == 0 {
		return payload, nil
	}

	// Corruption of a compressed payload surfaces here as ErrBadBlobFile
	// rather than as a fingerprint mismatch: the canonical bytes cannot
	// be recovered from a broken zstd frame, so there is no content to
	// hand back flagged. Only corruption that leaves the frame decodable
	// reaches the caller's integrity check.
	decoded, err := s.zstdDec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s: decompress: %v", ErrBadBlobFile, owner, id, err)
	}
	return decoded, nil
}

// Delete removes the blob for (owner, id). A missing blob fails with
// capsule.ErrBlobMissing. The owner directory is removed when it becomes
// empty.
func (s *Store) Delete(owner string, id capsule.VersionID) error {
	path := s.blobPath(owner, id)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", capsule.ErrBlobMissing, owner, id)
		}
		return err
	}

	// Best effort: drop the owner directory if this was the last blob.
	ownerDir := filepath.Join(s.cfg.Dir, owner)
	if entries, err := os.ReadDir(ownerDir); err == nil && len(entries) == 0 {
		_ = os.Remove(ownerDir)
	}
	return nil
}

// List returns the version ids of all blobs stored for owner, skipping
// temp files and anything that does not parse as a version id. A missing
// owner directory yields an empty list.
func (s *Store) List(owner string) ([]capsule.VersionID, error) {
	entries, err := os.ReadDir(filepath.Join(s.cfg.Dir, owner))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	ids := make([]capsule.VersionID, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, blobFileExt) {
			continue
		}
		id, err := capsule.ParseVersionID(strings.TrimSuffix(name, blobFileExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Owners returns the names of all owner directories under the objects
// root.
func (s *Store) Owners() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	owners := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if capsule.ValidateOwner(entry.Name()) != nil {
			continue
		}
		owners = append(owners, entry.Name())
	}
	return owners, nil
}

// CleanOrphanTempFiles removes leftover temp files from an owner
// directory, left behind by crashed writes. Best effort: failures are
// logged, not returned.
func (s *Store) CleanOrphanTempFiles(owner string) {
	ownerDir := filepath.Join(s.cfg.Dir, owner)
	entries, err := os.ReadDir(ownerDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		path := filepath.Join(ownerDir, name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("failed to remove orphan temp file", "path", path, "error", err)
		} else {
			s.logger.Info("removed orphan temp file", "path", path)
		}
	}
}

// Path returns the filesystem path of a blob file.
func (s *Store) Path(owner string, id capsule.VersionID) string {
	return s.blobPath(owner, id)
}

// Close releases the compression codecs. The store must not be used
// afterwards.
func (s *Store) Close() error {
	if s.zstdEnc != nil {
		if err := s.zstdEnc.Close(); err != nil {
			return err
		}
		s.zstdEnc = nil
	}
	if s.zstdDec != nil {
		s.zstdDec.Close()
		s.zstdDec = nil
	}
	return nil
}

func (s *Store) blobPath(owner string, id capsule.VersionID) string {
	return filepath.Join(s.cfg.Dir, owner, id.String()+blobFileExt)
}
