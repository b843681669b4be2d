// Package capsule defines the core types of the capsule store: version
// identifiers, version metadata, retrieval selectors, and the error
// taxonomy shared by every layer above.
package capsule

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"capsulevault/internal/capsule/integrity"
)

var (
	// ErrOwnerNotFound, ErrVersionNotFound and ErrTagNotFound are the
	// expected, recoverable misses. They carry the sub-kind so callers
	// can render precise messages.
	ErrOwnerNotFound   = errors.New("owner not found")
	ErrVersionNotFound = errors.New("version not found")
	ErrTagNotFound     = errors.New("tag not found")

	// ErrEmptyContent and ErrEmptyTag are validation failures rejected
	// before anything touches disk.
	ErrEmptyContent = errors.New("capsule content is empty")
	ErrEmptyTag     = errors.New("tag is empty")

	// ErrVersionExists guards the write-once invariant: a version id is
	// never reused and a stored blob is never overwritten.
	ErrVersionExists = errors.New("version already stored")

	// ErrCorruptIndex means the index references a version whose blob is
	// missing. This signals index/storage desynchronization, not a normal
	// miss, and is never repaired by the read path.
	ErrCorruptIndex = errors.New("index references a missing blob")

	// ErrBlobMissing is the object-store-level absence of a blob file.
	// The facade translates it to ErrCorruptIndex when the index claimed
	// the version existed.
	ErrBlobMissing = errors.New("blob not found")

	// ErrPartialWrite means the blob was written but the index update did
	// not complete. The blob exists unindexed; a reconciliation pass can
	// recover it.
	ErrPartialWrite = errors.New("blob written but not indexed")
)

// VersionID identifies one immutable capsule version. UUIDv7 ids are
// time-ordered, so the creation instant survives in the id itself and
// lexicographic order within an owner follows creation order.
type VersionID uuid.UUID

func NewVersionID() VersionID {
	return VersionID(uuid.Must(uuid.NewV7()))
}

func ParseVersionID(value string) (VersionID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return VersionID{}, err
	}
	return VersionID(parsed), nil
}

func (id VersionID) String() string {
	return uuid.UUID(id).String()
}

func (id VersionID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

// CreatedTime extracts the timestamp embedded in a UUIDv7 id. Used by
// reconciliation to recover a creation instant for orphaned blobs.
func (id VersionID) CreatedTime() time.Time {
	sec, nsec := uuid.UUID(id).Time().UnixTime()
	return time.Unix(sec, nsec)
}

func (id VersionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *VersionID) UnmarshalText(text []byte) error {
	parsed, err := ParseVersionID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Version is the metadata record for one immutable stored capsule.
// Everything except Tags is fixed at store time; Tags are mutable
// metadata and are deliberately excluded from the fingerprinted content.
type Version struct {
	Owner           string                `json:"owner"`
	ID              VersionID             `json:"id"`
	CreatedAt       time.Time             `json:"createdAt"`
	Fingerprint     integrity.Fingerprint `json:"fingerprint"`
	StorageLocation string                `json:"storageLocation"`
	ByteSize        int64                 `json:"byteSize"`
	Tags            []string              `json:"tags,omitempty"`

	// Descriptive metadata carried through unchanged from the payload.
	SchemaVersion int    `json:"schemaVersion,omitempty"`
	ProducerID    string `json:"producerId,omitempty"`
	SourceTag     string `json:"sourceTag,omitempty"`
}

// HasTag reports whether the version carries the given tag.
func (v Version) HasTag(tag string) bool {
	for _, t := range v.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SelectorKind discriminates the three retrieval modes.
type SelectorKind int

const (
	SelectLatest SelectorKind = iota
	SelectVersion
	SelectTag
)

// Selector describes which version of an owner to retrieve.
type Selector struct {
	Kind    SelectorKind
	Version VersionID
	Tag     string
}

func Latest() Selector {
	return Selector{Kind: SelectLatest}
}

func ByVersion(id VersionID) Selector {
	return Selector{Kind: SelectVersion, Version: id}
}

func ByTag(tag string) Selector {
	return Selector{Kind: SelectTag, Tag: tag}
}

const maxOwnerLength = 128

var (
	ErrEmptyOwner   = errors.New("owner name is empty")
	ErrOwnerTooLong = errors.New("owner name too long")
	ErrInvalidOwner = errors.New("owner name contains invalid characters")
)

// ValidateOwner checks that an owner name is usable as a directory name
// under the storage root. Owners map directly onto the filesystem, so
// path separators and traversal sequences are rejected outright.
func ValidateOwner(owner string) error {
	if owner == "" {
		return ErrEmptyOwner
	}
	if len(owner) > maxOwnerLength {
		return ErrOwnerTooLong
	}
	if owner[0] == '.' {
		return ErrInvalidOwner
	}
	for _, r := range owner {
		if !isOwnerChar(r) {
			return ErrInvalidOwner
		}
	}
	return nil
}

func isOwnerChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
		r == '-' || r == '_' || r == '.'
}
