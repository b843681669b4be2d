// Package index maintains the per-owner record: the version catalog, the
// inverted tag index, and the latest-version pointer.
//
// A Record is a plain in-memory document. It carries no locking and does
// no I/O; the store facade serializes access per owner and the file
// subpackage persists the record wholesale as a single snapshot.
package index

import (
	"fmt"
	"slices"

	"capsulevault/internal/capsule"
)

// Record is the index document for one owner.
type Record struct {
	Owner    string                     `json:"owner"`
	Versions map[string]capsule.Version `json:"versions"`
	Tags     map[string][]string        `json:"tags,omitempty"`
	LatestID string                     `json:"latestId,omitempty"`
}

// New returns an empty record for the given owner.
func New(owner string) *Record {
	return &Record{
		Owner:    owner,
		Versions: make(map[string]capsule.Version),
		Tags:     make(map[string][]string),
	}
}

// Len returns the number of versions in the record.
func (r *Record) Len() int {
	return len(r.Versions)
}

// Get returns the version with the given id.
func (r *Record) Get(id capsule.VersionID) (capsule.Version, bool) {
	v, ok := r.Versions[id.String()]
	return v, ok
}

// Latest returns the version the latest pointer references, if any.
func (r *Record) Latest() (capsule.Version, bool) {
	if r.LatestID == "" {
		return capsule.Version{}, false
	}
	v, ok := r.Versions[r.LatestID]
	return v, ok
}

// AddVersion inserts a new version and updates the latest pointer.
// Fails with capsule.ErrVersionExists if the id is already present.
func (r *Record) AddVersion(v capsule.Version) error {
	key := v.ID.String()
	if _, ok := r.Versions[key]; ok {
		return fmt.Errorf("%w: %s", capsule.ErrVersionExists, key)
	}
	if r.Versions == nil {
		r.Versions = make(map[string]capsule.Version)
	}
	v.Tags = slices.Clone(v.Tags)
	r.Versions[key] = v

	for _, tag := range v.Tags {
		r.addTagMembership(tag, key)
	}

	if latest, ok := r.Latest(); !ok || MoreRecent(v, latest) {
		r.LatestID = key
	}
	return nil
}

// RemoveVersion removes a version along with its tag memberships and
// recomputes the latest pointer when the removed version held it.
// Fails with capsule.ErrVersionNotFound if the id is absent.
func (r *Record) RemoveVersion(id capsule.VersionID) (capsule.Version, error) {
	key := id.String()
	v, ok := r.Versions[key]
	if !ok {
		return capsule.Version{}, fmt.Errorf("%w: %s", capsule.ErrVersionNotFound, key)
	}
	delete(r.Versions, key)

	for _, tag := range v.Tags {
		r.removeTagMembership(tag, key)
	}

	if r.LatestID == key {
		r.recomputeLatest()
	}
	return v, nil
}

// AddTag tags a version. Idempotent: tagging an already-tagged version
// is a successful no-op, reported as changed=false so callers can skip
// persisting. Fails with capsule.ErrVersionNotFound if the version is
// absent.
func (r *Record) AddTag(id capsule.VersionID, tag string) (bool, error) {
	key := id.String()
	v, ok := r.Versions[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", capsule.ErrVersionNotFound, key)
	}
	if v.HasTag(tag) {
		return false, nil
	}

	// Clone before mutating: the backing array is aliased by every copy
	// of this version previously handed out via Get/Latest/List.
	v.Tags = insertSorted(slices.Clone(v.Tags), tag)
	r.Versions[key] = v
	r.addTagMembership(tag, key)
	return true, nil
}

// RemoveTag untags a version. Removing an absent tag is a successful
// no-op (changed=false) so the operation is safe to retry. Fails with
// capsule.ErrVersionNotFound if the version is absent.
func (r *Record) RemoveTag(id capsule.VersionID, tag string) (bool, error) {
	key := id.String()
	v, ok := r.Versions[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", capsule.ErrVersionNotFound, key)
	}
	if !v.HasTag(tag) {
		return false, nil
	}

	// Clone before mutating, as in AddTag.
	v.Tags = slices.DeleteFunc(slices.Clone(v.Tags), func(t string) bool { return t == tag })
	r.Versions[key] = v
	r.removeTagMembership(tag, key)
	return true, nil
}

// VersionsForTag returns the ids of all versions carrying the tag.
// An unknown tag yields an empty set, not an error.
func (r *Record) VersionsForTag(tag string) []capsule.VersionID {
	keys := r.Tags[tag]
	ids := make([]capsule.VersionID, 0, len(keys))
	for _, key := range keys {
		id, err := capsule.ParseVersionID(key)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// List returns all versions, optionally filtered by tag, ordered by
// CreatedAt ascending with ties broken by version id.
func (r *Record) List(tag string) []capsule.Version {
	out := make([]capsule.Version, 0, len(r.Versions))
	for _, v := range r.Versions {
		if tag != "" && !v.HasTag(tag) {
			continue
		}
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b capsule.Version) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareIDs(a.ID, b.ID)
	})
	return out
}

// TagNames returns the names of all tags with at least one member,
// sorted.
func (r *Record) TagNames() []string {
	names := make([]string, 0, len(r.Tags))
	for tag, members := range r.Tags {
		if len(members) == 0 {
			continue
		}
		names = append(names, tag)
	}
	slices.Sort(names)
	return names
}

func (r *Record) addTagMembership(tag, key string) {
	if r.Tags == nil {
		r.Tags = make(map[string][]string)
	}
	members := r.Tags[tag]
	if !slices.Contains(members, key) {
		r.Tags[tag] = insertSorted(members, key)
	}
}

func (r *Record) removeTagMembership(tag, key string) {
	members := slices.DeleteFunc(r.Tags[tag], func(m string) bool { return m == key })
	if len(members) == 0 {
		delete(r.Tags, tag)
	} else {
		r.Tags[tag] = members
	}
}

// recomputeLatest rescans all versions for the most recent one:
// greatest CreatedAt, ties broken by lexicographically greatest id.
func (r *Record) recomputeLatest() {
	r.LatestID = ""
	var latest capsule.Version
	for _, v := range r.Versions {
		if r.LatestID == "" || MoreRecent(v, latest) {
			latest = v
			r.LatestID = v.ID.String()
		}
	}
}

// MoreRecent reports whether a supersedes b as the most recent version.
// CreatedAt alone is not unique at sub-resolution clocks, so ties fall
// back to the lexicographically greatest id (UUIDv7 ids sort by creation
// order, so this agrees with insertion order). This is the single
// ordering rule for both the latest pointer and tag resolution.
func MoreRecent(a, b capsule.Version) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return compareIDs(a.ID, b.ID) > 0
}

func compareIDs(a, b capsule.VersionID) int {
	switch {
	case a.String() < b.String():
		return -1
	case a.String() > b.String():
		return 1
	default:
		return 0
	}
}

func insertSorted(list []string, value string) []string {
	i, _ := slices.BinarySearch(list, value)
	return slices.Insert(list, i, value)
}
