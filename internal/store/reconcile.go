package store

import (
	"slices"

	"capsulevault/internal/capsule"
	"capsulevault/internal/capsule/integrity"
)

// ReconcileOptions control how much a reconciliation pass repairs.
type ReconcileOptions struct {
	// Repair re-indexes orphaned blobs and removes dangling index
	// entries. Without it the pass only reports.
	Repair bool

	// Verify re-reads every indexed blob and checks its fingerprint.
	Verify bool
}

// OwnerReport is the outcome of reconciling one owner.
type OwnerReport struct {
	Owner      string   `json:"owner"`
	Orphans    []string `json:"orphans,omitempty"`    // blob on disk, not in the index
	Dangling   []string `json:"dangling,omitempty"`   // indexed, blob missing
	Mismatched []string `json:"mismatched,omitempty"` // fingerprint mismatch
	Reindexed  int      `json:"reindexed,omitempty"`
	Removed    int      `json:"removed,omitempty"`
}

// Clean reports whether the owner needed no attention.
func (r OwnerReport) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Dangling) == 0 && len(r.Mismatched) == 0
}

// ScanOwners returns every owner visible to reconciliation: owners with
// a persisted index plus owners that only have blobs on disk (orphaned
// whole owners, e.g. after a crash before the first index persist).
func (s *Store) ScanOwners() ([]string, error) {
	indexed, err := s.indexes.Owners()
	if err != nil {
		return nil, err
	}
	onDisk, err := s.objects.Owners()
	if err != nil {
		return nil, err
	}
	owners := append(indexed, onDisk...)
	slices.Sort(owners)
	return slices.Compact(owners), nil
}

// ReconcileOwner diffs one owner's blobs against its index under the
// owner's exclusive lock. Orphaned blobs are re-indexed (Repair) with
// the creation time recovered from the UUIDv7 id and the descriptor
// re-read from the payload; dangling entries are reported and removed
// only with Repair. The read path never repairs them silently.
func (s *Store) ReconcileOwner(owner string, opts ReconcileOptions) (OwnerReport, error) {
	if err := capsule.ValidateOwner(owner); err != nil {
		return OwnerReport{}, err
	}

	st, err := s.lockOwner(owner, true)
	if err != nil {
		return OwnerReport{}, err
	}
	defer st.mu.Unlock()

	s.objects.CleanOrphanTempFiles(owner)

	blobIDs, err := s.objects.List(owner)
	if err != nil {
		return OwnerReport{}, err
	}

	report := OwnerReport{Owner: owner}
	onDisk := make(map[string]bool, len(blobIDs))

	for _, id := range blobIDs {
		onDisk[id.String()] = true

		if v, ok := st.rec.Get(id); ok {
			if opts.Verify {
				s.verifyVersion(v, &report)
			}
			continue
		}

		report.Orphans = append(report.Orphans, id.String())
		if !opts.Repair {
			continue
		}
		if s.reindexOrphan(owner, id, st) {
			report.Reindexed++
		}
	}

	for key := range st.rec.Versions {
		if onDisk[key] {
			continue
		}
		report.Dangling = append(report.Dangling, key)
		if !opts.Repair {
			continue
		}
		id, err := capsule.ParseVersionID(key)
		if err != nil {
			continue
		}
		if _, err := st.rec.RemoveVersion(id); err == nil {
			report.Removed++
		}
	}

	slices.Sort(report.Orphans)
	slices.Sort(report.Dangling)
	slices.Sort(report.Mismatched)

	if report.Reindexed > 0 || report.Removed > 0 {
		if err := s.persistLocked(owner, st); err != nil {
			return report, err
		}
		s.logger.Info("reconciled owner",
			"owner", owner, "reindexed", report.Reindexed, "removed", report.Removed)
	}
	return report, nil
}

func (s *Store) verifyVersion(v capsule.Version, report *OwnerReport) {
	content, err := s.objects.Read(v.Owner, v.ID)
	if err != nil {
		s.logger.Warn("unreadable blob during verification",
			"owner", v.Owner, "version", v.ID.String(), "error", err)
		report.Mismatched = append(report.Mismatched, v.ID.String())
		return
	}
	if !integrity.Verify(content, v.Fingerprint) {
		report.Mismatched = append(report.Mismatched, v.ID.String())
	}
}

// reindexOrphan rebuilds a version record from the blob alone. The
// descriptor is best effort: a payload that no longer passes the schema
// check is still re-indexed so it stays retrievable.
func (s *Store) reindexOrphan(owner string, id capsule.VersionID, st *ownerState) bool {
	content, err := s.objects.Read(owner, id)
	if err != nil {
		s.logger.Warn("unreadable orphan blob", "owner", owner, "version", id.String(), "error", err)
		return false
	}

	v := capsule.Version{
		Owner:           owner,
		ID:              id,
		CreatedAt:       id.CreatedTime(),
		Fingerprint:     integrity.Compute(content),
		StorageLocation: s.objects.Location(owner, id),
		ByteSize:        int64(len(content)),
	}
	if desc, err := s.schema.Check(content); err == nil {
		v.SchemaVersion = desc.SchemaVersion
		v.ProducerID = desc.ProducerID
		v.SourceTag = desc.SourceTag
	}

	if err := st.rec.AddVersion(v); err != nil {
		return false
	}
	return true
}
