package file

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"capsulevault/internal/capsule"
)

func newTestStore(t *testing.T, compression CompressionType) *Store {
	t.Helper()
	store, err := NewStore(Config{Dir: t.TempDir(), Compression: compression})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestWriteReadRoundTrip(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	content := []byte(`{"identity": {"name": "Nova"}}`)

	location, err := store.Write("Nova", id, content)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if location != filepath.Join("Nova", id.String()+".cap") {
		t.Fatalf("unexpected location %q", location)
	}

	got, err := store.Read("Nova", id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("expected %q, got %q", content, got)
	}
}

func TestWriteOnce(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()

	if _, err := store.Write("Nova", id, []byte("v1")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := store.Write("Nova", id, []byte("v2"))
	if !errors.Is(err, capsule.ErrVersionExists) {
		t.Fatalf("expected ErrVersionExists, got %v", err)
	}

	// The original content must be untouched.
	got, err := store.Read("Nova", id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("expected v1, got %q", got)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	store := newTestStore(t, CompressionZstd)
	id := capsule.NewVersionID()
	content := bytes.Repeat([]byte(`{"memory": "the same entry over and over"}`), 100)

	if _, err := store.Write("Nova", id, content); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The file on disk should be smaller than the payload.
	info, err := os.Stat(store.Path("Nova", id))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() >= int64(len(content)) {
		t.Fatalf("expected compressed blob, %d >= %d", info.Size(), len(content))
	}

	got, err := store.Read("Nova", id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("compressed round trip mismatch")
	}
}

func TestReadCompressedWithCompressionDisabled(t *testing.T) {
	// Reads honor the header flag regardless of the store's own setting.
	dir := t.TempDir()
	writer, err := NewStore(Config{Dir: dir, Compression: CompressionZstd})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	id := capsule.NewVersionID()
	content := bytes.Repeat([]byte("compressed capsule "), 50)
	if _, err := writer.Write("Nova", id, content); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = writer.Close()

	reader, err := NewStore(Config{Dir: dir})
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	defer func() { _ = reader.Close() }()

	got, err := reader.Read("Nova", id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("cross-store round trip mismatch")
	}
}

func TestReadCorruptedCompressedPayload(t *testing.T) {
	// A corrupted compressed payload cannot yield canonical bytes to
	// flag; it fails as a bad blob file instead.
	store := newTestStore(t, CompressionZstd)
	id := capsule.NewVersionID()
	content := bytes.Repeat([]byte("compressed capsule "), 50)
	if _, err := store.Write("Nova", id, content); err != nil {
		t.Fatalf("write: %v", err)
	}

	path := store.Path("Nova", id)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	for i := len(data) / 2; i < len(data); i++ {
		data[i] ^= 0xFF
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err = store.Read("Nova", id)
	if !errors.Is(err, ErrBadBlobFile) {
		t.Fatalf("expected ErrBadBlobFile, got %v", err)
	}
}

func TestReadMissing(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	_, err := store.Read("Nova", capsule.NewVersionID())
	if !errors.Is(err, capsule.ErrBlobMissing) {
		t.Fatalf("expected ErrBlobMissing, got %v", err)
	}
}

func TestReadRejectsBadHeader(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	if _, err := store.Write("Nova", id, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}

	path := store.Path("Nova", id)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	data[0] = 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	_, err = store.Read("Nova", id)
	if !errors.Is(err, ErrBadBlobFile) {
		t.Fatalf("expected ErrBadBlobFile, got %v", err)
	}
}

func TestReadRejectsTruncatedFile(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	if _, err := store.Write("Nova", id, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(store.Path("Nova", id), []byte{0x63}, 0o644); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	_, err := store.Read("Nova", id)
	if !errors.Is(err, ErrBadBlobFile) {
		t.Fatalf("expected ErrBadBlobFile, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	if _, err := store.Write("Nova", id, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := store.Delete("Nova", id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err := store.Read("Nova", id)
	if !errors.Is(err, capsule.ErrBlobMissing) {
		t.Fatalf("expected ErrBlobMissing after delete, got %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	err := store.Delete("Nova", capsule.NewVersionID())
	if !errors.Is(err, capsule.ErrBlobMissing) {
		t.Fatalf("expected ErrBlobMissing, got %v", err)
	}
}

func TestDeleteRemovesEmptyOwnerDir(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	if _, err := store.Write("Nova", id, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.Delete("Nova", id); err != nil {
		t.Fatalf("delete: %v", err)
	}

	owners, err := store.Owners()
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 0 {
		t.Fatalf("expected no owners after last delete, got %v", owners)
	}
}

func TestList(t *testing.T) {
	store := newTestStore(t, CompressionNone)

	ids := make(map[string]bool)
	for range 3 {
		id := capsule.NewVersionID()
		if _, err := store.Write("Nova", id, []byte("content")); err != nil {
			t.Fatalf("write: %v", err)
		}
		ids[id.String()] = true
	}

	listed, err := store.List("Nova")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(listed))
	}
	for _, id := range listed {
		if !ids[id.String()] {
			t.Fatalf("unexpected id %s in list", id)
		}
	}
}

func TestListUnknownOwner(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	listed, err := store.List("nobody")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected empty list, got %d entries", len(listed))
	}
}

func TestListIgnoresForeignFiles(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	if _, err := store.Write("Nova", id, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ownerDir := filepath.Dir(store.Path("Nova", id))
	for _, name := range []string{"notes.txt", "not-a-uuid.cap", "cap-123.tmp"} {
		if err := os.WriteFile(filepath.Join(ownerDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write foreign file: %v", err)
		}
	}

	listed, err := store.List("Nova")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 blob, got %d", len(listed))
	}
}

func TestCleanOrphanTempFiles(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	id := capsule.NewVersionID()
	if _, err := store.Write("Nova", id, []byte("content")); err != nil {
		t.Fatalf("write: %v", err)
	}

	ownerDir := filepath.Dir(store.Path("Nova", id))
	tmpPath := filepath.Join(ownerDir, "cap-orphan.tmp")
	if err := os.WriteFile(tmpPath, []byte("partial"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	store.CleanOrphanTempFiles("Nova")

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Fatal("expected orphan temp file to be removed")
	}
	// The real blob survives.
	if _, err := store.Read("Nova", id); err != nil {
		t.Fatalf("read after cleanup: %v", err)
	}
}

func TestNewStoreRequiresDir(t *testing.T) {
	_, err := NewStore(Config{})
	if !errors.Is(err, ErrMissingDir) {
		t.Fatalf("expected ErrMissingDir, got %v", err)
	}
}
