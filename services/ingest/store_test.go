package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"evidenced/pkg/envelope"
)

func testArtifact(id, containerID string, createdAt time.Time) *StoredArtifact {
	return &StoredArtifact{
		ID:                  id,
		ContainerID:         containerID,
		CollectionTimestamp: createdAt.Format(time.RFC3339),
		CollectionHost:      "host-a",
		ArtifactCount:       3,
		Checksum:            "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff",
		CreatedAt:           createdAt,
		CreatedBy:           "forensics_user",
		Status:              StatusReceived,
		UploadMethod:        "direct",
		Artifacts:           envelope.Document{"runtime": {"pid": float64(1)}},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestStorePutGet(t *testing.T) {
	s := newTestStore(t)
	in := testArtifact("art-1", "abc123", time.Now().UTC().Truncate(time.Second))

	id, err := s.Put(in)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != "art-1" {
		t.Fatalf("Put returned id %q, want art-1", id)
	}

	got, err := s.Get("art-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != in.ID || got.ContainerID != in.ContainerID || got.Checksum != in.Checksum {
		t.Fatalf("Get returned %+v, want matching id/container/checksum", got)
	}
	if got.Status != StatusReceived {
		t.Fatalf("status = %q, want %q", got.Status, StatusReceived)
	}
}

func TestStoreGetUnknown(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	if KindOf(err) != KindNotFound {
		t.Fatalf("Get unknown id: kind = %v, want KindNotFound", KindOf(err))
	}
}

func TestStoreListOrderAndPagination(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// Insert out of creation order to prove the sort is by timestamp.
	for _, spec := range []struct {
		id     string
		offset time.Duration
		cid    string
	}{
		{"art-t2", 1 * time.Hour, "abc123"},
		{"art-t1", 0, "abc123"},
		{"art-t3", 2 * time.Hour, "other"},
	} {
		if _, err := s.Put(testArtifact(spec.id, spec.cid, base.Add(spec.offset))); err != nil {
			t.Fatalf("Put %s: %v", spec.id, err)
		}
	}

	all, err := s.List("", 100, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	wantOrder := []string{"art-t3", "art-t2", "art-t1"}
	if len(all) != len(wantOrder) {
		t.Fatalf("List returned %d rows, want %d", len(all), len(wantOrder))
	}
	for i, want := range wantOrder {
		if all[i].ID != want {
			t.Fatalf("List[%d] = %s, want %s (newest first)", i, all[i].ID, want)
		}
	}

	filtered, err := s.List("abc123", 100, 0)
	if err != nil {
		t.Fatalf("List filtered: %v", err)
	}
	if len(filtered) != 2 || filtered[0].ID != "art-t2" || filtered[1].ID != "art-t1" {
		t.Fatalf("filtered list = %+v, want [art-t2 art-t1]", filtered)
	}

	page, err := s.List("", 1, 1)
	if err != nil {
		t.Fatalf("List page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "art-t2" {
		t.Fatalf("page = %+v, want [art-t2]", page)
	}

	empty, err := s.List("", 10, 99)
	if err != nil {
		t.Fatalf("List past end: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("offset past end returned %d rows", len(empty))
	}
}

func TestStoreUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(testArtifact("art-1", "abc123", time.Now().UTC())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.UpdateStatus("art-1", StatusError, "collector exploded"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, err := s.Get("art-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusError || got.Error != "collector exploded" {
		t.Fatalf("got status=%q error=%q", got.Status, got.Error)
	}
	if got.UpdatedAt == nil {
		t.Fatal("UpdateStatus did not stamp updated_at")
	}

	// Index must reflect the new status under the same lock discipline.
	rows, err := s.List("abc123", 10, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if rows[0].Status != StatusError {
		t.Fatalf("index status = %q, want %q", rows[0].Status, StatusError)
	}

	// Unknown ids are a no-op, not an error.
	if err := s.UpdateStatus("missing", StatusProcessed, ""); err != nil {
		t.Fatalf("UpdateStatus unknown id: %v", err)
	}
}

func TestStoreDelete(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Put(testArtifact("art-1", "abc123", time.Now().UTC())); err != nil {
		t.Fatalf("Put: %v", err)
	}

	removed, err := s.Delete("art-1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !removed {
		t.Fatal("Delete returned false for existing artifact")
	}
	if _, err := os.Stat(filepath.Join(s.artifactsDir, "art-1.json")); !os.IsNotExist(err) {
		t.Fatal("artifact file still present after delete")
	}
	if rows, _ := s.List("", 10, 0); len(rows) != 0 {
		t.Fatalf("index still lists %d artifacts after delete", len(rows))
	}

	removed, err = s.Delete("art-1")
	if err != nil {
		t.Fatalf("Delete absent: %v", err)
	}
	if removed {
		t.Fatal("Delete returned true for absent artifact")
	}
}

func TestStoreHealth(t *testing.T) {
	s := newTestStore(t)
	h := s.Health()
	if h.Status != "healthy" {
		t.Fatalf("health = %+v, want healthy", h)
	}
	if h.ArtifactCount != 0 {
		t.Fatalf("artifact count = %d, want 0", h.ArtifactCount)
	}

	if _, err := s.Put(testArtifact("art-1", "abc123", time.Now().UTC())); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if h := s.Health(); h.ArtifactCount != 1 {
		t.Fatalf("artifact count = %d, want 1", h.ArtifactCount)
	}
}

func TestStoreConcurrentPuts(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := testArtifact(fmt.Sprintf("art-%02d", i), "abc123", time.Now().UTC())
			if _, err := s.Put(a); err != nil {
				t.Errorf("Put %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	rows, err := s.List("", 100, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 20 {
		t.Fatalf("index holds %d entries after concurrent puts, want 20", len(rows))
	}
}

func TestStoreRejectsPathlikeIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"../index", "..", ".", "a/b", `a\b`, ""} {
		if _, err := s.Get(id); KindOf(err) != KindNotFound {
			t.Errorf("Get(%q): kind = %v, want KindNotFound", id, KindOf(err))
		}
		if removed, err := s.Delete(id); err != nil || removed {
			t.Errorf("Delete(%q) = (%v, %v), want (false, nil)", id, removed, err)
		}
	}
}

func TestPutRollsBackArtifactOnIndexFailure(t *testing.T) {
	s := newTestStore(t)

	// Turn the index path into a directory so index I/O must fail.
	if err := os.Remove(s.indexPath); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	if err := os.Mkdir(s.indexPath, 0o755); err != nil {
		t.Fatalf("mkdir over index path: %v", err)
	}

	a := testArtifact("art-orphan", "abc123", time.Now().UTC())
	if _, err := s.Put(a); KindOf(err) != KindStorage {
		t.Fatalf("Put with broken index: kind = %v, want KindStorage", KindOf(err))
	}

	// The artifact file must not survive as an orphan the index cannot see.
	if _, err := os.Stat(s.artifactPath("art-orphan")); !os.IsNotExist(err) {
		t.Fatalf("orphan artifact file left behind: stat err = %v", err)
	}
}
