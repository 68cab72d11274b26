package store

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/erx-fd/fachdienst/pkg/task"
)

// bumpStoredSchemaVersion overwrites the on-disk schema version marker
// directly, simulating a state file written by a newer/older build.
func bumpStoredSchemaVersion(path string, version uint32) error {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, version)
		return tx.Bucket(bucketMeta).Put(keySchemaVersion, buf)
	})
}

func TestFlushThenLoadRoundTripsAggregate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fachdienst.state")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	snap := &task.Snapshot{
		Tasks: []*task.Task{
			{
				ID:           "160.000.000.000.001.25",
				FlowType:     task.FlowTypeOutpatientInsured,
				Status:       task.StatusReady,
				AccessCode:   "deadbeef",
				For:          "X110412640",
				AuthoredOn:   now,
				LastModified: now,
				ExpiryDate:   now.Add(90 * 24 * time.Hour),
				CreatedBy:    "838382202",
			},
		},
		Communications: []*task.Communication{
			{ID: "comm-1", Sender: "606358757", Recipient: "X110412640", AboutTask: "160.000.000.000.001.25"},
		},
		AuditEvents: []*task.AuditEvent{
			{ID: "audit-1", TaskID: "160.000.000.000.001.25", Action: "create", Outcome: "success", RecordedAt: now},
		},
	}

	if err := s.Flush(snap); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reloaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Tasks) != 1 || reloaded.Tasks[0].ID != snap.Tasks[0].ID {
		t.Fatalf("expected 1 task with matching ID, got %+v", reloaded.Tasks)
	}
	if reloaded.Tasks[0].Status != task.StatusReady {
		t.Fatalf("expected status %q, got %q", task.StatusReady, reloaded.Tasks[0].Status)
	}
	if reloaded.Tasks[0].AccessCode != "deadbeef" {
		t.Fatalf("access code did not round-trip: got %q", reloaded.Tasks[0].AccessCode)
	}
	if len(reloaded.Communications) != 1 || reloaded.Communications[0].ID != "comm-1" {
		t.Fatalf("expected 1 communication with matching ID, got %+v", reloaded.Communications)
	}
	if len(reloaded.AuditEvents) != 1 || reloaded.AuditEvents[0].ID != "audit-1" {
		t.Fatalf("expected 1 audit event with matching ID, got %+v", reloaded.AuditEvents)
	}
}

func TestFlushReplacesPriorContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fachdienst.state")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := &task.Snapshot{Tasks: []*task.Task{{ID: "a"}, {ID: "b"}}}
	if err := s.Flush(first); err != nil {
		t.Fatalf("Flush first: %v", err)
	}

	second := &task.Snapshot{Tasks: []*task.Task{{ID: "c"}}}
	if err := s.Flush(second); err != nil {
		t.Fatalf("Flush second: %v", err)
	}

	reloaded, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reloaded.Tasks) != 1 || reloaded.Tasks[0].ID != "c" {
		t.Fatalf("expected flush to wholesale-replace prior tasks, got %+v", reloaded.Tasks)
	}
}

func TestOpenRefusesMismatchedSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fachdienst.state")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	if err := bumpStoredSchemaVersion(path, schemaVersion+1); err != nil {
		t.Fatalf("bumpStoredSchemaVersion: %v", err)
	}

	_, err = Open(path)
	if err == nil {
		t.Fatal("expected Open to refuse a mismatched schema version")
	}
	if !errors.Is(err, ErrStateUnreadable) {
		t.Fatalf("expected a schema mismatch to wrap ErrStateUnreadable, got %v", err)
	}
}

func TestOpenOnFreshFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fachdienst.state")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Tasks) != 0 || len(snap.Communications) != 0 || len(snap.AuditEvents) != 0 {
		t.Fatalf("expected an empty snapshot on a fresh state file, got %+v", snap)
	}
}
