package records

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStoreUpsertAndUpdate(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	rec := Record{ID: "b-1", Device: "panda01", Family: "generic", Commands: []string{"boot"}}
	if err := store.Upsert(rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := store.Get("b-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("Status = %q, want %q", got.Status, StatusRunning)
	}
	if got.StartedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatalf("timestamps were not set: %+v", got)
	}

	err = store.Update("b-1", func(r *Record) {
		r.Status = StatusFailed
		r.Stage = "bootloader-entry"
		r.Error = "console: expect timeout"
		r.HardReset = true
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err = store.Get("b-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusFailed || got.Stage != "bootloader-entry" || !got.HardReset {
		t.Fatalf("record = %+v", got)
	}
	if got.FinishedAt.IsZero() {
		t.Fatal("FinishedAt not set for finished attempt")
	}
}

func TestStoreGetAndUpdateUnknown(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := store.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	if err := store.Update("nope", func(*Record) {}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestStoreLatest(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	base := time.Now().Add(-time.Hour)
	_ = store.Upsert(Record{ID: "a", Device: "panda01", StartedAt: base})
	_ = store.Upsert(Record{ID: "b", Device: "panda01", StartedAt: base.Add(time.Minute)})
	_ = store.Upsert(Record{ID: "c", Device: "loco01", StartedAt: base.Add(2 * time.Minute)})

	got, ok, err := store.Latest("panda01")
	if err != nil || !ok {
		t.Fatalf("Latest() = %v, %v", ok, err)
	}
	if got.ID != "b" {
		t.Fatalf("Latest().ID = %q, want b", got.ID)
	}
	if _, ok, _ := store.Latest("snowball01"); ok {
		t.Fatal("Latest() found a record for an unknown device")
	}
}

func TestStoreMarkInterrupted(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = store.Upsert(Record{ID: "a", Device: "panda01"})
	_ = store.Upsert(Record{ID: "b", Device: "loco01", Status: StatusBooted})

	n, err := store.MarkInterrupted("daemon restarted")
	if err != nil {
		t.Fatalf("MarkInterrupted() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("MarkInterrupted() = %d, want 1", n)
	}
	a, _ := store.Get("a")
	if a.Status != StatusFailed || a.Error != "daemon restarted" {
		t.Fatalf("record a = %+v", a)
	}
	b, _ := store.Get("b")
	if b.Status != StatusBooted {
		t.Fatalf("record b status = %q, want booted", b.Status)
	}
}

func TestStorePrunesFinishedPerDevice(t *testing.T) {
	t.Parallel()

	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	store.SetKeepPerDevice(2)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		if err := store.Upsert(Record{ID: fmt.Sprintf("f%d", i), Device: "panda01", Status: StatusFailed, StartedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	_ = store.Upsert(Record{ID: "run", Device: "panda01", StartedAt: base})
	_ = store.Upsert(Record{ID: "other", Device: "loco01", Status: StatusBooted, StartedAt: base})

	recs, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	ids := map[string]bool{}
	for _, r := range recs {
		ids[r.ID] = true
	}
	for _, want := range []string{"f3", "f2", "run", "other"} {
		if !ids[want] {
			t.Errorf("record %s was pruned", want)
		}
	}
	for _, gone := range []string{"f0", "f1"} {
		if ids[gone] {
			t.Errorf("record %s was kept", gone)
		}
	}
}

func TestStoreWritesExpectedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := store.Upsert(Record{ID: "x", Device: "panda01"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	path := filepath.Join(dir, fileName)
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat(%s) error = %v", path, err)
	}
	if got := info.Mode().Perm(); got != 0o600 {
		t.Fatalf("file mode = %o, want 600", got)
	}
}

func TestStoreRejectsNewerSchema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(`{"schema_version": 99, "records": []}`), 0o600); err != nil {
		t.Fatal(err)
	}
	store, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := store.List(); err == nil {
		t.Fatal("List() error = nil, want schema error")
	}
}
