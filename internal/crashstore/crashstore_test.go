package crashstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendIfNewDeduplicates(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}

	e := Entry{FuzzerName: "f1", VMName: "vm1", FSKind: "ext4", FSSizeMB: "15", Engine: "seq", PanicLabel: "page_fault", StackHash: "abc123", CrashDir: "crash_dumps/x", Runtime: "5s", Iteration: "42"}

	added, err := s.AppendIfNew(e)
	if err != nil {
		t.Fatal(err)
	}
	if !added {
		t.Fatal("expected first append to succeed")
	}

	added, err = s.AppendIfNew(e)
	if err != nil {
		t.Fatal(err)
	}
	if added {
		t.Fatal("expected duplicate hash to be suppressed")
	}

	entries, err := s.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].StackHash != "abc123" {
		t.Errorf("stack hash = %q", entries[0].StackHash)
	}
}

func TestContains(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "crash.db")
	s, _ := Open(dbPath)
	e := Entry{StackHash: "deadbeef"}
	if _, err := s.AppendIfNew(e); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Contains("deadbeef")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected Contains to find appended hash")
	}
}

func TestRenameWithLabel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "20260101_120000")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	newDir, err := RenameWithLabel(dir, "page_fault")
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(newDir) != "20260101_120000_page_fault" {
		t.Errorf("newDir = %s", newDir)
	}
}
