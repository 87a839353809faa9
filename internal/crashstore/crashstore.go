// Package crashstore implements the append-only crash registry: one
// semicolon-separated line per unique stack-hash fingerprint, guarded by a
// filesystem advisory lock so multiple fuzzer instances sharing the same
// crash_dumps directory never race on a duplicate-hash check.
package crashstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
)

// Entry is one line of crash.db (see the FingerprintEntry data model):
// fuzzer identity, target VM, filesystem parameters, the mutation engine
// name, and the crash location. The mutation seed is not part of the entry;
// it is written to the crash directory's fs.json.
type Entry struct {
	FuzzerName string
	VMName     string
	FSKind     string
	FSSizeMB   string
	Engine     string
	PanicLabel string
	StackHash  string
	CrashDir   string
	Runtime    string
	Iteration  string
}

func (e Entry) line() string {
	fields := []string{e.FuzzerName, e.VMName, e.FSKind, e.FSSizeMB, e.Engine, e.PanicLabel, e.StackHash, e.CrashDir, e.Runtime, e.Iteration}
	return strings.Join(fields, "; ") + "\n"
}

// Store wraps a single crash.db file path.
type Store struct {
	path string
}

// Open returns a Store bound to dbPath, creating the parent directory and
// an empty file if neither exists yet.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("crashstore: creating %s: %w: %v", filepath.Dir(dbPath), ferrors.ErrIO, err)
	}
	f, err := os.OpenFile(dbPath, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("crashstore: opening %s: %w: %v", dbPath, ferrors.ErrIO, err)
	}
	f.Close()
	return &Store{path: dbPath}, nil
}

// Contains reports whether hash already appears anywhere in crash.db,
// without taking the write lock — used by the reproducer's poll loop,
// which only reads.
func (s *Store) Contains(hash string) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("crashstore: reading %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	return strings.Contains(string(data), hash), nil
}

// AppendIfNew locks crash.db, re-checks for hash, and appends entry only if
// the hash is still absent. Returns added=false (no error) if another
// instance already recorded the same hash first.
func (s *Store) AppendIfNew(entry Entry) (added bool, err error) {
	f, err := os.OpenFile(s.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return false, fmt.Errorf("crashstore: opening %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return false, fmt.Errorf("crashstore: locking %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, fmt.Errorf("crashstore: reading %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	if strings.Contains(string(data), entry.StackHash) {
		return false, nil
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		return false, fmt.Errorf("crashstore: seeking %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	if _, err := f.WriteString(entry.line()); err != nil {
		return false, fmt.Errorf("crashstore: appending to %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	return true, nil
}

// Entries parses every line currently in crash.db, in file order.
func (s *Store) Entries() ([]Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("crashstore: opening %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "; ")
		if len(fields) != 10 {
			continue
		}
		out = append(out, Entry{
			FuzzerName: fields[0],
			VMName:     fields[1],
			FSKind:     fields[2],
			FSSizeMB:   fields[3],
			Engine:     fields[4],
			PanicLabel: fields[5],
			StackHash:  fields[6],
			CrashDir:   fields[7],
			Runtime:    fields[8],
			Iteration:  fields[9],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("crashstore: scanning %s: %w: %v", s.path, ferrors.ErrIO, err)
	}
	return out, nil
}
