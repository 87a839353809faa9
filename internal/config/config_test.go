package config

import (
	"path/filepath"
	"testing"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	defer SetConfigDir("")

	cfg := &Config{
		Fuzzer: []FuzzerSpec{
			{Name: "fuzz1", FSCreatorVM: "genBox", FuzzingVM: "fuzzBox", MutationEngine: "radamsa", MutationN: 0, TargetFS: "ufs2", TargetSizeMB: 15, PopulateWithFiles: 10, MaxFileSizeKB: 1024},
		},
		Credentials: Credentials{User: "root", Password: "root"},
	}
	if err := Save(cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	spec, ok := loaded.Find("fuzz1")
	if !ok {
		t.Fatal("expected fuzz1 entry")
	}
	if spec.TargetFS != "ufs2" || spec.TargetSizeMB != 15 {
		t.Errorf("spec = %+v", spec)
	}
	if loaded.Credentials.User != "root" {
		t.Errorf("Credentials.User = %q", loaded.Credentials.User)
	}
}

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	SetConfigDir(t.TempDir())
	defer SetConfigDir("")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Fuzzer) != 0 {
		t.Errorf("expected no fuzzer entries, got %v", cfg.Fuzzer)
	}
}

func TestResolveFuzzerNameFallsBackToSoleEntry(t *testing.T) {
	dir := t.TempDir()
	SetConfigDir(dir)
	defer SetConfigDir("")

	if err := Save(&Config{Fuzzer: []FuzzerSpec{{Name: "onlyone"}}}); err != nil {
		t.Fatal(err)
	}

	name, err := ResolveFuzzerName("", "")
	if err != nil {
		t.Fatal(err)
	}
	if name != "onlyone" {
		t.Errorf("name = %q, want onlyone", name)
	}
}

func TestRCWriteFindRead(t *testing.T) {
	dir := t.TempDir()
	if err := WriteRC(dir, "fuzz1"); err != nil {
		t.Fatal(err)
	}
	rcPath, err := FindRC(filepath.Join(dir, "sub"))
	if err != nil {
		t.Fatal(err)
	}
	if rcPath == "" {
		t.Fatal("expected to find .fisyfuzzrc by walking up")
	}
	name, err := ReadRC(rcPath)
	if err != nil {
		t.Fatal(err)
	}
	if name != "fuzz1" {
		t.Errorf("name = %q", name)
	}
}
