package image

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

func writeTempImage(t *testing.T, buf []byte) *Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestFindAllUFSDropsBootBlockMatch(t *testing.T) {
	magic := []byte{0x19, 0x01, 0x54, 0x19}
	recLen := layout.RecordLength(layout.UFS2)
	size := layout.SBLOCK_UFS2 + recLen + 4096
	buf := make([]byte, size)

	// A spurious magic match inside the boot block (dropped).
	copy(buf[100:], magic)
	// The real primary copy: magic occupies the record's last 4 bytes.
	primaryMagicOff := layout.SBLOCK_UFS2 + recLen - 4
	copy(buf[primaryMagicOff:], magic)

	img := writeTempImage(t, buf)
	offsets, err := FindAll(img, layout.UFS2)
	if err != nil {
		t.Fatal(err)
	}
	if len(offsets) == 0 || offsets[0] != layout.SBLOCK_UFS2 {
		t.Fatalf("offsets = %v, want head %d", offsets, layout.SBLOCK_UFS2)
	}
}

func TestFindAllEXTUsesUUIDAnchor(t *testing.T) {
	recLen := layout.RecordLength(layout.EXT4)
	buf := make([]byte, layout.SBLOCK_EXT+recLen+4096)

	uuid := bytes.Repeat([]byte{0xAB}, layout.ExtUUIDFieldWidth)
	copy(buf[layout.SBLOCK_EXT+layout.ExtUUIDFieldOffset:], uuid)
	copy(buf[layout.SBLOCK_EXT+layout.ExtMagicFieldOffset:], []byte{0x53, 0xEF})

	img := writeTempImage(t, buf)
	offsets, err := FindAll(img, layout.EXT4)
	if err != nil {
		t.Fatal(err)
	}
	if len(offsets) != 1 || offsets[0] != layout.SBLOCK_EXT {
		t.Fatalf("offsets = %v, want [%d]", offsets, layout.SBLOCK_EXT)
	}
}

func TestReadRecordShortReadFails(t *testing.T) {
	img := writeTempImage(t, make([]byte, 10))
	if _, err := ReadRecord(img, layout.EXT4, 0); err == nil {
		t.Fatal("expected malformed-image error on short read")
	}
}

func TestFindAllZFSEveryMatchIsCandidate(t *testing.T) {
	magic := []byte{0x0C, 0xB1, 0xBA, 0x00, 0x00, 0x00, 0x00, 0x00}
	buf := make([]byte, 8192)
	copy(buf[0:], magic)
	copy(buf[4096:], magic)

	img := writeTempImage(t, buf)
	offsets, err := FindAll(img, layout.ZFS)
	if err != nil {
		t.Fatal(err)
	}
	if len(offsets) != 2 {
		t.Fatalf("offsets = %v, want 2 matches", offsets)
	}
}
