package mutate

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/image"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

func openTempImage(t *testing.T, buf []byte) *image.Image {
	t.Helper()
	path := filepath.Join(t.TempDir(), "seed.img")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := image.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func TestByteFlipSeqChangesAtMostNBytes(t *testing.T) {
	orig := bytes.Repeat([]byte{0xAA}, 4096)
	img := openTempImage(t, orig)

	res, err := ByteFlipSeq(img, 16)
	if err != nil {
		t.Fatal(err)
	}
	mutated, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(mutated) != len(orig) {
		t.Fatalf("mutated length = %d, want %d", len(mutated), len(orig))
	}
	diff := 0
	for i := range orig {
		if orig[i] != mutated[i] {
			diff++
		}
	}
	if diff > 16 {
		t.Fatalf("diff bytes = %d, want <= 16", diff)
	}
}

func TestByteFlipSeqTooSmall(t *testing.T) {
	img := openTempImage(t, make([]byte, 4))
	if _, err := ByteFlipSeq(img, 16); err == nil {
		t.Fatal("expected ImageTooSmall error")
	} else if !errors.Is(err, ferrors.ErrImageTooSmall) {
		t.Fatalf("err = %v, want wrapping ErrImageTooSmall", err)
	}
}

func TestByteFlipRndProducesSameLengthImage(t *testing.T) {
	orig := bytes.Repeat([]byte{0x00}, 1024)
	img := openTempImage(t, orig)

	res, err := ByteFlipRnd(img, 8)
	if err != nil {
		t.Fatal(err)
	}
	mutated, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(mutated) != len(orig) {
		t.Fatalf("mutated length = %d, want %d", len(mutated), len(orig))
	}
}

func TestMetadataFailsWithNoSuperblock(t *testing.T) {
	img := openTempImage(t, make([]byte, 2048))
	if _, err := Metadata(img, layout.EXT4, 4); !errors.Is(err, ferrors.ErrNoSuperblock) {
		t.Fatalf("err = %v, want ErrNoSuperblock", err)
	}
}

func TestMetadataConfinesMutationToSuperblockRange(t *testing.T) {
	recLen := layout.RecordLength(layout.EXT4)
	buf := make([]byte, layout.SBLOCK_EXT+recLen+4096)
	uuid := bytes.Repeat([]byte{0xCD}, layout.ExtUUIDFieldWidth)
	copy(buf[layout.SBLOCK_EXT+layout.ExtUUIDFieldOffset:], uuid)
	copy(buf[layout.SBLOCK_EXT+layout.ExtMagicFieldOffset:], []byte{0x53, 0xEF})

	img := openTempImage(t, buf)
	res, err := Metadata(img, layout.EXT4, 8)
	if err != nil {
		t.Fatal(err)
	}
	mutated, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	for i := range buf {
		if buf[i] != mutated[i] && (i < layout.SBLOCK_EXT || i >= layout.SBLOCK_EXT+recLen) {
			t.Fatalf("mutation landed outside superblock range at offset %d", i)
		}
	}
}

