package image

import (
	"testing"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

func TestClassifyMIME(t *testing.T) {
	cases := []struct {
		desc string
		want layout.Kind
	}{
		{"Unix Fast File System [v1] (little-endian)", layout.UFS1},
		{"Unix Fast File System [v2] (little-endian)", layout.UFS2},
		{"Linux rev 1.0 ext2 filesystem data", layout.EXT2},
		{"Linux rev 1.0 ext4 filesystem data, UUID=...", layout.EXT4},
		{"data", layout.ZFS},
	}
	for _, c := range cases {
		got, err := classifyMIME(c.desc)
		if err != nil {
			t.Fatalf("classifyMIME(%q): %v", c.desc, err)
		}
		if got != c.want {
			t.Errorf("classifyMIME(%q) = %s, want %s", c.desc, got, c.want)
		}
	}
}

func TestClassifyMIMEUnknown(t *testing.T) {
	if _, err := classifyMIME("ASCII text"); err != ferrors.ErrUnknownFilesystem {
		t.Fatalf("err = %v, want ErrUnknownFilesystem", err)
	}
}
