package layout

import "testing"

func TestRecordLengths(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{UFS1, 1376},
		{UFS2, 1376},
		{EXT2, 960},
		{EXT3, 960},
		{EXT4, 960},
		{ZFS, 1024},
	}
	for _, c := range cases {
		if got := RecordLength(c.kind); got != c.want {
			t.Errorf("RecordLength(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestPrimaryOffsets(t *testing.T) {
	if off := ForKind(UFS1).PrimaryOffset; off != SBLOCK_UFS1 {
		t.Errorf("UFS1 primary offset = %d, want %d", off, SBLOCK_UFS1)
	}
	if off := ForKind(UFS2).PrimaryOffset; off != SBLOCK_UFS2 {
		t.Errorf("UFS2 primary offset = %d, want %d", off, SBLOCK_UFS2)
	}
	if off := ForKind(EXT4).PrimaryOffset; off != SBLOCK_EXT {
		t.Errorf("EXT4 primary offset = %d, want %d", off, SBLOCK_EXT)
	}
}

func TestOffsetOfUnknownField(t *testing.T) {
	if _, _, ok := OffsetOf(EXT4, "does_not_exist"); ok {
		t.Fatal("expected ok=false for unknown field")
	}
}

func TestMagicOffsetIsLastUFSField(t *testing.T) {
	d := ForKind(UFS2)
	off := d.MagicOffset()
	if off != d.RecordLength()-4 {
		t.Errorf("UFS magic offset = %d, want %d (last 4 bytes)", off, d.RecordLength()-4)
	}
}

func TestExtUUIDConstantsMatchDescriptor(t *testing.T) {
	off, width, ok := OffsetOf(EXT4, "e2fs_uuid")
	if !ok {
		t.Fatal("e2fs_uuid field missing")
	}
	if off != ExtUUIDFieldOffset || width != ExtUUIDFieldWidth {
		t.Errorf("e2fs_uuid = (off=%d, width=%d), want (off=%d, width=%d)", off, width, ExtUUIDFieldOffset, ExtUUIDFieldWidth)
	}
	magicOff, _, ok := OffsetOf(EXT4, "e2fs_magic")
	if !ok || magicOff != ExtMagicFieldOffset {
		t.Errorf("e2fs_magic offset = %d, want %d", magicOff, ExtMagicFieldOffset)
	}
}
