// Package layout holds the static per-filesystem field tables used to find
// and parse superblocks/uberblocks inside a raw image. The tables are
// compile-time data: offsets are summed once at package initialization and asserted against
// the known-good record length for each kind, so a transcription error
// aborts process startup instead of silently misreading bytes later.
package layout

import "fmt"

// Kind is a tagged filesystem identity, derived from a MIME-style probe
// over the raw image (see internal/image).
type Kind int

const (
	UFS1 Kind = iota
	UFS2
	EXT2
	EXT3
	EXT4
	ZFS
)

func (k Kind) String() string {
	switch k {
	case UFS1:
		return "ufs1"
	case UFS2:
		return "ufs2"
	case EXT2:
		return "ext2"
	case EXT3:
		return "ext3"
	case EXT4:
		return "ext4"
	case ZFS:
		return "zfs"
	default:
		return "unknown"
	}
}

// IsUFS reports whether k is one of the UFS variants.
func (k Kind) IsUFS() bool { return k == UFS1 || k == UFS2 }

// IsEXT reports whether k is one of the ext2/3/4 variants.
func (k Kind) IsEXT() bool { return k == EXT2 || k == EXT3 || k == EXT4 }

// family collapses the six kinds down to the three descriptor families —
// UFS1/UFS2 share one field table (only the primary probe offset differs),
// as do ext2/3/4.
func (k Kind) family() Kind {
	if k.IsUFS() {
		return UFS2
	}
	if k.IsEXT() {
		return EXT4
	}
	return ZFS
}

// ParseKind maps a fuzzer.toml target_fs string onto its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ufs1":
		return UFS1, nil
	case "ufs2":
		return UFS2, nil
	case "ext2":
		return EXT2, nil
	case "ext3":
		return EXT3, nil
	case "ext4":
		return EXT4, nil
	case "zfs":
		return ZFS, nil
	default:
		return 0, fmt.Errorf("layout: unknown target_fs %q", s)
	}
}

// FieldSpec is one named, fixed-width field in a superblock record. The
// field's offset is never stored here — it is derived as the sum of the
// widths of every preceding field in the descriptor, per spec.
type FieldSpec struct {
	Name  string
	Width int
}

// Descriptor is the per-kind layout: a magic byte pattern, the fixed probe
// offset of the primary copy, the ordered field table, and the name of the
// field holding the magic bytes within the record.
type Descriptor struct {
	Kind          Kind
	Magic         []byte
	PrimaryOffset int64
	Fields        []FieldSpec
	MagicField    string

	length  int
	offsets map[string]int
}

// RecordLength returns the sum of all field widths for the descriptor.
func (d *Descriptor) RecordLength() int { return d.length }

// OffsetOf returns the summed offset and width of field name within the
// record, or ok=false if the field is unknown.
func (d *Descriptor) OffsetOf(name string) (offset, width int, ok bool) {
	off, ok := d.offsets[name]
	if !ok {
		return 0, 0, false
	}
	for _, f := range d.Fields {
		if f.Name == name {
			return off, f.Width, true
		}
	}
	return 0, 0, false
}

// MagicOffset returns the offset of the descriptor's magic field, panicking
// if the descriptor was misconfigured (a build-time bug, not a runtime one).
func (d *Descriptor) MagicOffset() int {
	off, _, ok := d.OffsetOf(d.MagicField)
	if !ok {
		panic(fmt.Sprintf("layout: descriptor %s has no magic field %q", d.Kind, d.MagicField))
	}
	return off
}

func buildDescriptor(kind Kind, magic []byte, primary int64, fields []FieldSpec, magicField string, wantLen int) *Descriptor {
	d := &Descriptor{
		Kind:          kind,
		Magic:         magic,
		PrimaryOffset: primary,
		Fields:        fields,
		MagicField:    magicField,
		offsets:       make(map[string]int, len(fields)),
	}
	off := 0
	for _, f := range fields {
		d.offsets[f.Name] = off
		off += f.Width
	}
	d.length = off
	if d.length != wantLen {
		panic(fmt.Sprintf("layout: %s record length mismatch: got %d, want %d", kind, d.length, wantLen))
	}
	return d
}

// descriptors maps each descriptor *family* (UFS2, EXT4, ZFS) to its built
// descriptor. UFS1/UFS2 and EXT2/3/4 share a family's field table; ForKind
// clones the family descriptor with the kind-specific primary offset.
var descriptors = map[Kind]*Descriptor{
	UFS2: buildDescriptor(UFS2, []byte{0x19, 0x01, 0x54, 0x19}, SBLOCK_UFS2, ufsFields, "fs_magic", 1376),
	EXT4: buildDescriptor(EXT4, []byte{0x53, 0xEF}, SBLOCK_EXT, extFields, "e2fs_magic", 960),
	ZFS:  buildDescriptor(ZFS, []byte{0x0C, 0xB1, 0xBA, 0x00, 0x00, 0x00, 0x00, 0x00}, 0, zfsFields, "ub_magic", 1024),
}

const (
	// SBLOCK_UFS1 is the fixed probe offset of the primary UFS1 superblock.
	SBLOCK_UFS1 = 8192
	// SBLOCK_UFS2 is the fixed probe offset of the primary UFS2 superblock.
	SBLOCK_UFS2 = 65536
	// SBLOCK_EXT is the fixed probe offset of the primary ext2/3/4 superblock.
	SBLOCK_EXT = 1024
	// ExtUUIDFieldOffset is the byte offset of e2fs_uuid within the record,
	// used to anchor the UUID-based backup-superblock scan (see §4.1).
	ExtUUIDFieldOffset = 104
	// ExtUUIDFieldWidth is the width in bytes of e2fs_uuid.
	ExtUUIDFieldWidth = 16
	// ExtMagicFieldOffset is the byte offset of e2fs_magic within the record.
	ExtMagicFieldOffset = 56
)

// ForKind returns the descriptor for kind, with PrimaryOffset adjusted for
// UFS1 (the family descriptor defaults to the UFS2 offset).
func ForKind(kind Kind) *Descriptor {
	d := descriptors[kind.family()]
	if kind == UFS1 {
		clone := *d
		clone.Kind = UFS1
		clone.PrimaryOffset = SBLOCK_UFS1
		return &clone
	}
	clone := *d
	clone.Kind = kind
	return &clone
}

// RecordLength returns the record length (in bytes) for kind.
func RecordLength(kind Kind) int { return ForKind(kind).RecordLength() }

// OffsetOf returns the offset and width of field within kind's record.
func OffsetOf(kind Kind, field string) (offset, width int, ok bool) {
	return ForKind(kind).OffsetOf(field)
}
