package image

import (
	"bytes"
	"fmt"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// SuperblockRecord is an ordered mapping of field name to raw bytes,
// populated by reading a layout.Descriptor from a given offset.
type SuperblockRecord struct {
	Kind   layout.Kind
	Offset int
	Fields map[string][]byte
}

// Field returns the raw bytes for name, or nil if the descriptor has no
// such field.
func (r *SuperblockRecord) Field(name string) []byte { return r.Fields[name] }

// ReadRecord reads layout.RecordLength(kind) bytes starting at offset and
// splits them into named fields per kind's descriptor. It never reads past
// end-of-file; a short read fails with ferrors.ErrMalformedImage.
func ReadRecord(img *Image, kind layout.Kind, offset int) (*SuperblockRecord, error) {
	desc := layout.ForKind(kind)
	raw, err := img.slice(offset, desc.RecordLength())
	if err != nil {
		return nil, err
	}
	rec := &SuperblockRecord{Kind: kind, Offset: offset, Fields: make(map[string][]byte, len(desc.Fields))}
	for _, f := range desc.Fields {
		off, width, ok := desc.OffsetOf(f.Name)
		if !ok {
			continue
		}
		rec.Fields[f.Name] = raw[off : off+width]
	}
	return rec, nil
}

// FindAll returns every offset at which kind's superblock or uberblock
// appears to start, per the scan strategy for that kind's family.
func FindAll(img *Image, kind layout.Kind) ([]int, error) {
	switch {
	case kind.IsUFS():
		return findUFS(img, kind)
	case kind.IsEXT():
		return findEXT(img, kind)
	default:
		return findZFS(img)
	}
}

func findAllIndexes(haystack, needle []byte) []int {
	var out []int
	start := 0
	for {
		idx := bytes.Index(haystack[start:], needle)
		if idx < 0 {
			return out
		}
		out = append(out, start+idx)
		start += idx + 1
	}
}

// findUFS scans for the 4-byte magic, which is the last field of the UFS
// record: a match's own offset minus (record length - 4) is the candidate
// superblock start. The first magic match belongs to the boot block and is
// dropped. The canonical primary offset is forced to be the list head.
func findUFS(img *Image, kind layout.Kind) ([]int, error) {
	desc := layout.ForKind(kind)
	matches := findAllIndexes(img.Bytes(), desc.Magic)
	if len(matches) > 0 {
		matches = matches[1:]
	}
	var offsets []int
	tailWidth := 4
	for _, m := range matches {
		cand := m - (desc.RecordLength() - tailWidth)
		if cand < 0 {
			continue
		}
		offsets = append(offsets, cand)
	}
	primary := int(desc.PrimaryOffset)
	offsets = moveToFront(offsets, primary)
	if len(offsets) == 0 {
		return []int{primary}, nil
	}
	return offsets, nil
}

func moveToFront(offsets []int, want int) []int {
	found := -1
	for i, o := range offsets {
		if o == want {
			found = i
			break
		}
	}
	if found < 0 {
		return append([]int{want}, offsets...)
	}
	out := make([]int, 0, len(offsets))
	out = append(out, want)
	for i, o := range offsets {
		if i != found {
			out = append(out, o)
		}
	}
	return out
}

// findEXT reads the primary record at the fixed ext probe offset, lifts its
// UUID field as a unique pattern, and scans the whole image for that UUID;
// each match is accepted only if the two bytes at the expected magic
// position also equal the ext magic.
func findEXT(img *Image, kind layout.Kind) ([]int, error) {
	primary, err := ReadRecord(img, kind, layout.SBLOCK_EXT)
	if err != nil {
		return nil, err
	}
	uuid := primary.Field("e2fs_uuid")
	if len(uuid) != layout.ExtUUIDFieldWidth {
		return nil, fmt.Errorf("image: primary ext record missing uuid field: %w", ferrors.ErrMalformedImage)
	}
	desc := layout.ForKind(kind)
	var offsets []int
	for _, m := range findAllIndexes(img.Bytes(), uuid) {
		sbOff := m - layout.ExtUUIDFieldOffset
		magicAt := sbOff + layout.ExtMagicFieldOffset
		magic, err := img.slice(magicAt, len(desc.Magic))
		if err != nil {
			continue
		}
		if bytes.Equal(magic, desc.Magic) {
			offsets = append(offsets, sbOff)
		}
	}
	return offsets, nil
}

// findZFS scans for the 8-byte uberblock magic; every match is a candidate,
// with no boot-block exclusion (ZFS has no fixed primary offset).
func findZFS(img *Image) ([]int, error) {
	desc := layout.ForKind(layout.ZFS)
	return findAllIndexes(img.Bytes(), desc.Magic), nil
}
