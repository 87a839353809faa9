// Package mutate implements the four mutation engines that turn a seed
// image into a derived image: two byte-flip engines, a superblock-aware
// metadata engine, and a wrapper around the external radamsa binary.
package mutate

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/image"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// Kind tags which mutation engine produced a derived image.
type Kind int

const (
	ByteFlipSeqKind Kind = iota
	ByteFlipRndKind
	MetadataKind
	RadamsaKind
)

func (k Kind) String() string {
	switch k {
	case ByteFlipSeqKind:
		return "seq"
	case ByteFlipRndKind:
		return "rnd"
	case MetadataKind:
		return "sb_meta"
	case RadamsaKind:
		return "radamsa"
	default:
		return "unknown"
	}
}

// ParseKind maps a fuzzer.toml mutation_engine string onto its Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "seq":
		return ByteFlipSeqKind, nil
	case "rnd":
		return ByteFlipRndKind, nil
	case "sb_meta":
		return MetadataKind, nil
	case "radamsa":
		return RadamsaKind, nil
	default:
		return 0, fmt.Errorf("mutate: unknown mutation_engine %q", s)
	}
}

// Result is what every engine returns: the path to the new image plus
// engine-specific metadata needed to reproduce the mutation later.
type Result struct {
	Path string
	Seed *big.Int // only set by Radamsa
}

// randPos returns a cryptographically random integer in [0, n). n must be
// > 0.
func randPos(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("mutate: %w: %v", ferrors.ErrIO, err)
	}
	return int(v.Int64()), nil
}

func randByte() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("mutate: %w: %v", ferrors.ErrIO, err)
	}
	return b[0], nil
}

// ByteFlipSeq overwrites n contiguous bytes at a uniformly random start
// position with fresh random bytes.
func ByteFlipSeq(img *image.Image, n int) (Result, error) {
	buf := append([]byte(nil), img.Bytes()...)
	if len(buf) < n {
		return Result{}, fmt.Errorf("mutate: image shorter than %d bytes: %w", n, ferrors.ErrImageTooSmall)
	}
	p, err := randPos(len(buf) - n + 1)
	if err != nil {
		return Result{}, err
	}
	for i := 0; i < n; i++ {
		b, err := randByte()
		if err != nil {
			return Result{}, err
		}
		buf[p+i] = b
	}
	path, err := img.Derive(fmt.Sprintf("%db_%s_", n, ByteFlipSeqKind), buf)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path}, nil
}

// ByteFlipRnd performs a random walk of n single-byte overwrites; the same
// position may be hit more than once, by design.
func ByteFlipRnd(img *image.Image, n int) (Result, error) {
	buf := append([]byte(nil), img.Bytes()...)
	if len(buf) == 0 {
		return Result{}, fmt.Errorf("mutate: empty image: %w", ferrors.ErrImageTooSmall)
	}
	for i := 0; i < n; i++ {
		p, err := randPos(len(buf))
		if err != nil {
			return Result{}, err
		}
		b, err := randByte()
		if err != nil {
			return Result{}, err
		}
		buf[p] = b
	}
	path, err := img.Derive(fmt.Sprintf("%db_%s_", n, ByteFlipRndKind), buf)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path}, nil
}

// Metadata confines n single-byte mutations to the union of every
// superblock/uberblock byte range found in the image, so every flip lands
// on filesystem metadata instead of file content.
func Metadata(img *image.Image, kind layout.Kind, n int) (Result, error) {
	offsets, err := image.FindAll(img, kind)
	if err != nil {
		return Result{}, err
	}
	if len(offsets) == 0 {
		return Result{}, fmt.Errorf("mutate: %w", ferrors.ErrNoSuperblock)
	}
	recLen := layout.RecordLength(kind)
	seen := make(map[int]bool)
	var positions []int
	for _, off := range offsets {
		for i := 0; i < recLen; i++ {
			p := off + i
			if p < img.Len() && !seen[p] {
				seen[p] = true
				positions = append(positions, p)
			}
		}
	}
	if len(positions) == 0 {
		return Result{}, fmt.Errorf("mutate: %w", ferrors.ErrNoSuperblock)
	}
	buf := append([]byte(nil), img.Bytes()...)
	for i := 0; i < n; i++ {
		idx, err := randPos(len(positions))
		if err != nil {
			return Result{}, err
		}
		b, err := randByte()
		if err != nil {
			return Result{}, err
		}
		buf[positions[idx]] = b
	}
	path, err := img.Derive(fmt.Sprintf("%db_%s_", n, MetadataKind), buf)
	if err != nil {
		return Result{}, err
	}
	return Result{Path: path}, nil
}
