package mutate

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"os/exec"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/image"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// ExecCommand wraps exec.Command for testability, matching the override
// pattern used for every other subprocess boundary in this module.
var ExecCommand = exec.Command

// hundredBits is the upper bound for the deterministic radamsa seed: a
// fresh 100-bit random integer, reused verbatim if the crash needs to be
// replayed.
var hundredBits = new(big.Int).Lsh(big.NewInt(1), 100)

// RadamsaOptions controls the post-mutation restoration pass. PreserveMagic
// and PreserveUberblock are mutually exclusive; PreserveUberblock wins if
// both are set.
type RadamsaOptions struct {
	PreserveMagic     bool
	PreserveUberblock bool
}

// Radamsa invokes the external radamsa binary against img with a freshly
// generated seed, then optionally restores magic bytes or whole superblock
// records in the mutated output so the result still looks like the
// declared filesystem kind.
func Radamsa(img *image.Image, kind layout.Kind, opts RadamsaOptions) (Result, error) {
	seed, err := rand.Int(rand.Reader, hundredBits)
	if err != nil {
		return Result{}, fmt.Errorf("mutate: generating radamsa seed: %w: %v", ferrors.ErrIO, err)
	}

	dstPath := img.DerivedPath(fmt.Sprintf("%s_", RadamsaKind))

	cmd := ExecCommand("radamsa", img.Path(), "-s", seed.String())
	out, err := os.Create(dstPath)
	if err != nil {
		return Result{}, fmt.Errorf("mutate: creating %s: %w: %v", dstPath, ferrors.ErrIO, err)
	}
	cmd.Stdout = out
	runErr := cmd.Run()
	closeErr := out.Close()
	if runErr != nil {
		return Result{}, fmt.Errorf("mutate: running radamsa: %w: %v", ferrors.ErrIO, runErr)
	}
	if closeErr != nil {
		return Result{}, fmt.Errorf("mutate: closing %s: %w: %v", dstPath, ferrors.ErrIO, closeErr)
	}

	preserveMagic := opts.PreserveMagic && !opts.PreserveUberblock
	preserveUberblock := opts.PreserveUberblock

	if preserveMagic {
		if err := restoreMagic(img, dstPath, kind); err != nil {
			return Result{}, err
		}
	}
	if preserveUberblock {
		if err := restoreUberblock(img, dstPath, kind); err != nil {
			return Result{}, err
		}
	}

	return Result{Path: dstPath, Seed: seed}, nil
}

// restoreMagic seeks to each original superblock's magic-field offset in
// the mutated image and overwrites it with the canonical magic bytes,
// guaranteeing the result still probes as kind to file(1) and the kernel.
func restoreMagic(original *image.Image, mutatedPath string, kind layout.Kind) error {
	offsets, err := image.FindAll(original, kind)
	if err != nil {
		return err
	}
	desc := layout.ForKind(kind)
	magicOff := desc.MagicOffset()

	f, err := os.OpenFile(mutatedPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("mutate: opening %s: %w: %v", mutatedPath, ferrors.ErrIO, err)
	}
	defer f.Close()

	for _, off := range offsets {
		if _, err := f.WriteAt(desc.Magic, int64(off+magicOff)); err != nil {
			return fmt.Errorf("mutate: restoring magic at %d: %w: %v", off+magicOff, ferrors.ErrIO, err)
		}
	}
	return nil
}

// restoreUberblock copies each original superblock record, in full, back
// into the same offset of the mutated image — confining any mutation to
// the non-metadata regions of the image.
func restoreUberblock(original *image.Image, mutatedPath string, kind layout.Kind) error {
	offsets, err := image.FindAll(original, kind)
	if err != nil {
		return err
	}
	recLen := layout.RecordLength(kind)

	f, err := os.OpenFile(mutatedPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("mutate: opening %s: %w: %v", mutatedPath, ferrors.ErrIO, err)
	}
	defer f.Close()

	for _, off := range offsets {
		buf := make([]byte, recLen)
		n := copy(buf, original.Bytes()[off:])
		if n < recLen {
			return fmt.Errorf("mutate: short original record at %d: %w", off, ferrors.ErrMalformedImage)
		}
		if _, err := f.WriteAt(buf, int64(off)); err != nil {
			return fmt.Errorf("mutate: restoring uberblock at %d: %w: %v", off, ferrors.ErrIO, err)
		}
	}
	return nil
}
