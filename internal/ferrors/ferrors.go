// Package ferrors defines the sentinel error kinds shared across the fuzzer
// core so callers can branch with errors.Is instead of string matching.
package ferrors

import "errors"

var (
	// ErrIO wraps raw file or transport I/O failures.
	ErrIO = errors.New("io error")

	// ErrMalformedImage signals a short read inside a superblock record.
	ErrMalformedImage = errors.New("malformed image")

	// ErrNoSuperblock signals the metadata engine found no superblock copy.
	ErrNoSuperblock = errors.New("no superblock found")

	// ErrImageTooSmall signals an image smaller than the requested mutation span.
	ErrImageTooSmall = errors.New("image too small for mutation")

	// ErrTransportTimeout signals the guest was unreachable during exec/copy.
	ErrTransportTimeout = errors.New("transport timeout")

	// ErrGuestUnresponsive signals the liveness probe failed.
	ErrGuestUnresponsive = errors.New("guest unresponsive")

	// ErrMountFailed signals a clean mount refusal by the guest.
	ErrMountFailed = errors.New("mount failed")

	// ErrUnknownFilesystem signals the MIME probe could not classify the image.
	ErrUnknownFilesystem = errors.New("unknown filesystem")

	// ErrReproductionMismatch signals fingerprints differed on replay.
	ErrReproductionMismatch = errors.New("reproduction mismatch")

	// ErrGeneratorFailed signals the generator subprocess failed twice in a
	// row for the same generation request — fatal for the run.
	ErrGeneratorFailed = errors.New("generator failed twice")
)
