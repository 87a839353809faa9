// Package image loads raw filesystem images and scans them for superblock
// copies using the descriptors in package layout. An Image is never
// modified in place; every mutation engine writes a derived file instead.
package image

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
)

// Image is a file path plus its byte contents, read fully into memory by
// Open and held for the lifetime of the value.
type Image struct {
	path string
	data []byte
}

// Open loads path's contents into memory. The returned Image never writes
// back to path; see Derive for producing a mutated copy.
func Open(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: open %s: %w: %v", path, ferrors.ErrIO, err)
	}
	return &Image{path: path, data: data}, nil
}

// Path returns the source file path.
func (img *Image) Path() string { return img.path }

// Len returns the number of bytes in the image.
func (img *Image) Len() int { return len(img.data) }

// Bytes returns the image's raw contents. Callers must not mutate the
// returned slice; use Derive to produce a new image instead.
func (img *Image) Bytes() []byte { return img.data }

// slice returns the n bytes starting at off as a sub-slice of the image's
// contents (not a copy), returning ferrors.ErrMalformedImage on a short read.
func (img *Image) slice(off, n int) ([]byte, error) {
	if off < 0 || n < 0 || off+n > len(img.data) {
		return nil, fmt.Errorf("image: read %d bytes at %d in %d-byte image: %w", n, off, len(img.data), ferrors.ErrMalformedImage)
	}
	return img.data[off : off+n], nil
}

// DerivedPath returns the path a derived image named with the given engine
// tag would have, without writing anything.
func (img *Image) DerivedPath(tag string) string {
	name := tag + filepath.Base(img.path)
	return filepath.Join(filepath.Dir(img.path), name)
}

// Derive writes buf to a new file alongside the source image, named after
// tag and the source basename, and returns the new path. The source file
// itself is left untouched.
func (img *Image) Derive(tag string, buf []byte) (string, error) {
	dst := img.DerivedPath(tag)
	if err := os.WriteFile(dst, buf, 0o644); err != nil {
		return "", fmt.Errorf("image: write %s: %w: %v", dst, ferrors.ErrIO, err)
	}
	return dst, nil
}
