package crashstore

import (
	"archive/zip"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
)

// Artifact is the on-disk bundle produced for one crash: core.txt,
// shasum256.txt, sample.zip (seed + mutated image + syscall log), fs.json
// (layout log plus crash metadata), and a compressed vmcore.
type Artifact struct {
	Dir string
}

// RenameWithLabel renames dir to include panicLabel, matching the registry
// convention of <timestamp>_<panic_label> crash directories, and returns
// the new path.
func RenameWithLabel(dir, panicLabel string) (string, error) {
	newDir := dir + "_" + panicLabel
	if err := os.Rename(dir, newDir); err != nil {
		return "", fmt.Errorf("crashstore: renaming %s: %w: %v", dir, ferrors.ErrIO, err)
	}
	return newDir, nil
}

// WriteShasum256 writes the stack hash to shasum256.txt inside dir.
func WriteShasum256(dir, stackHash string) error {
	path := filepath.Join(dir, "shasum256.txt")
	if err := os.WriteFile(path, []byte(stackHash), 0o644); err != nil {
		return fmt.Errorf("crashstore: writing %s: %w: %v", path, ferrors.ErrIO, err)
	}
	return nil
}

// WriteSampleZip bundles the seed image, mutated image, and syscall log
// into sample.zip inside dir.
func WriteSampleZip(dir string, seedImage, mutatedImage, syscallLog string) error {
	path := filepath.Join(dir, "sample.zip")
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("crashstore: creating %s: %w: %v", path, ferrors.ErrIO, err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	defer zw.Close()

	for _, src := range []string{seedImage, mutatedImage, syscallLog} {
		if src == "" {
			continue
		}
		if err := addFileToZip(zw, src); err != nil {
			return err
		}
	}
	return nil
}

func addFileToZip(zw *zip.Writer, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("crashstore: opening %s: %w: %v", src, ferrors.ErrIO, err)
	}
	defer in.Close()

	w, err := zw.Create(filepath.Base(src))
	if err != nil {
		return fmt.Errorf("crashstore: adding %s to zip: %w: %v", src, ferrors.ErrIO, err)
	}
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("crashstore: writing %s to zip: %w: %v", src, ferrors.ErrIO, err)
	}
	return nil
}

// WriteLayoutLog attaches crash_meta_data.{seed, panic} to the generator's
// raw JSON layout log and writes the result to fs.json inside dir. The
// core never otherwise interprets the layout log's contents.
func WriteLayoutLog(dir string, rawLayoutLog []byte, seed, panicLabel string) error {
	var doc map[string]any
	if err := json.Unmarshal(rawLayoutLog, &doc); err != nil {
		return fmt.Errorf("crashstore: parsing layout log: %w: %v", ferrors.ErrMalformedImage, err)
	}
	doc["crash_meta_data"] = map[string]string{"seed": seed, "panic": panicLabel}

	out, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("crashstore: marshaling fs.json: %w: %v", ferrors.ErrIO, err)
	}
	path := filepath.Join(dir, "fs.json")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("crashstore: writing %s: %w: %v", path, ferrors.ErrIO, err)
	}
	return nil
}

// CompressVMCore gzips vmcorePath into dir and removes the original. There
// is no XZ/LZMA binding among the example dependencies, so this uses
// compress/gzip, the closest stdlib equivalent to the original tool's
// zipfile-based compression.
func CompressVMCore(dir, vmcorePath string) (string, error) {
	dstPath := filepath.Join(dir, filepath.Base(vmcorePath)+".gz")
	in, err := os.Open(vmcorePath)
	if err != nil {
		return "", fmt.Errorf("crashstore: opening %s: %w: %v", vmcorePath, ferrors.ErrIO, err)
	}
	defer in.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("crashstore: creating %s: %w: %v", dstPath, ferrors.ErrIO, err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	if _, err := io.Copy(gw, in); err != nil {
		gw.Close()
		return "", fmt.Errorf("crashstore: compressing %s: %w: %v", vmcorePath, ferrors.ErrIO, err)
	}
	if err := gw.Close(); err != nil {
		return "", fmt.Errorf("crashstore: finalizing %s: %w: %v", dstPath, ferrors.ErrIO, err)
	}
	if err := os.Remove(vmcorePath); err != nil {
		return "", fmt.Errorf("crashstore: removing %s: %w: %v", vmcorePath, ferrors.ErrIO, err)
	}
	return dstPath, nil
}

// WriteReproResult writes the empty marker file reprod.{0,1,2} recording
// the reproducer's verdict for this crash directory.
func WriteReproResult(dir string, code int) error {
	path := filepath.Join(dir, fmt.Sprintf("reprod.%d", code))
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("crashstore: writing %s: %w: %v", path, ferrors.ErrIO, err)
	}
	return nil
}
