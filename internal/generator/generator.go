// Package generator invokes the external image-generator subprocess and
// parses its stdout as a JSON layout log. The core never interprets this
// JSON beyond passthrough and crash-metadata attachment — it is the
// generator's private format, named and shaped however that tool likes.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// ExecCommandContext is overridden in tests.
var ExecCommandContext = exec.CommandContext

// Request is the documented generator argument convention:
// (kind, size_MB, file_count, max_file_size_KB, name, output_dir).
type Request struct {
	Kind         layout.Kind
	SizeMB       int
	FileCount    int
	MaxFileSizeK int
	Name         string
	OutputDir    string
}

// Result is the generator's stdout, parsed just enough to find the image
// path it wrote; RawLayoutLog is kept verbatim for crashstore.WriteLayoutLog.
type Result struct {
	ImagePath    string
	RawLayoutLog []byte
}

type layoutLogShape struct {
	ImagePath string `json:"image_path"`
}

// Generate invokes binPath with req's arguments and parses its stdout.
func Generate(ctx context.Context, binPath string, req Request) (Result, error) {
	args := []string{
		req.Kind.String(),
		fmt.Sprint(req.SizeMB),
		fmt.Sprint(req.FileCount),
		fmt.Sprint(req.MaxFileSizeK),
		req.Name,
		req.OutputDir,
	}
	cmd := ExecCommandContext(ctx, binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Result{}, fmt.Errorf("generator: running %s: %w: %v (%s)", binPath, ferrors.ErrIO, err, stderr.String())
	}

	raw := stdout.Bytes()
	var shape layoutLogShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Result{}, fmt.Errorf("generator: parsing layout log: %w: %v", ferrors.ErrMalformedImage, err)
	}
	if shape.ImagePath == "" {
		return Result{}, fmt.Errorf("generator: %w: layout log missing image_path", ferrors.ErrMalformedImage)
	}
	return Result{ImagePath: shape.ImagePath, RawLayoutLog: raw}, nil
}
