package generator

import (
	"context"
	"os/exec"
	"testing"

	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

func fakeExecCommandContext(shellScript string) func(ctx context.Context, name string, arg ...string) *exec.Cmd {
	return func(ctx context.Context, name string, arg ...string) *exec.Cmd {
		cs := []string{"-c", shellScript}
		return exec.CommandContext(ctx, "sh", cs...)
	}
}

func TestGenerateParsesImagePath(t *testing.T) {
	orig := ExecCommandContext
	defer func() { ExecCommandContext = orig }()
	ExecCommandContext = fakeExecCommandContext(`echo '{"image_path":"/tmp/fuzz0.img","files":3}'`)

	res, err := Generate(context.Background(), "fake-generator", Request{Kind: layout.EXT4, SizeMB: 15, FileCount: 10, MaxFileSizeK: 1024, Name: "fuzz0", OutputDir: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	if res.ImagePath != "/tmp/fuzz0.img" {
		t.Errorf("ImagePath = %q", res.ImagePath)
	}
	if len(res.RawLayoutLog) == 0 {
		t.Error("expected RawLayoutLog to be populated")
	}
}

func TestGenerateFailsOnMissingImagePath(t *testing.T) {
	orig := ExecCommandContext
	defer func() { ExecCommandContext = orig }()
	ExecCommandContext = fakeExecCommandContext(`echo '{"files":3}'`)

	if _, err := Generate(context.Background(), "fake-generator", Request{Kind: layout.UFS1}); err == nil {
		t.Fatal("expected error when image_path is absent")
	}
}

func TestGenerateFailsOnNonZeroExit(t *testing.T) {
	orig := ExecCommandContext
	defer func() { ExecCommandContext = orig }()
	ExecCommandContext = fakeExecCommandContext(`exit 1`)

	if _, err := Generate(context.Background(), "fake-generator", Request{Kind: layout.ZFS}); err == nil {
		t.Fatal("expected error on non-zero exit")
	}
}
