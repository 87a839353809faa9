package image

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
	"github.com/0xricksanchez/fisy-fuzz/internal/layout"
)

// ExecCommand wraps exec.Command for testability; tests replace it to
// stub the file(1) probe without shelling out.
var ExecCommand = exec.Command

var extVersion = regexp.MustCompile(`ext([2-4])`)

// DetectKind runs a MIME-style probe over the image at path and maps the
// description to a layout.Kind. There is no third-party libmagic binding
// available, so this shells out to the system file(1) utility, same as the
// original tool's use of libmagic under the hood.
func DetectKind(path string) (layout.Kind, error) {
	out, err := ExecCommand("file", "-b", path).Output()
	if err != nil {
		return 0, fmt.Errorf("image: probing %s: %w: %v", path, ferrors.ErrIO, err)
	}
	return classifyMIME(string(out))
}

func classifyMIME(desc string) (layout.Kind, error) {
	switch {
	case strings.Contains(desc, "Unix Fast File System") && strings.Contains(desc, "[v1]"):
		return layout.UFS1, nil
	case strings.Contains(desc, "Unix Fast File System") && strings.Contains(desc, "[v2]"):
		return layout.UFS2, nil
	case extVersion.MatchString(desc):
		switch extVersion.FindStringSubmatch(desc)[1] {
		case "2":
			return layout.EXT2, nil
		case "3":
			return layout.EXT3, nil
		default:
			return layout.EXT4, nil
		}
	case strings.Contains(desc, "data"):
		// ZFS uberblocks have no dedicated libmagic signature; a raw pool
		// image is reported as generic "data" by file(1), matching the
		// original tool's fallback classification.
		return layout.ZFS, nil
	default:
		return 0, ferrors.ErrUnknownFilesystem
	}
}
