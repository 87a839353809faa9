// Package workload synthesizes the shell commands the fuzz controller runs
// against a freshly mounted filesystem, and classifies their outcomes.
// Commands are built from a small part ADT so the two "{}" placeholders a
// template may contain — one file, one directory — are resolved
// structurally instead of by string substitution order.
package workload

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/0xricksanchez/fisy-fuzz/internal/ferrors"
)

// Part is one piece of a Command: either literal text or a placeholder to
// be resolved against the guest's current file/directory listing.
type Part interface{ isPart() }

// Literal is verbatim command text.
type Literal string

func (Literal) isPart() {}

// FileHole resolves to a random file path from the mounted filesystem.
type FileHole struct{}

func (FileHole) isPart() {}

// DirHole resolves to a random directory path from the mounted filesystem,
// distinct from any FileHole resolved in the same command.
type DirHole struct{}

func (DirHole) isPart() {}

// Command is an ordered sequence of parts forming one shell command line.
type Command struct {
	Parts []Part
	// ReadOnly marks a probe command (dd, find, readlink, ...) whose
	// output is checked against sentinel substrings rather than treated
	// as a bare success/failure signal.
	ReadOnly bool
}

// Listing is the guest's current filesystem inventory: directories in Dirs,
// and every other entry (regular files, links, ...) in Files.
type Listing struct {
	Dirs  []string
	Files []string
}

// maxHoleAttempts bounds the retry loop used to find two distinct entries,
// replacing an unbounded-recursion approach with a fixed ceiling: past this
// many draws from a degenerate (empty or single-element) list, resolution
// fails outright rather than looping forever.
const maxHoleAttempts = 64

// pickOne draws a uniformly random element from list.
func pickOne(list []string) (string, error) {
	if len(list) == 0 {
		return "", fmt.Errorf("workload: empty listing: %w", ferrors.ErrIO)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(list))))
	if err != nil {
		return "", fmt.Errorf("workload: %w: %v", ferrors.ErrIO, err)
	}
	return list[n.Int64()], nil
}

// twoDistinct draws two entries from listOne and listTwo such that they are
// not the same path (the case that matters when both holes in a command
// draw from the same listing). It retries up to maxHoleAttempts times
// before giving up, rather than recursing without a base case.
func twoDistinct(listOne, listTwo []string) (string, string, error) {
	first, err := pickOne(listOne)
	if err != nil {
		return "", "", err
	}
	for i := 0; i < maxHoleAttempts; i++ {
		second, err := pickOne(listTwo)
		if err != nil {
			return "", "", err
		}
		if second != first {
			return first, second, nil
		}
	}
	return "", "", fmt.Errorf("workload: could not find two distinct entries after %d attempts", maxHoleAttempts)
}

// Render resolves every hole in cmd against listing and joins the parts
// into a single shell command string. A command with two holes resolves
// them to distinct paths (one file, one directory); a command with one
// hole resolves it independently.
func Render(cmd Command, listing Listing) (string, error) {
	fileHoles, dirHoles := 0, 0
	for _, p := range cmd.Parts {
		switch p.(type) {
		case FileHole:
			fileHoles++
		case DirHole:
			dirHoles++
		}
	}

	var file, dir string
	var err error
	switch {
	case fileHoles > 0 && dirHoles > 0:
		file, dir, err = twoDistinct(listing.Files, listing.Dirs)
	case fileHoles > 0:
		file, err = pickOne(listing.Files)
	case dirHoles > 0:
		dir, err = pickOne(listing.Dirs)
	}
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, p := range cmd.Parts {
		switch v := p.(type) {
		case Literal:
			b.WriteString(string(v))
		case FileHole:
			b.WriteString(file)
		case DirHole:
			b.WriteString(dir)
		}
	}
	return b.String(), nil
}
