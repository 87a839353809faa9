package workload

import (
	"strings"
	"testing"
)

func TestRenderLiteralOnly(t *testing.T) {
	cmd := Command{Parts: []Part{Literal("ls -la /tmp")}}
	got, err := Render(cmd, Listing{})
	if err != nil {
		t.Fatal(err)
	}
	if got != "ls -la /tmp" {
		t.Errorf("got %q", got)
	}
}

func TestRenderSingleFileHole(t *testing.T) {
	cmd := Command{Parts: []Part{Literal("stat "), FileHole{}}}
	got, err := Render(cmd, Listing{Files: []string{"/mnt/a"}})
	if err != nil {
		t.Fatal(err)
	}
	if got != "stat /mnt/a" {
		t.Errorf("got %q", got)
	}
}

func TestRenderTwoHolesDistinct(t *testing.T) {
	cmd := Command{Parts: []Part{Literal("ln "), FileHole{}, Literal(" "), DirHole{}, Literal("/HARDLINK")}}
	listing := Listing{Files: []string{"/mnt/shared"}, Dirs: []string{"/mnt/shared", "/mnt/otherdir"}}
	got, err := Render(cmd, listing)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "/mnt/otherdir") {
		t.Errorf("expected distinct dir entry in %q", got)
	}
}

func TestRenderFailsOnEmptyListing(t *testing.T) {
	cmd := Command{Parts: []Part{Literal("stat "), FileHole{}}}
	if _, err := Render(cmd, Listing{}); err == nil {
		t.Fatal("expected error on empty listing")
	}
}

func TestTwoDistinctGivesUpOnDegenerateLists(t *testing.T) {
	_, _, err := twoDistinct([]string{"/only"}, []string{"/only"})
	if err == nil {
		t.Fatal("expected bounded retry to fail on a single shared entry")
	}
}

func TestClassifyReadOnlySentinel(t *testing.T) {
	cmd := Command{ReadOnly: true}
	if Classify(cmd, "stat() failed: No such file", false) != OutcomeFailure {
		t.Error("expected sentinel substring to classify as failure")
	}
	if Classify(cmd, "regular file\n", false) != OutcomeSuccess {
		t.Error("expected clean output to classify as success")
	}
}

func TestClassifyMutatingCommand(t *testing.T) {
	cmd := Command{ReadOnly: false}
	if Classify(cmd, "", false) != OutcomeSuccess {
		t.Error("expected empty output to classify as success")
	}
	if Classify(cmd, "mv: cannot stat", false) != OutcomeFailure {
		t.Error("expected non-empty output to classify as failure")
	}
}

func TestClassifyCrashTakesPrecedence(t *testing.T) {
	cmd := Command{ReadOnly: true}
	if Classify(cmd, "regular file", true) != OutcomeCrash {
		t.Error("expected crashed=true to classify as crash regardless of output")
	}
}
