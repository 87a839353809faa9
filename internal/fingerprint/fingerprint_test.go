package fingerprint

import "testing"

func TestPanicLabel(t *testing.T) {
	cases := []struct {
		core string
		want string
	}{
		{"panic: page fault (bp 0x123)", "page_fault"},
		{"panic: integer divide fault\ntrap number", "integer_divide_fault"},
		{"prefix noise panic: ffs_vget: fip 4\nmore", "ffs_vget"},
	}
	for _, c := range cases {
		got, ok := PanicLabel(c.core)
		if !ok {
			t.Fatalf("PanicLabel(%q): not found", c.core)
		}
		if got != c.want {
			t.Errorf("PanicLabel(%q) = %q, want %q", c.core, got, c.want)
		}
	}
}

func TestPanicLabelMissing(t *testing.T) {
	if _, ok := PanicLabel("no panic here"); ok {
		t.Fatal("expected not found")
	}
}

func TestSanitizedStackTraceStripsFramesAndTraps(t *testing.T) {
	core := "KDB: stack backtrace:\n" +
		"#0 0x0000000000 at ffs_vget+0x123/frame 0xfffff\n" +
		"--- trap 0x1, rip\n" +
		"#1 somefunc/frame 0xfffff\n" +
		"--- syscall (1, FreeBSD ELF64, sys_read)\n" +
		"Uptime: 1m2s\n"

	trace, ok := SanitizedStackTrace(core)
	if !ok {
		t.Fatal("expected backtrace banner found")
	}
	want := "ffs_vget+0x123/frame 0xfffff\n#1 somefunc\n"
	if trace != want {
		t.Errorf("trace = %q, want %q", trace, want)
	}
}

func TestStackHashDeterministic(t *testing.T) {
	a := StackHash("ffs_vget+0x123\n")
	b := StackHash("ffs_vget+0x123\n")
	if a != b {
		t.Errorf("hash not deterministic: %s != %s", a, b)
	}
	c := StackHash("different\n")
	if a == c {
		t.Error("different traces hashed identically")
	}
}

func TestExtract(t *testing.T) {
	core := "panic: page fault\n" +
		"KDB: stack backtrace:\n" +
		"#0 0x0 at ffs_vget+0x10/frame 0x1\n" +
		"Uptime: 5s\n"
	fp, ok := Extract(core)
	if !ok {
		t.Fatal("expected extraction to succeed")
	}
	if fp.PanicLabel != "page_fault" {
		t.Errorf("panic label = %q", fp.PanicLabel)
	}
	if fp.StackHash != StackHash("ffs_vget+0x10/frame 0x1\n") {
		t.Errorf("stack hash mismatch")
	}
}
