package chroot

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "executable.exe", want: "executable.exe"},
		{in: "dir/file", want: filepath.Join("dir", "file")},
		{in: "../../etc/passwd", want: filepath.Join("etc", "passwd")},
		{in: "/abs/path", want: filepath.Join("abs", "path")},
		{in: `..\..\win\file`, want: filepath.Join("win", "file")},
		{in: `C:\Windows\x.dll`, want: filepath.Join("Windows", "x.dll")},
		{in: "a/./b//c", want: filepath.Join("a", "b", "c")},
		{in: "nul\x00name", want: "nulname"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizePath(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestSanitizePath_Rejects(t *testing.T) {
	for _, in := range []string{"", ".", "..", "/", "../..", `\`, "./../.", "\x00"} {
		if _, err := SanitizePath(in); !errors.Is(err, ErrPathTraversal) {
			t.Errorf("%q: expected ErrPathTraversal, got %v", in, err)
		}
	}
}

func FuzzSanitizePath(f *testing.F) {
	for _, seed := range []string{"../../etc/passwd", "/", "a/b", `..\x`, "C:/x", "....//....//", "\x00.."} {
		f.Add(seed)
	}

	root := filepath.Join(string(filepath.Separator), "srv", "root")

	f.Fuzz(func(t *testing.T, name string) {
		rel, err := SanitizePath(name)
		if err != nil {
			return
		}

		if filepath.IsAbs(rel) {
			t.Fatalf("%q: sanitized to absolute path %q", name, rel)
		}

		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if part == ".." || part == "" {
				t.Fatalf("%q: sanitized path %q contains %q", name, rel, part)
			}
		}

		if joined := filepath.Join(root, rel); !within(root, joined) || joined == root {
			t.Fatalf("%q: joined path %q escapes root", name, joined)
		}
	})
}
