package ziparchive

import (
	"archive/zip"
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func buildArchive(t *testing.T, comment string, members map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)

	for _, name := range []string{"a.txt", "dir/b.bin", "../evil.txt", "/abs.txt"} {
		content, ok := members[name]
		if !ok {
			continue
		}

		w, err := writer.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatalf("create ZIP entry: %v", err)
		}
		if _, err = w.Write([]byte(content)); err != nil {
			t.Fatalf("write ZIP entry: %v", err)
		}
	}

	if len(comment) > 0 {
		if err := writer.SetComment(comment); err != nil {
			t.Fatalf("set comment: %v", err)
		}
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("close ZIP writer: %v", err)
	}

	return buf.Bytes()
}

func embed(archive []byte, offset, trailing int) []byte {
	blob := make([]byte, offset+len(archive)+trailing)
	rand.New(rand.NewSource(3)).Read(blob)
	copy(blob[offset:], archive)
	return blob
}

func TestExtract_DelimitsArchive(t *testing.T) {
	archive := buildArchive(t, "trailing comment", map[string]string{"a.txt": "alpha", "dir/b.bin": "bravo"})
	blob := embed(archive, 200, 500)

	result := Extract(blob, 200, nil)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}
	if result.Size == nil || *result.Size != len(archive) {
		t.Fatalf("expected size %d, got %v", len(archive), result.Size)
	}
}

func TestExtract_Members(t *testing.T) {
	archive := buildArchive(t, "", map[string]string{
		"a.txt":       "alpha",
		"dir/b.bin":   "bravo",
		"../evil.txt": "escape",
		"/abs.txt":    "absolute",
	})
	blob := embed(archive, 64, 64)

	base := t.TempDir()
	out := filepath.Join(base, "out")

	result := Extract(blob, 64, &out)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err)
	}

	for name, want := range map[string]string{"a.txt": "alpha", filepath.Join("dir", "b.bin"): "bravo"} {
		got, err := os.ReadFile(filepath.Join(out, ContentsDirectory, name))
		if err != nil {
			t.Errorf("%s: missing member: %v", name, err)
			continue
		}
		if string(got) != want {
			t.Errorf("%s: expected %q, got %q", name, want, got)
		}
	}

	for _, name := range []string{filepath.Join(base, "evil.txt"), filepath.Join(out, "evil.txt"), filepath.Join(out, ContentsDirectory, "abs.txt")} {
		if _, err := os.Stat(name); !os.IsNotExist(err) {
			t.Errorf("traversal member written to %s", name)
		}
	}

	if _, err := os.Stat(filepath.Join(out, "archive.zip")); !os.IsNotExist(err) {
		t.Error("archive itself must not be carved")
	}
}

func TestExtract_Rejects(t *testing.T) {
	archive := buildArchive(t, "", map[string]string{"a.txt": "alpha"})

	tests := []struct {
		name string
		blob []byte
		want error
	}{
		{name: "no end record", blob: archive[:len(archive)-EndOfDirectorySize], want: ErrNoEndRecord},
		{name: "no local header", blob: append([]byte("XX"), archive...), want: ErrMagicMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Extract(tt.blob, 0, nil)
			if result.Success || !errors.Is(result.Err, tt.want) {
				t.Errorf("expected %v, got %+v", tt.want, result)
			}
		})
	}
}

func TestDelimit_SkipsInconsistentRecords(t *testing.T) {
	archive := buildArchive(t, "", map[string]string{"a.txt": "alpha"})

	// A stray end record signature in the member
	// data must not terminate the archive early.
	stray := buildArchive(t, "", map[string]string{"a.txt": "PK\x05\x06" + string(make([]byte, 18))})

	for _, data := range [][]byte{archive, stray} {
		size, _, err := Delimit(data)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if size != len(data) {
			t.Errorf("expected size %d, got %d", len(data), size)
		}
	}
}
