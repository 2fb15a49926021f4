package formats

import (
	"encoding/binary"
	"errors"
	"os/exec"
	"slices"
	"testing"

	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/kr/pretty"
)

func lookPathFor(tools ...string) func(string) (string, error) {
	return func(name string) (string, error) {
		if slices.Contains(tools, name) {
			return "/usr/bin/" + name, nil
		}
		return "", exec.ErrNotFound
	}
}

func TestBuild_DropsUnavailableBuiltins(t *testing.T) {
	assembly, err := Build(Options{LookPath: lookPathFor("tar")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if diff := pretty.Diff(assembly.Unavailable, []string{"zip-7z", "7z", "gzip", "cpio", "squashfs"}); len(diff) > 0 {
		t.Errorf("unexpected unavailable extractors: %v", diff)
	}

	if diff := pretty.Diff(assembly.Registry.Formats(), []string{"macho", "pe", "tar", "udif", "xar", "zip"}); len(diff) > 0 {
		t.Errorf("unexpected formats: %v", diff)
	}

	if diff := pretty.Diff(assembly.Matcher.Formats(), []string{"pe", "macho", "zip", "udif", "xar", "tar"}); len(diff) > 0 {
		t.Errorf("unexpected matcher formats: %v", diff)
	}
}

func TestBuild_ExtraExtractors(t *testing.T) {
	replacement := extractors.Extractor{
		Name:    "tar",
		Format:  FormatTar,
		Utility: extractors.External{Command: "bsdtar", Arguments: []string{"-xf", "%e"}},
	}

	assembly, err := Build(Options{
		Extra:    []extractors.Extractor{replacement},
		Enabled:  []string{FormatTar, "pe"},
		LookPath: lookPathFor("bsdtar"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	exs := assembly.Registry.Lookup(FormatTar)
	if len(exs) != 1 || exs[0].Utility.(extractors.External).Command != "bsdtar" {
		t.Fatalf("expected replacement tar extractor, got %v", exs)
	}

	if diff := pretty.Diff(assembly.Registry.Formats(), []string{"pe", "tar"}); len(diff) > 0 {
		t.Errorf("unexpected formats: %v", diff)
	}

	_, err = Build(Options{Extra: []extractors.Extractor{replacement}, LookPath: lookPathFor()})
	if !errors.Is(err, extractors.ErrToolUnavailable) {
		t.Errorf("expected missing configured tool to fail, got %v", err)
	}

	_, err = Build(Options{Extra: []extractors.Extractor{{Name: "broken", Format: "x"}}, LookPath: lookPathFor()})
	if !errors.Is(err, extractors.ErrInvalidDescriptor) {
		t.Errorf("expected invalid descriptor to fail, got %v", err)
	}
}

func TestSizeHints(t *testing.T) {
	squashfs := make([]byte, 4096)
	copy(squashfs, "hsqs")
	binary.LittleEndian.PutUint64(squashfs[squashfsBytesUsedOffset:], 1000)

	if size := squashfsSize(squashfs, 0); size == nil || *size != 1000 {
		t.Errorf("expected squashfs size 1000, got %v", size)
	}

	binary.LittleEndian.PutUint64(squashfs[squashfsBytesUsedOffset:], 1<<40)
	if size := squashfsSize(squashfs, 0); size != nil {
		t.Errorf("expected oversized squashfs to have no hint, got %d", *size)
	}

	sevenZip := make([]byte, 512)
	copy(sevenZip, "7z\xbc\xaf\x27\x1c")
	binary.LittleEndian.PutUint64(sevenZip[12:], 100)
	binary.LittleEndian.PutUint64(sevenZip[20:], 50)

	if size := sevenZipSize(sevenZip, 0); size == nil || *size != 182 {
		t.Errorf("expected 7z size 182, got %v", size)
	}

	binary.LittleEndian.PutUint64(sevenZip[20:], ^uint64(0))
	if size := sevenZipSize(sevenZip, 0); size != nil {
		t.Errorf("expected overflowing 7z header to have no hint, got %d", *size)
	}
}
