package tools

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/KatelynHaworth/blob-carver/carve/extractors"
)

func TestList(t *testing.T) {
	lookPath := func(name string) (string, error) {
		if name == "7z" {
			return "/usr/bin/7z", nil
		}
		return "", exec.ErrNotFound
	}

	configured := []extractors.Extractor{
		{Name: "tar", Format: "tar", Utility: extractors.External{Command: "7z"}},
		{Name: "lzma", Format: "lzma", Utility: extractors.External{Command: "xz"}},
	}

	list := List(configured, lookPath)

	byName := make(map[string]Availability, len(list))
	for _, entry := range list {
		byName[entry.Extractor.Name] = entry
	}

	if entry := byName["pe"]; entry.Err != nil || len(entry.Path) != 0 {
		t.Errorf("internal extractors need no tool: %+v", entry)
	}

	if entry := byName["tar"]; entry.Err != nil || entry.Path != "/usr/bin/7z" {
		t.Errorf("configured tar should replace the built-in: %+v", entry)
	}

	if entry := byName["lzma"]; !errors.Is(entry.Err, extractors.ErrToolUnavailable) {
		t.Errorf("expected lzma to be unavailable: %+v", entry)
	}

	if entry := byName["squashfs"]; !errors.Is(entry.Err, extractors.ErrToolUnavailable) {
		t.Errorf("expected squashfs to be unavailable: %+v", entry)
	}

	if list[len(list)-1].Extractor.Name != "lzma" {
		t.Errorf("expected configured extractors to be listed last, got %s", list[len(list)-1].Extractor.Name)
	}
}
