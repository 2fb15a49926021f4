package chroot

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal is returned when a name
	// supplied to a Chroot can not be reduced
	// to a path that stays within the root.
	ErrPathTraversal = errors.New("path escapes chroot")
)

// SanitizePath reduces the supplied name to
// a relative path that is safe to join onto
// a chroot root.
//
// Names are treated as attacker controlled,
// both forward and back slashes are considered
// separators, volume names and leading slashes
// are dropped, and any '.' or '..' component
// is discarded rather than resolved. NUL bytes
// are removed.
//
// If nothing remains after sanitization then
// ErrPathTraversal is returned.
func SanitizePath(name string) (string, error) {
	cleaned := strings.ReplaceAll(name, "\x00", "")
	cleaned = strings.ReplaceAll(cleaned, `\`, "/")

	if vol := filepath.VolumeName(cleaned); len(vol) > 0 {
		cleaned = cleaned[len(vol):]
	}

	// A drive letter prefix can still appear
	// on platforms where filepath.VolumeName
	// doesn't recognise one, e.g. "C:/x" on linux
	if len(cleaned) >= 2 && cleaned[1] == ':' && isASCIILetter(cleaned[0]) {
		cleaned = cleaned[2:]
	}

	parts := strings.Split(cleaned, "/")
	safe := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case "", ".", "..":
			continue
		}

		safe = append(safe, part)
	}

	if len(safe) == 0 {
		return "", fmt.Errorf("%q: %w", name, ErrPathTraversal)
	}

	return filepath.Join(safe...), nil
}

// within reports if target is lexically
// contained by root, a target equal to
// root is considered contained.
func within(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func isASCIILetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
