// Package chroot implements the sandboxed
// carving surface used by extractors to
// materialise byte ranges of a blob as files.
//
// Every path produced by a Chroot is lexically
// contained within its root, names supplied by
// callers are treated as attacker controlled and
// are sanitized before use, and no write will
// traverse a symlink that already exists below
// the root.
package chroot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrValidationOnly is returned by write
	// operations on a Chroot that was constructed
	// without an output directory.
	ErrValidationOnly = errors.New("chroot is in validation-only mode")

	// ErrEmptyCarve is returned when a carve
	// request would produce a file with no
	// content.
	ErrEmptyCarve = errors.New("carve contains no data")
)

// Chroot confines file creation to a root
// directory.
//
// A Chroot constructed without an output
// directory is in validation-only mode,
// every write operation fails without
// touching the filesystem.
type Chroot struct {
	root    string
	enabled bool

	claimLock sync.Mutex
	claimed   map[string]struct{}
}

// New constructs a Chroot rooted at the
// supplied output directory, a nil output
// directory produces a validation-only Chroot.
//
// The root itself is created lazily by the
// first write.
func New(outputDirectory *string) *Chroot {
	if outputDirectory == nil {
		return &Chroot{}
	}

	root := filepath.Clean(*outputDirectory)
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	return &Chroot{
		root:    root,
		enabled: true,
		claimed: make(map[string]struct{}),
	}
}

// Enabled reports if this Chroot will
// write to the filesystem.
func (c *Chroot) Enabled() bool {
	return c.enabled
}

// Root returns the absolute root directory
// of this Chroot, it is empty when the Chroot
// is in validation-only mode.
func (c *Chroot) Root() string {
	return c.root
}

// Path returns the chrooted path for the
// supplied name.
func (c *Chroot) Path(name string) (string, error) {
	if !c.enabled {
		return "", ErrValidationOnly
	}

	rel, err := SanitizePath(name)
	if err != nil {
		return "", err
	}

	path := filepath.Join(c.root, rel)
	if path == c.root || !within(c.root, path) {
		return "", fmt.Errorf("%q: %w", name, ErrPathTraversal)
	}

	return path, nil
}

// Carve writes blob[offset:offset+length] to
// a file with the supplied name below the root
// and returns the path of the published file.
//
// The length is clipped to the data available
// in the blob. A carve that starts outside of
// the blob or contains no data fails with
// ErrEmptyCarve.
//
// Data is first written to a partial file and
// renamed into place once complete, so a failed
// carve never leaves a file under its final name.
// If the name has already been published by this
// Chroot the file is published with the carve
// offset appended to its name instead.
func (c *Chroot) Carve(name string, blob []byte, offset, length int) (string, error) {
	switch {
	case !c.enabled:
		return "", ErrValidationOnly

	case offset < 0 || offset >= len(blob):
		return "", fmt.Errorf("offset %d outside of %d byte blob: %w", offset, len(blob), ErrEmptyCarve)

	case length <= 0:
		return "", fmt.Errorf("length %d: %w", length, ErrEmptyCarve)
	}

	end := offset + min(length, len(blob)-offset)
	data := blob[offset:end]

	return c.publish(name, offset, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// CarveFile is the boolean form of Carve and
// reports if the carve succeeded.
func (c *Chroot) CarveFile(name string, blob []byte, offset, length int) bool {
	_, err := c.Carve(name, blob, offset, length)
	return err == nil
}

// CreateFile writes data to a new file with
// the supplied name below the root.
func (c *Chroot) CreateFile(name string, data []byte) bool {
	_, err := c.CreateFileFrom(name, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})

	return err == nil
}

// CreateFileFrom publishes a new file whose
// content is produced by the supplied writer
// function, returning the published path.
func (c *Chroot) CreateFileFrom(name string, write func(w io.Writer) error) (string, error) {
	if !c.enabled {
		return "", ErrValidationOnly
	}

	return c.publish(name, -1, write)
}

// AppendToFile appends data to the named file,
// creating it if required.
func (c *Chroot) AppendToFile(name string, data []byte) bool {
	path, err := c.Path(name)
	if err != nil {
		return false
	} else if err = c.ensureDirectory(filepath.Dir(path)); err != nil {
		return false
	}

	if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return false
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false
	}
	defer file.Close()

	_, err = file.Write(data)
	return err == nil
}

// CreateDirectory creates the named directory,
// and any missing parents, below the root.
func (c *Chroot) CreateDirectory(name string) bool {
	path, err := c.Path(name)
	if err != nil {
		return false
	}

	return c.ensureDirectory(path) == nil
}

// CreateSymlink creates a symlink with the
// supplied name pointing at target.
//
// Absolute targets are re-rooted onto the
// chroot root, relative targets are resolved
// from the directory containing the link. The
// link is refused if the resolved target lies
// outside of the root, and is always written
// as a relative link.
func (c *Chroot) CreateSymlink(name, target string) bool {
	link, err := c.Path(name)
	if err != nil {
		return false
	} else if err = c.ensureDirectory(filepath.Dir(link)); err != nil {
		return false
	}

	target = strings.ReplaceAll(target, `\`, "/")

	var resolved string
	if strings.HasPrefix(target, "/") || filepath.IsAbs(target) {
		rel, err := SanitizePath(target)
		if err != nil {
			return false
		}

		resolved = filepath.Join(c.root, rel)
	} else {
		resolved = filepath.Join(filepath.Dir(link), filepath.FromSlash(target))
	}

	if !within(c.root, resolved) {
		return false
	}

	relTarget, err := filepath.Rel(filepath.Dir(link), resolved)
	if err != nil {
		return false
	}

	if _, err = os.Lstat(link); err == nil {
		return false
	}

	return os.Symlink(relTarget, link) == nil
}

// MakeExecutable sets the executable bits on
// the named file.
func (c *Chroot) MakeExecutable(name string) bool {
	path, err := c.Path(name)
	if err != nil {
		return false
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	return os.Chmod(path, info.Mode().Perm()|0111) == nil
}

// RemoveFile removes the named file from
// below the root.
func (c *Chroot) RemoveFile(name string) bool {
	path, err := c.Path(name)
	if err != nil {
		return false
	}

	if err = os.Remove(path); err != nil {
		return false
	}

	c.release(path)
	return true
}

// Clear removes everything below the root
// and recreates the root as an empty directory.
func (c *Chroot) Clear() bool {
	if !c.enabled {
		return false
	}

	if err := os.RemoveAll(c.root); err != nil {
		return false
	}

	c.claimLock.Lock()
	c.claimed = make(map[string]struct{})
	c.claimLock.Unlock()

	return os.MkdirAll(c.root, 0755) == nil
}

// publish writes the output of write to a
// partial file next to the destination and
// renames it into place on success.
func (c *Chroot) publish(name string, offset int, write func(w io.Writer) error) (string, error) {
	dst, err := c.Path(name)
	if err != nil {
		return "", err
	}

	if err = c.ensureDirectory(filepath.Dir(dst)); err != nil {
		return "", fmt.Errorf("prepare destination directory: %w", err)
	}

	final := c.claim(dst, offset)
	partial := filepath.Join(filepath.Dir(final), fmt.Sprintf(".%s.%s.partial", filepath.Base(final), uuid.NewString()))

	file, err := os.OpenFile(partial, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		c.release(final)
		return "", fmt.Errorf("create partial file: %w", err)
	}

	if err = write(file); err != nil {
		_ = file.Close()
		_ = os.Remove(partial)
		c.release(final)
		return "", fmt.Errorf("write partial file: %w", err)
	}

	if err = file.Close(); err != nil {
		_ = os.Remove(partial)
		c.release(final)
		return "", fmt.Errorf("close partial file: %w", err)
	}

	if err = os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		c.release(final)
		return "", fmt.Errorf("publish carved file: %w", err)
	}

	return final, nil
}

// ensureDirectory creates dir, which must be
// the root or lie below it, walking from the
// root one component at a time so an existing
// symlink is never followed.
func (c *Chroot) ensureDirectory(dir string) error {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return fmt.Errorf("create chroot root: %w", err)
	} else if !within(c.root, dir) {
		return fmt.Errorf("%q: %w", dir, ErrPathTraversal)
	}

	rel, err := filepath.Rel(c.root, dir)
	if err != nil {
		return fmt.Errorf("relate directory to root: %w", err)
	} else if rel == "." {
		return nil
	}

	current := c.root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if errors.Is(err, fs.ErrNotExist) {
			if err = os.Mkdir(current, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("create directory %q: %w", part, err)
			}

			info, err = os.Lstat(current)
		}

		switch {
		case err != nil:
			return fmt.Errorf("stat directory %q: %w", part, err)

		case info.Mode()&fs.ModeSymlink != 0:
			return fmt.Errorf("%q is a symlink: %w", part, ErrPathTraversal)

		case !info.IsDir():
			return fmt.Errorf("%q is not a directory", part)
		}
	}

	return nil
}

// claim reserves a destination path for this
// Chroot, if dst has already been published a
// name derived from the carve offset is used.
func (c *Chroot) claim(dst string, offset int) string {
	c.claimLock.Lock()
	defer c.claimLock.Unlock()

	candidate := dst
	for n := 0; ; n++ {
		if _, taken := c.claimed[candidate]; !taken {
			c.claimed[candidate] = struct{}{}
			return candidate
		}

		candidate = collisionName(dst, offset, n)
	}
}

func (c *Chroot) release(path string) {
	c.claimLock.Lock()
	delete(c.claimed, path)
	c.claimLock.Unlock()
}

// collisionName derives the n-th alternative
// name for dst, names carry the carve offset
// in upper case hex when one is known.
func collisionName(dst string, offset, n int) string {
	ext := filepath.Ext(dst)
	stem := strings.TrimSuffix(dst, ext)

	switch {
	case offset >= 0 && n == 0:
		return fmt.Sprintf("%s_0x%X%s", stem, offset, ext)

	case offset >= 0:
		return fmt.Sprintf("%s_0x%X_%d%s", stem, offset, n, ext)

	default:
		return fmt.Sprintf("%s_%d%s", stem, n+1, ext)
	}
}
