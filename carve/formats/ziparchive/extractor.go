// Package ziparchive delimits ZIP archives
// within a blob and extracts their members.
package ziparchive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/KatelynHaworth/blob-carver/carve/chroot"
	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
)

const (
	Format = "zip"

	// ContentsDirectory is the directory below the
	// output directory that receives the members.
	ContentsDirectory = "contents"

	// maxSymlinkTarget bounds the size of a
	// member holding a symlink target.
	maxSymlinkTarget = 4096
)

func Extractor() extractors.Extractor {
	return extractors.Extractor{
		Name:        "zip",
		Format:      Format,
		Description: "extracts ZIP archive members",
		Utility:     extractors.Internal{Func: Extract},
		Extension:   "zip",
		Priority:    10,
	}
}

func Signature() signature.Signature {
	return signature.Signature{
		Format:      Format,
		Magic:       LocalFileSignature[:],
		Description: "ZIP local file header",
	}
}

// Extract delimits the ZIP archive at offset by its end
// of central directory record and, when an output
// directory is supplied, extracts its members.
//
// Members whose names do not resolve to a location
// within the output directory are skipped.
func Extract(blob []byte, offset int, outputDirectory *string) extractors.Result {
	var result extractors.Result

	size, eocd, err := Delimit(blob[offset:])
	if err != nil {
		result.Err = fmt.Errorf("delimit ZIP archive: %w", err)
		return result
	}

	// Insecure member names are filtered per member.
	reader, err := zip.NewReader(bytes.NewReader(blob[offset:offset+size]), int64(size))
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		result.Err = fmt.Errorf("read ZIP central directory: %w", err)
		return result
	}

	result.Success = true
	result.Size = extractors.SizeOf(size)
	result.Description = fmt.Sprintf("ZIP archive, %d entries, %d bytes", eocd.TotalEntries, size)

	if outputDirectory == nil {
		return result
	}

	root := chroot.New(outputDirectory)

	var extracted, skipped int
	for _, file := range reader.File {
		if err = extractMember(root, file); err != nil {
			skipped++
			continue
		}

		extracted++
	}

	result.Description = fmt.Sprintf("ZIP archive, %d entries, %d extracted, %d skipped", len(reader.File), extracted, skipped)

	if extracted == 0 && skipped > 0 {
		result.Success = false
		result.Err = fmt.Errorf("no members could be extracted, %d skipped", skipped)
		return result
	}

	result.OutputDirectory = root.Root()
	return result
}

func extractMember(root *chroot.Chroot, file *zip.File) error {
	if !filepath.IsLocal(filepath.FromSlash(strings.ReplaceAll(file.Name, `\`, "/"))) {
		return fmt.Errorf("%q: %w", file.Name, chroot.ErrPathTraversal)
	}

	name := ContentsDirectory + "/" + file.Name

	mode := file.Mode()
	switch {
	case mode.IsDir():
		if !root.CreateDirectory(name) {
			return fmt.Errorf("create directory %q", file.Name)
		}

		return nil

	case mode&fs.ModeSymlink != 0:
		target, err := readMember(file, maxSymlinkTarget)
		if err != nil {
			return err
		} else if !root.CreateSymlink(name, string(target)) {
			return fmt.Errorf("create symlink %q", file.Name)
		}

		return nil

	case !mode.IsRegular():
		return fmt.Errorf("unsupported member type %s", mode.Type())
	}

	src, err := file.Open()
	if err != nil {
		return fmt.Errorf("open member %q: %w", file.Name, err)
	}
	defer src.Close()

	_, err = root.CreateFileFrom(name, func(dst io.Writer) error {
		_, err := io.Copy(dst, src)
		return err
	})

	if err == nil && mode.Perm()&0111 != 0 {
		root.MakeExecutable(name)
	}

	return err
}

func readMember(file *zip.File, limit int64) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("open member %q: %w", file.Name, err)
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	switch {
	case err != nil:
		return nil, fmt.Errorf("read member %q: %w", file.Name, err)

	case int64(len(data)) > limit:
		return nil, fmt.Errorf("member %q exceeds %d bytes", file.Name, limit)

	default:
		return data, nil
	}
}
