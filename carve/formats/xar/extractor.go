// Package xar delimits XAR archives, such as macOS
// installer packages, and extracts their members.
package xar

import (
	"bytes"
	"compress/bzip2"
	"compress/zlib"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/KatelynHaworth/blob-carver/carve/chroot"
	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
)

const (
	Format = "xar"

	ContentsDirectory = "contents"

	encodingNone  = "application/octet-stream"
	encodingGzip  = "application/x-gzip"
	encodingBzip2 = "application/x-bzip2"
)

func Extractor() extractors.Extractor {
	return extractors.Extractor{
		Name:        "xar",
		Format:      Format,
		Description: "extracts XAR archive members",
		Utility:     extractors.Internal{Func: Extract},
		Extension:   "xar",
		Priority:    10,
	}
}

func Signature() signature.Signature {
	return signature.Signature{
		Format:      Format,
		Magic:       XARSignature[:],
		Description: "XAR archive header",
		Size: func(blob []byte, offset int) *int {
			archive, err := Parse(blob[offset:])
			if err != nil {
				return nil
			}

			return extractors.SizeOf(archive.Size)
		},
	}
}

// Extract delimits the XAR archive at offset and, when
// an output directory is supplied, extracts its members.
func Extract(blob []byte, offset int, outputDirectory *string) extractors.Result {
	var result extractors.Result

	archive, err := Parse(blob[offset:])
	if err != nil {
		result.Err = fmt.Errorf("parse XAR archive: %w", err)
		return result
	}

	result.Success = true
	result.Size = extractors.SizeOf(archive.Size)
	result.Description = fmt.Sprintf("XAR archive, %d entries, %s checksum, %d bytes", archive.Entries(), archive.TOC.Toc.Checksum.Style, archive.Size)

	if outputDirectory == nil {
		return result
	}

	var (
		root              = chroot.New(outputDirectory)
		heap              = blob[offset+int(archive.HeapOffset) : offset+archive.Size]
		extracted, failed int
	)

	_ = archive.Walk(func(path string, file *File) error {
		if err := extractMember(root, heap, path, file); err != nil {
			failed++
		} else {
			extracted++
		}

		return nil
	})

	result.Description = fmt.Sprintf("XAR archive, %d entries, %d extracted, %d skipped", archive.Entries(), extracted, failed)

	if extracted == 0 && failed > 0 {
		result.Success = false
		result.Err = fmt.Errorf("no members could be extracted, %d skipped", failed)
		return result
	}

	result.OutputDirectory = root.Root()
	return result
}

func extractMember(root *chroot.Chroot, heap []byte, path string, file *File) error {
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return fmt.Errorf("%q: %w", path, chroot.ErrPathTraversal)
	}

	name := ContentsDirectory + "/" + path

	switch file.Type {
	case "directory":
		if !root.CreateDirectory(name) {
			return fmt.Errorf("create directory %q", path)
		}

		return nil

	case "symlink":
		if !root.CreateSymlink(name, file.Link) {
			return fmt.Errorf("create symlink %q", path)
		}

		return nil

	case "file", "":
	default:
		return fmt.Errorf("unsupported member type %q", file.Type)
	}

	if file.Data == nil {
		if !root.CreateFile(name, nil) {
			return fmt.Errorf("create empty file %q", path)
		}

		return nil
	}

	end := file.Data.Offset + file.Data.Length
	if end > uint64(len(heap)) {
		return fmt.Errorf("member %q data: %w", path, ErrTruncated)
	}

	src, err := decoder(file.Data.Encoding.Style, heap[file.Data.Offset:end])
	if err != nil {
		return fmt.Errorf("member %q: %w", path, err)
	}

	_, err = root.CreateFileFrom(name, func(dst io.Writer) error {
		n, err := io.Copy(dst, io.LimitReader(src, int64(file.Data.Size)+1))
		switch {
		case err != nil:
			return err

		case uint64(n) != file.Data.Size:
			return fmt.Errorf("extracted %d bytes, expected %d", n, file.Data.Size)

		default:
			return nil
		}
	})

	if err == nil {
		if mode, perr := strconv.ParseUint(file.Mode, 8, 32); perr == nil && mode&0111 != 0 {
			root.MakeExecutable(name)
		}
	}

	return err
}

func decoder(style string, data []byte) (io.Reader, error) {
	switch style {
	case encodingNone, "":
		return bytes.NewReader(data), nil

	case encodingGzip:
		return zlib.NewReader(bytes.NewReader(data))

	case encodingBzip2:
		return bzip2.NewReader(bytes.NewReader(data)), nil

	default:
		return nil, fmt.Errorf("unsupported encoding %q", style)
	}
}
