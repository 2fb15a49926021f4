// Package formats assembles the built-in
// extractors and signatures into the registry
// and matcher used by a scan.
package formats

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/formats/macho"
	"github.com/KatelynHaworth/blob-carver/carve/formats/pe"
	"github.com/KatelynHaworth/blob-carver/carve/formats/udif"
	"github.com/KatelynHaworth/blob-carver/carve/formats/xar"
	"github.com/KatelynHaworth/blob-carver/carve/formats/ziparchive"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
)

const (
	FormatGzip     = "gzip"
	FormatSquashFS = "squashfs"
	FormatSevenZip = "7z"
	FormatCPIO     = "cpio"
	FormatTar      = "tar"

	squashfsBytesUsedOffset = 40
	sevenZipStartHeaderSize = 32
)

// Extractors returns the built-in extractors in
// registration order.
func Extractors() []extractors.Extractor {
	return []extractors.Extractor{
		pe.Extractor(),
		macho.Extractor(),
		ziparchive.Extractor(),
		udif.Extractor(),
		xar.Extractor(),
		{
			Name:        "zip-7z",
			Format:      ziparchive.Format,
			Description: "extracts ZIP archives the internal reader rejects",
			Utility:     sevenZip("%o/" + ziparchive.ContentsDirectory),
			Extension:   "zip",
		},
		{
			Name:        "7z",
			Format:      FormatSevenZip,
			Description: "extracts 7-Zip archives",
			Utility:     sevenZip("%o"),
			Extension:   "7z",
		},
		{
			Name:        "gzip",
			Format:      FormatGzip,
			Description: "decompresses gzip streams",
			Utility:     sevenZip("%o"),
			Extension:   "gz",
		},
		{
			Name:        "cpio",
			Format:      FormatCPIO,
			Description: "extracts cpio (newc) archives",
			Utility:     sevenZip("%o"),
			Extension:   "cpio",
		},
		{
			Name:        "squashfs",
			Format:      FormatSquashFS,
			Description: "extracts SquashFS file systems",
			Utility: extractors.External{
				Command:       "unsquashfs",
				Arguments:     []string{"-no-xattrs", "-f", "-d", "%o/squashfs-root", extractors.PlaceholderInput},
				ExpectsOutput: true,
			},
			Extension: "squashfs",
		},
		{
			Name:        "tar",
			Format:      FormatTar,
			Description: "extracts POSIX tar archives",
			Utility: extractors.External{
				Command:       "tar",
				Arguments:     []string{"-x", "-f", extractors.PlaceholderInput, "-C", extractors.PlaceholderOutput},
				ExpectsOutput: true,
			},
			Extension: "tar",
		},
	}
}

func sevenZip(output string) extractors.External {
	return extractors.External{
		Command:       "7z",
		Arguments:     []string{"x", "-y", "-o" + output, extractors.PlaceholderInput},
		ExitCodes:     []int{0, 1},
		ExpectsOutput: true,
	}
}

// Signatures returns the built-in signature table.
func Signatures() []signature.Signature {
	sigs := append([]signature.Signature{pe.Signature()}, macho.Signatures()...)

	return append(sigs, []signature.Signature{
		ziparchive.Signature(),
		udif.Signature(),
		xar.Signature(),
		{
			Format:      FormatGzip,
			Magic:       []byte{0x1f, 0x8b, 0x08},
			Description: "gzip compressed data, deflate",
		},
		{
			Format:      FormatSquashFS,
			Magic:       []byte("hsqs"),
			Description: "SquashFS file system, little endian",
			Size:        squashfsSize,
		},
		{
			Format:      FormatSevenZip,
			Magic:       []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c},
			Description: "7-Zip archive",
			Size:        sevenZipSize,
		},
		{
			Format:      FormatCPIO,
			Magic:       []byte("070701"),
			Description: "cpio archive, new ASCII",
		},
		{
			Format:      FormatCPIO,
			Magic:       []byte("070702"),
			Description: "cpio archive, new ASCII with CRC",
		},
		{
			Format:      FormatTar,
			Magic:       []byte("ustar"),
			MagicOffset: 257,
			Description: "POSIX tar archive",
		},
	}...)
}

// squashfsSize reads bytes_used from the
// super block.
func squashfsSize(blob []byte, offset int) *int {
	if offset+squashfsBytesUsedOffset+8 > len(blob) {
		return nil
	}

	used := binary.LittleEndian.Uint64(blob[offset+squashfsBytesUsedOffset:])
	if used == 0 || used > uint64(len(blob)-offset) {
		return nil
	}

	return extractors.SizeOf(int(used))
}

// sevenZipSize derives the archive size from the
// next header location in the start header.
func sevenZipSize(blob []byte, offset int) *int {
	if offset+sevenZipStartHeaderSize > len(blob) {
		return nil
	}

	nextOffset := binary.LittleEndian.Uint64(blob[offset+12:])
	nextSize := binary.LittleEndian.Uint64(blob[offset+20:])
	available := uint64(len(blob) - offset - sevenZipStartHeaderSize)

	if nextOffset > available || nextSize > available-nextOffset || nextSize == 0 {
		return nil
	}

	return extractors.SizeOf(sevenZipStartHeaderSize + int(nextOffset+nextSize))
}

type (
	// Options controls how Build assembles the
	// registry and matcher.
	Options struct {
		// Extra specifies additional extractors,
		// an extra extractor with the name of a
		// built-in extractor replaces it.
		Extra []extractors.Extractor

		// ExtraSignatures specifies additional
		// signatures.
		ExtraSignatures []signature.Signature

		// Enabled optionally restricts the scan
		// to the listed formats.
		Enabled []string

		// LookPath locates external tools.
		LookPath func(string) (string, error)
	}

	// Assembly is the result of Build.
	Assembly struct {
		Registry *extractors.Registry
		Matcher  *signature.MagicMatcher

		// Unavailable lists built-in extractors that
		// were dropped because their tool is missing.
		Unavailable []string
	}
)

// Build assembles the registry and matcher for
// a scan.
//
// Built-in external extractors whose tool can not
// be located are dropped and reported, an extra
// external extractor whose tool is missing fails
// the build.
func Build(opts Options) (*Assembly, error) {
	if opts.LookPath == nil {
		return nil, fmt.Errorf("no tool lookup configured: %w", extractors.ErrInvalidDescriptor)
	}

	merged := Extractors()
	builtin := make(map[string]bool, len(merged))
	for _, ex := range merged {
		builtin[ex.Name] = true
	}

	seen := make(map[string]bool, len(opts.Extra))
	for _, extra := range opts.Extra {
		switch {
		case len(extra.Name) == 0 || len(extra.Format) == 0 || extra.Utility == nil:
			return nil, fmt.Errorf("extractor '%s' for format '%s': %w", extra.Name, extra.Format, extractors.ErrInvalidDescriptor)

		case seen[extra.Name]:
			return nil, fmt.Errorf("extractor '%s' defined more than once: %w", extra.Name, extractors.ErrInvalidDescriptor)
		}
		seen[extra.Name] = true

		if i := slices.IndexFunc(merged, func(ex extractors.Extractor) bool { return ex.Name == extra.Name }); i != -1 {
			merged[i] = extra
			builtin[extra.Name] = false
			continue
		}

		merged = append(merged, extra)
	}

	var (
		registry    = extractors.NewRegistry()
		extra       = extractors.NewRegistry()
		unavailable []string
	)

	for _, ex := range merged {
		if len(opts.Enabled) > 0 && !slices.Contains(opts.Enabled, ex.Format) {
			continue
		}

		if external, ok := ex.Utility.(extractors.External); ok && builtin[ex.Name] {
			if _, err := external.Locate(opts.LookPath); err != nil {
				unavailable = append(unavailable, ex.Name)
				continue
			}
		}

		registry.Register(ex)
		if !builtin[ex.Name] {
			extra.Register(ex)
		}
	}

	if err := extra.Validate(opts.LookPath); err != nil {
		return nil, fmt.Errorf("validate configured extractors: %w", err)
	}

	matcher := signature.NewMagicMatcher(append(Signatures(), opts.ExtraSignatures...)...).Filter(func(format string) bool {
		return len(registry.Lookup(format)) > 0
	})

	return &Assembly{
		Registry:    registry,
		Matcher:     matcher,
		Unavailable: unavailable,
	}, nil
}
