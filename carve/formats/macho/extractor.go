// Package macho carves thin Mach-O images out
// of a blob.
package macho

import (
	"debug/macho"
	"fmt"

	"github.com/KatelynHaworth/blob-carver/carve/chroot"
	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
)

const (
	Format = "macho"

	ExecutableName = "executable"
	LibraryName    = "library.dylib"
	ImageName      = "image.macho"
)

func Extractor() extractors.Extractor {
	return extractors.Extractor{
		Name:         "macho",
		Format:       Format,
		Description:  "carves thin Mach-O executables and libraries",
		Utility:      extractors.Internal{Func: Extract},
		DoNotRecurse: true,
		Extension:    "macho",
		Priority:     10,
	}
}

// Signatures returns the signatures of 32 and 64
// bit images in either byte order.
func Signatures() []signature.Signature {
	return []signature.Signature{
		{Format: Format, Magic: []byte{0xce, 0xfa, 0xed, 0xfe}, Description: "Mach-O 32-bit, little endian"},
		{Format: Format, Magic: []byte{0xcf, 0xfa, 0xed, 0xfe}, Description: "Mach-O 64-bit, little endian"},
		{Format: Format, Magic: []byte{0xfe, 0xed, 0xfa, 0xce}, Description: "Mach-O 32-bit, big endian"},
		{Format: Format, Magic: []byte{0xfe, 0xed, 0xfa, 0xcf}, Description: "Mach-O 64-bit, big endian"},
	}
}

func Extract(blob []byte, offset int, outputDirectory *string) extractors.Result {
	image, err := Parse(blob[offset:])
	if err != nil {
		return extractors.Result{Err: fmt.Errorf("parse Mach-O image: %w", err)}
	}

	result := extractors.Result{
		Success:     true,
		Size:        extractors.SizeOf(image.Size),
		Description: image.describe(),
	}

	if outputDirectory != nil {
		root := chroot.New(outputDirectory)

		if _, err = root.Carve(image.fileName(), blob, offset, image.Size); err != nil {
			return extractors.Result{Err: fmt.Errorf("carve Mach-O image: %w", err)}
		}

		if image.File.Type == macho.TypeExec {
			root.MakeExecutable(image.fileName())
		}

		result.OutputDirectory = root.Root()
	}

	return result
}

func (image *Image) fileName() string {
	switch image.File.Type {
	case macho.TypeExec:
		return ExecutableName

	case macho.TypeDylib:
		return LibraryName

	default:
		return ImageName
	}
}

func (image *Image) describe() string {
	bits := 32
	if image.File.Magic == macho.Magic64 {
		bits = 64
	}

	description := fmt.Sprintf("Mach-O %d-bit %s %s, %d load commands, %d bytes", bits, image.File.Cpu, image.File.Type, image.File.Ncmd, image.Size)

	switch {
	case image.Signature != nil:
		description += fmt.Sprintf(", signed (%d blobs)", image.Signature.Count)

	case image.CodeSignature != nil:
		description += ", " + image.CodeSignature.String()
	}

	return description
}
