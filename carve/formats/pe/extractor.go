// Package pe carves Portable Executable images
// out of a blob.
package pe

import (
	"bytes"
	"fmt"
	"strings"

	binject "github.com/Binject/debug/pe"
	"github.com/KatelynHaworth/blob-carver/carve/chroot"
	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
)

const (
	Format = "pe"

	ExecutableName = "executable.exe"
	LibraryName    = "library.dll"
)

// Extractor returns the descriptor for the
// internal PE carver.
//
// Carved images are never re-scanned, an image
// always matches its own signature at offset
// zero.
func Extractor() extractors.Extractor {
	return extractors.Extractor{
		Name:         "pe",
		Format:       Format,
		Description:  "carves Windows PE executables and libraries",
		Utility:      extractors.Internal{Func: Extract},
		DoNotRecurse: true,
		Extension:    "exe",
		Priority:     10,
	}
}

// Signature returns the signature that
// identifies candidate PE images.
func Signature() signature.Signature {
	return signature.Signature{
		Format:      Format,
		Magic:       DOSSignature[:],
		Description: "MS-DOS executable header",
	}
}

// Extract validates the PE image at offset and, when
// an output directory is supplied, carves it.
func Extract(blob []byte, offset int, outputDirectory *string) extractors.Result {
	var result extractors.Result

	structure, err := Parse(blob[offset:])
	if err != nil {
		result.Err = fmt.Errorf("parse PE image: %w", err)
		return result
	}

	result.Success = true
	result.Size = extractors.SizeOf(structure.Size)
	result.Description = describe(blob[offset:offset+structure.Size], structure)

	if outputDirectory != nil {
		root := chroot.New(outputDirectory)

		name := ExecutableName
		if structure.IsDLL() {
			name = LibraryName
		}

		if _, err = root.Carve(name, blob, offset, structure.Size); err != nil {
			result.Success = false
			result.Err = fmt.Errorf("carve PE image: %w", err)
			return result
		}

		result.OutputDirectory = root.Root()
	}

	return result
}

// describe produces a summary of the image,
// section names are only reported when the
// image also satisfies the full PE reader.
func describe(image []byte, structure *Structure) (description string) {
	kind := "executable"
	if structure.IsDLL() {
		kind = "DLL"
	}

	description = fmt.Sprintf("PE %s, machine 0x%x, %d sections, %d bytes", kind, structure.Header.Machine, len(structure.Sections), structure.Size)

	defer func() {
		// The full reader is only used for the description.
		_ = recover()
	}()

	file, err := binject.NewFile(bytes.NewReader(image))
	if err != nil {
		return description
	}

	variant := "PE"
	switch file.OptionalHeader.(type) {
	case *binject.OptionalHeader64:
		variant = "PE32+"
	case *binject.OptionalHeader32:
		variant = "PE32"
	}

	names := make([]string, 0, len(file.Sections))
	for _, section := range file.Sections {
		names = append(names, section.Name)
	}

	if file.Characteristics&CharacteristicDLL != 0 {
		kind = "DLL"
	}

	return fmt.Sprintf("%s %s, machine 0x%x, sections [%s], %d bytes", variant, kind, file.Machine, strings.Join(names, " "), structure.Size)
}
