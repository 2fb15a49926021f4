// Package udif carves Apple UDIF disk images out
// of a blob, locating them by their koly trailer.
package udif

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/KatelynHaworth/blob-carver/carve/chroot"
	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
	"howett.net/plist"
)

const (
	Format = "udif"

	ImageName = "image.dmg"
)

type (
	partition struct {
		Name   string `plist:"Name"`
		CFName string `plist:"CFName"`
	}

	resourceFork struct {
		ResourceFork struct {
			Blkx []partition `plist:"blkx"`
		} `plist:"resource-fork"`
	}
)

// Extractor returns the descriptor for the
// internal UDIF carver, carved images are not
// re-scanned.
func Extractor() extractors.Extractor {
	return extractors.Extractor{
		Name:         "udif",
		Format:       Format,
		Description:  "carves Apple UDIF (DMG) disk images",
		Utility:      extractors.Internal{Func: Extract},
		DoNotRecurse: true,
		Extension:    "dmg",
		Priority:     10,
	}
}

// Signature returns the signature matching the
// trailer of an image, candidates are anchored
// at the start of the image the trailer describes.
func Signature() signature.Signature {
	return signature.Signature{
		Format:      Format,
		Magic:       UDIFSignature[:],
		Description: "Apple UDIF disk image trailer",
		Anchor: func(blob []byte, match int) (int, bool) {
			_, start, err := Locate(blob, match)
			return start, err == nil
		},
	}
}

// Extract finds the trailer describing an image
// starting at offset and carves the image, trailer
// included.
func Extract(blob []byte, offset int, outputDirectory *string) extractors.Result {
	var result extractors.Result

	trailer, position, err := findTrailer(blob, offset)
	if err != nil {
		result.Err = err
		return result
	}

	size := position + UDIFResourceFileSize - offset

	partitions, err := readPartitions(blob[offset:position], trailer)
	if err != nil {
		result.Err = fmt.Errorf("read resource fork: %w", err)
		return result
	}

	result.Success = true
	result.Size = extractors.SizeOf(size)
	result.Description = fmt.Sprintf("UDIF disk image, %d sectors, partitions [%s]", trailer.SectorCount, strings.Join(partitions, ", "))

	if outputDirectory != nil {
		root := chroot.New(outputDirectory)
		if _, err = root.Carve(ImageName, blob, offset, size); err != nil {
			result.Success = false
			result.Err = fmt.Errorf("carve UDIF image: %w", err)
			return result
		}

		result.OutputDirectory = root.Root()
	}

	return result
}

func findTrailer(blob []byte, offset int) (*UDIFResourceFile, int, error) {
	for pos := offset; pos < len(blob); {
		i := bytes.Index(blob[pos:], UDIFSignature[:])
		if i == -1 {
			break
		}

		position := pos + i
		pos = position + 1

		trailer, start, err := Locate(blob, position)
		if err == nil && start == offset {
			return trailer, position, nil
		}
	}

	return nil, -1, fmt.Errorf("no trailer describes an image at %d: %w", offset, ErrMagicMismatch)
}

// readPartitions decodes the XML property list
// of the image and returns the partition names,
// images without a property list report none.
func readPartitions(image []byte, trailer *UDIFResourceFile) ([]string, error) {
	if trailer.XMLLength == 0 {
		return nil, nil
	}

	end := trailer.XMLOffset + trailer.XMLLength
	if end > uint64(len(image)) {
		return nil, fmt.Errorf("property list exceeds image: %w", ErrBadTrailer)
	}

	var fork resourceFork
	if _, err := plist.Unmarshal(image[trailer.XMLOffset:end], &fork); err != nil {
		return nil, fmt.Errorf("unmarshal property list: %w", err)
	}

	names := make([]string, 0, len(fork.ResourceFork.Blkx))
	for _, part := range fork.ResourceFork.Blkx {
		name := part.CFName
		if len(name) == 0 {
			name = part.Name
		}

		names = append(names, name)
	}

	return names, nil
}
