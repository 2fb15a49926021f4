package macho

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

const (
	LoadCmdCodeSignature = macho.LoadCmd(0x1d)

	// superBlobMagic identifies the embedded
	// signature super blob referenced by
	// LC_CODE_SIGNATURE.
	superBlobMagic = uint32(0xfade0cc0)

	header32Size = 28
	header64Size = 32
)

var (
	ErrMagicMismatch = errors.New("mach-o magic mismatch")
	ErrTruncated     = errors.New("mach-o image is truncated")
	ErrOverflow      = errors.New("mach-o image extends beyond addressable range")

	codeSignatureCmdSize = binary.Size(CodeSignatureCmd{})
)

type (
	CodeSignatureCmd struct {
		macho.LoadCmd
		_      uint32
		Offset uint32
		Size   uint32
	}

	// SuperBlobHeader is the header of an
	// embedded code signature.
	SuperBlobHeader struct {
		Magic  uint32
		Length uint32
		Count  uint32
	}

	// Image describes a thin Mach-O image
	// found in a blob.
	Image struct {
		File *macho.File

		// CodeSignature is set when the image
		// carries an LC_CODE_SIGNATURE command.
		CodeSignature *CodeSignatureCmd

		// Signature is set when the code signature
		// data starts with a super blob header.
		Signature *SuperBlobHeader

		Size int
	}
)

// Parse decodes the thin Mach-O image at the
// start of data and derives its size from the
// furthest of the load command area, the file
// extent of every segment and the code signature.
func Parse(data []byte) (*Image, error) {
	if len(data) < header32Size {
		return nil, fmt.Errorf("%d bytes: %w", len(data), ErrTruncated)
	}

	switch binary.LittleEndian.Uint32(data) {
	case macho.Magic32, macho.Magic64:
	default:
		switch binary.BigEndian.Uint32(data) {
		case macho.Magic32, macho.Magic64:
		default:
			return nil, fmt.Errorf("0x%x: %w", data[:4], ErrMagicMismatch)
		}
	}

	file, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read macho file: %w", err)
	}

	headerSize := uint64(header32Size)
	if file.Magic == macho.Magic64 {
		headerSize = header64Size
	}

	end, carry := bits.Add64(headerSize, uint64(file.Cmdsz), 0)
	if carry != 0 {
		return nil, ErrOverflow
	}

	for _, load := range file.Loads {
		segment, isSegment := load.(*macho.Segment)
		if !isSegment || segment.Filesz == 0 {
			continue
		}

		segmentEnd, carry := bits.Add64(segment.Offset, segment.Filesz, 0)
		if carry != 0 {
			return nil, fmt.Errorf("segment %s: %w", segment.Name, ErrOverflow)
		}

		end = max(end, segmentEnd)
	}

	image := &Image{File: file}
	if image.CodeSignature = findCodeSignatureCmd(file); image.CodeSignature != nil {
		end = max(end, uint64(image.CodeSignature.Offset)+uint64(image.CodeSignature.Size))
	}

	if end > uint64(len(data)) {
		return nil, fmt.Errorf("image ends at %d of %d bytes: %w", end, len(data), ErrTruncated)
	}

	image.Size = int(end)
	image.Signature = readSuperBlob(data, image.CodeSignature)

	return image, nil
}

func findCodeSignatureCmd(file *macho.File) *CodeSignatureCmd {
	for _, load := range file.Loads {
		raw, ok := load.(macho.LoadBytes)
		if !ok || len(raw.Raw()) != codeSignatureCmdSize {
			continue
		}

		var cmd CodeSignatureCmd
		if err := binary.Read(bytes.NewReader(raw.Raw()), file.ByteOrder, &cmd); err != nil {
			continue
		} else if cmd.LoadCmd == LoadCmdCodeSignature {
			return &cmd
		}
	}

	return nil
}

func readSuperBlob(data []byte, cmd *CodeSignatureCmd) *SuperBlobHeader {
	if cmd == nil || cmd.Size < uint32(binary.Size(SuperBlobHeader{})) {
		return nil
	}

	var hdr SuperBlobHeader
	if err := binary.Read(bytes.NewReader(data[cmd.Offset:]), binary.BigEndian, &hdr); err != nil {
		return nil
	} else if hdr.Magic != superBlobMagic || hdr.Length > cmd.Size {
		return nil
	}

	return &hdr
}

func (cmd *CodeSignatureCmd) String() string {
	return fmt.Sprintf("LC_CODE_SIGNATURE(%s) - Data Offset: %d, Data Size: %d", cmd.LoadCmd, cmd.Offset, cmd.Size)
}
