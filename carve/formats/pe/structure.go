package pe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"slices"
)

const (
	dosHeaderSize       = 64
	lfanewOffset        = 0x3c
	minLfanew           = 4
	sizeOfHeadersOffset = 60

	// CharacteristicDLL marks an image as a
	// dynamic link library.
	CharacteristicDLL = 0x2000
)

var (
	DOSSignature = [2]byte{'M', 'Z'}
	NTSignature  = [4]byte{'P', 'E', 0, 0}

	ErrMagicMismatch  = errors.New("magic doesn't match expected for a PE file")
	ErrTruncated      = errors.New("PE structure extends beyond the available data")
	ErrUnknownMachine = errors.New("unknown PE machine type")
	ErrOverflow       = errors.New("PE structure offsets overflow")

	FileHeaderSize    = binary.Size(FileHeader{})
	SectionHeaderSize = binary.Size(SectionHeader{})

	knownMachines = []uint16{
		0x014c, // i386
		0x8664, // amd64
		0x01c0, // arm
		0x01c4, // armnt
		0xaa64, // arm64
		0x0200, // ia64
		0x0166, // mips
		0x01f0, // powerpc
		0x5032, // riscv32
		0x5064, // riscv64
		0x0ebc, // efi byte code
	}
)

// FileHeader is the COFF file header that
// follows the NT signature.
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// SectionHeader is a single entry of the
// section table.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

// Structure describes the parts of a PE
// image needed to delimit it within a blob.
type Structure struct {
	Header        FileHeader
	HeaderOffset  int
	SizeOfHeaders uint32
	Sections      []SectionHeader

	// Size is the number of bytes, from the
	// start of the DOS header, occupied by
	// the image.
	Size int
}

// IsDLL reports if the image is marked as a
// dynamic link library.
func (s *Structure) IsDLL() bool {
	return s.Header.Characteristics&CharacteristicDLL != 0
}

// Parse validates the PE image at the start of
// data and computes its size.
//
// The image must fit entirely within data, every
// offset read from the image is bounds checked
// before it is used.
func Parse(data []byte) (*Structure, error) {
	if len(data) < dosHeaderSize {
		return nil, fmt.Errorf("DOS header: %w", ErrTruncated)
	} else if !bytes.Equal(data[:2], DOSSignature[:]) {
		return nil, fmt.Errorf("0x%x != 0x%x: %w", data[:2], DOSSignature, ErrMagicMismatch)
	}

	lfanew := uint64(binary.LittleEndian.Uint32(data[lfanewOffset:]))
	if lfanew < minLfanew {
		return nil, fmt.Errorf("NT header offset %d overlaps DOS signature: %w", lfanew, ErrMagicMismatch)
	}

	fileHeaderStart, err := checkedEnd(len(data), lfanew, uint64(len(NTSignature)))
	if err != nil {
		return nil, fmt.Errorf("NT signature: %w", err)
	} else if !bytes.Equal(data[lfanew:fileHeaderStart], NTSignature[:]) {
		return nil, fmt.Errorf("0x%x != 0x%x: %w", data[lfanew:fileHeaderStart], NTSignature, ErrMagicMismatch)
	}

	optionalStart, err := checkedEnd(len(data), uint64(fileHeaderStart), uint64(FileHeaderSize))
	if err != nil {
		return nil, fmt.Errorf("file header: %w", err)
	}

	structure := &Structure{HeaderOffset: int(lfanew)}
	if err = binary.Read(bytes.NewReader(data[fileHeaderStart:optionalStart]), binary.LittleEndian, &structure.Header); err != nil {
		return nil, fmt.Errorf("read file header: %w", err)
	}

	if !slices.Contains(knownMachines, structure.Header.Machine) {
		return nil, fmt.Errorf("machine 0x%x: %w", structure.Header.Machine, ErrUnknownMachine)
	}

	sectionsStart, err := checkedEnd(len(data), uint64(optionalStart), uint64(structure.Header.SizeOfOptionalHeader))
	if err != nil {
		return nil, fmt.Errorf("optional header: %w", err)
	}

	if structure.Header.SizeOfOptionalHeader >= sizeOfHeadersOffset+4 {
		structure.SizeOfHeaders = binary.LittleEndian.Uint32(data[optionalStart+sizeOfHeadersOffset:])
	}

	sectionsEnd, err := checkedEnd(len(data), uint64(sectionsStart), uint64(structure.Header.NumberOfSections)*uint64(SectionHeaderSize))
	if err != nil {
		return nil, fmt.Errorf("section table: %w", err)
	}

	structure.Sections = make([]SectionHeader, structure.Header.NumberOfSections)
	if err = binary.Read(bytes.NewReader(data[sectionsStart:sectionsEnd]), binary.LittleEndian, structure.Sections); err != nil {
		return nil, fmt.Errorf("read section table: %w", err)
	}

	size := max(dosHeaderSize, sectionsEnd)

	if structure.SizeOfHeaders > 0 {
		end, err := checkedEnd(len(data), uint64(structure.SizeOfHeaders))
		if err != nil {
			return nil, fmt.Errorf("size of headers: %w", err)
		}

		size = max(size, end)
	}

	for i, section := range structure.Sections {
		if section.SizeOfRawData == 0 {
			continue
		}

		end, err := checkedEnd(len(data), uint64(section.PointerToRawData), uint64(section.SizeOfRawData))
		if err != nil {
			return nil, fmt.Errorf("section %d raw data: %w", i, err)
		}

		size = max(size, end)
	}

	structure.Size = size
	return structure, nil
}

// checkedEnd sums the supplied parts and reports
// the result if it does not overflow and lies
// within a buffer of the supplied length.
func checkedEnd(length int, parts ...uint64) (int, error) {
	var (
		end   uint64
		carry uint64
	)

	for _, part := range parts {
		if end, carry = bits.Add64(end, part, 0); carry != 0 {
			return -1, ErrOverflow
		}
	}

	if end > uint64(length) {
		return -1, ErrTruncated
	}

	return int(end), nil
}
