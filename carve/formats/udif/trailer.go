package udif

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
)

const (
	trailerVersion = 4
)

var (
	UDIFSignature = [4]byte{'k', 'o', 'l', 'y'}

	ErrMagicMismatch = errors.New("magic doesn't match expected for a UDIF trailer")
	ErrBadTrailer    = errors.New("UDIF trailer fields are inconsistent")

	UDIFResourceFileSize = binary.Size(UDIFResourceFile{})
)

// UDIFResourceFile is the 512 byte trailer, found
// at the end of every UDIF disk image, that locates
// the forks of the image relative to its start.
type UDIFResourceFile struct {
	Signature             [4]byte // magic 'koly'
	Version               uint32  // 4 (as of 2013)
	HeaderSize            uint32  // sizeof(this) = 512
	Flags                 uint32
	RunningDataForkOffset uint64
	DataForkOffset        uint64 // usually 0, beginning of file
	DataForkLength        uint64
	RsrcForkOffset        uint64
	RsrcForkLength        uint64
	SegmentNumber         uint32
	SegmentCount          uint32
	SegmentID             [16]byte
	DataChecksumType      uint32
	DataChecksumSize      uint32
	DataChecksum          [32]uint32
	XMLOffset             uint64 // position of the XML property list
	XMLLength             uint64
	Reserved1             [68]byte
	CodeSignOffset        uint32
	Reserved2             [4]byte
	CodeSignLength        uint32
	Reserved3             [40]byte
	ChecksumType          uint32
	ChecksumSize          uint32
	Checksum              [32]uint32
	ImageVariant          uint32
	SectorCount           uint64
	Reserved4             [12]byte
}

// ReadTrailer decodes the trailer found at
// position within data.
func ReadTrailer(data []byte, position int) (*UDIFResourceFile, error) {
	if position < 0 || position+UDIFResourceFileSize > len(data) {
		return nil, fmt.Errorf("trailer at %d exceeds %d bytes of data: %w", position, len(data), ErrBadTrailer)
	} else if !bytes.Equal(data[position:position+4], UDIFSignature[:]) {
		return nil, fmt.Errorf("0x%x != 0x%x: %w", data[position:position+4], UDIFSignature, ErrMagicMismatch)
	}

	var trailer UDIFResourceFile
	if err := binary.Read(bytes.NewReader(data[position:position+UDIFResourceFileSize]), binary.BigEndian, &trailer); err != nil {
		return nil, fmt.Errorf("read trailer: %w", err)
	}

	switch {
	case trailer.Version != trailerVersion:
		return nil, fmt.Errorf("version %d: %w", trailer.Version, ErrBadTrailer)

	case trailer.HeaderSize != uint32(UDIFResourceFileSize):
		return nil, fmt.Errorf("header size %d: %w", trailer.HeaderSize, ErrBadTrailer)
	}

	return &trailer, nil
}

// ImageLength returns the number of bytes that
// precede the trailer, the furthest end of any
// region the trailer references.
func (trailer *UDIFResourceFile) ImageLength() (uint64, error) {
	regions := [][2]uint64{
		{trailer.DataForkOffset, trailer.DataForkLength},
		{trailer.RsrcForkOffset, trailer.RsrcForkLength},
		{trailer.XMLOffset, trailer.XMLLength},
		{uint64(trailer.CodeSignOffset), uint64(trailer.CodeSignLength)},
	}

	var length uint64
	for _, region := range regions {
		end, carry := bits.Add64(region[0], region[1], 0)
		if carry != 0 {
			return 0, fmt.Errorf("region 0x%x+0x%x overflows: %w", region[0], region[1], ErrBadTrailer)
		}

		length = max(length, end)
	}

	if length == 0 {
		return 0, fmt.Errorf("trailer references no data: %w", ErrBadTrailer)
	}

	return length, nil
}

// Locate returns the start of the image whose
// trailer is found at position.
func Locate(data []byte, position int) (*UDIFResourceFile, int, error) {
	trailer, err := ReadTrailer(data, position)
	if err != nil {
		return nil, -1, err
	}

	length, err := trailer.ImageLength()
	if err != nil {
		return nil, -1, err
	} else if length > uint64(position) {
		return nil, -1, fmt.Errorf("image of %d bytes precedes trailer at %d: %w", length, position, ErrBadTrailer)
	}

	return trailer, position - int(length), nil
}
