package ziparchive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	LocalFileSignature        = [4]byte{'P', 'K', 0x03, 0x04}
	CentralDirectorySignature = [4]byte{'P', 'K', 0x01, 0x02}
	EndOfDirectorySignature   = [4]byte{'P', 'K', 0x05, 0x06}

	ErrMagicMismatch = errors.New("magic doesn't match expected for a ZIP file")
	ErrNoEndRecord   = errors.New("no end of central directory record found")

	EndOfDirectorySize = binary.Size(EndOfDirectory{})
)

// EndOfDirectory is the end of central
// directory record that terminates a ZIP
// archive.
type EndOfDirectory struct {
	Signature       [4]byte
	DiskNumber      uint16
	DirectoryDisk   uint16
	DiskEntries     uint16
	TotalEntries    uint16
	DirectorySize   uint32
	DirectoryOffset uint32
	CommentLength   uint16
}

// zip64 reports if the record defers its
// directory location to a ZIP64 record.
func (eocd *EndOfDirectory) zip64() bool {
	return eocd.DirectoryOffset == 0xffffffff || eocd.DirectorySize == 0xffffffff || eocd.TotalEntries == 0xffff
}

// Delimit locates the end of central directory
// record of the archive starting at the beginning
// of data and returns the size of the archive,
// including its trailing comment.
func Delimit(data []byte) (int, *EndOfDirectory, error) {
	if len(data) < len(LocalFileSignature) || !bytes.Equal(data[:4], LocalFileSignature[:]) {
		return -1, nil, ErrMagicMismatch
	}

	for pos := 0; pos+EndOfDirectorySize <= len(data); {
		i := bytes.Index(data[pos:], EndOfDirectorySignature[:])
		if i == -1 {
			break
		}

		candidate := pos + i
		pos = candidate + 1

		if candidate+EndOfDirectorySize > len(data) {
			break
		}

		var eocd EndOfDirectory
		if err := binary.Read(bytes.NewReader(data[candidate:candidate+EndOfDirectorySize]), binary.LittleEndian, &eocd); err != nil {
			return -1, nil, fmt.Errorf("read end of central directory: %w", err)
		}

		end := candidate + EndOfDirectorySize + int(eocd.CommentLength)
		if end > len(data) || !consistent(data, candidate, &eocd) {
			continue
		}

		return end, &eocd, nil
	}

	return -1, nil, ErrNoEndRecord
}

// consistent checks that the central directory
// described by the record lies between the start
// of the archive and the record itself.
func consistent(data []byte, position int, eocd *EndOfDirectory) bool {
	if eocd.zip64() {
		return true
	}

	// An archive opening with a local file
	// header holds at least one entry.
	if eocd.TotalEntries == 0 || eocd.DiskEntries != eocd.TotalEntries {
		return false
	}

	directoryEnd := uint64(eocd.DirectoryOffset) + uint64(eocd.DirectorySize)
	if directoryEnd > uint64(position) {
		return false
	}

	start := int(eocd.DirectoryOffset)
	return start+len(CentralDirectorySignature) <= len(data) && bytes.Equal(data[start:start+4], CentralDirectorySignature[:])
}
