package xar

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math/bits"
)

const (
	headerVersion = 1

	// maxTableOfContents bounds the decompressed
	// size of the table of contents.
	maxTableOfContents = 64 << 20
)

var (
	XARSignature = [4]byte{'x', 'a', 'r', '!'}

	ErrMagicMismatch = errors.New("magic doesn't match expected for a XAR archive")
	ErrTruncated     = errors.New("XAR archive extends beyond the available data")
	ErrBadHeader     = errors.New("XAR header fields are inconsistent")

	HeaderSize = binary.Size(Header{})
)

type (
	// Header is the fixed header at the start of
	// every XAR archive.
	Header struct {
		Magic             [4]byte
		Size              uint16
		Version           uint16
		TOCCompressed     uint64
		TOCUncompressed   uint64
		ChecksumAlgorithm uint32
	}

	// Region locates a span of the heap.
	Region struct {
		Offset uint64 `xml:"offset"`
		Size   uint64 `xml:"size"`
	}

	// Data describes the heap data of a file.
	Data struct {
		Offset   uint64 `xml:"offset"`
		Size     uint64 `xml:"size"`
		Length   uint64 `xml:"length"`
		Encoding struct {
			Style string `xml:"style,attr"`
		} `xml:"encoding"`
	}

	// File is a single, possibly nested, entry
	// of the table of contents.
	File struct {
		ID    string `xml:"id,attr"`
		Name  string `xml:"name"`
		Type  string `xml:"type"`
		Link  string `xml:"link"`
		Mode  string `xml:"mode"`
		Data  *Data  `xml:"data"`
		Files []File `xml:"file"`
	}

	// TableOfContents is the decoded table of
	// contents of an archive.
	TableOfContents struct {
		XMLName xml.Name `xml:"xar"`
		Toc     struct {
			Checksum struct {
				Style string `xml:"style,attr"`
				Region
			} `xml:"checksum"`
			Files []File `xml:"file"`
		} `xml:"toc"`
	}

	// Archive describes a XAR archive delimited
	// within a blob.
	Archive struct {
		Header Header
		TOC    TableOfContents

		// HeapOffset is the position of the heap
		// relative to the start of the archive.
		HeapOffset uint64

		// Size is the number of bytes occupied by
		// the archive.
		Size int
	}
)

// Parse decodes the header and table of contents
// of the archive at the start of data and computes
// the size of the archive.
func Parse(data []byte) (*Archive, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("header: %w", ErrTruncated)
	} else if !bytes.Equal(data[:4], XARSignature[:]) {
		return nil, fmt.Errorf("0x%x != 0x%x: %w", data[:4], XARSignature, ErrMagicMismatch)
	}

	archive := &Archive{}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.BigEndian, &archive.Header); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	hdr := archive.Header
	switch {
	case hdr.Version != headerVersion:
		return nil, fmt.Errorf("version %d: %w", hdr.Version, ErrBadHeader)

	case int(hdr.Size) < HeaderSize:
		return nil, fmt.Errorf("header size %d: %w", hdr.Size, ErrBadHeader)

	case hdr.TOCCompressed == 0 || hdr.TOCUncompressed == 0 || hdr.TOCUncompressed > maxTableOfContents:
		return nil, fmt.Errorf("table of contents of %d/%d bytes: %w", hdr.TOCCompressed, hdr.TOCUncompressed, ErrBadHeader)
	}

	heap, carry := bits.Add64(uint64(hdr.Size), hdr.TOCCompressed, 0)
	if carry != 0 || heap > uint64(len(data)) {
		return nil, fmt.Errorf("table of contents: %w", ErrTruncated)
	}

	compressedReader, err := zlib.NewReader(bytes.NewReader(data[hdr.Size:heap]))
	if err != nil {
		return nil, fmt.Errorf("decompress table of contents: %w", err)
	}
	defer compressedReader.Close()

	decoder := xml.NewDecoder(io.LimitReader(compressedReader, int64(hdr.TOCUncompressed)))
	decoder.Strict = false
	if err = decoder.Decode(&archive.TOC); err != nil {
		return nil, fmt.Errorf("decode table of contents: %w", err)
	}

	heapEnd := archive.TOC.Toc.Checksum.Offset + archive.TOC.Toc.Checksum.Size
	if heapEnd < archive.TOC.Toc.Checksum.Offset {
		return nil, fmt.Errorf("checksum region overflows: %w", ErrBadHeader)
	}

	err = archive.Walk(func(_ string, file *File) error {
		if file.Data == nil {
			return nil
		}

		end, carry := bits.Add64(file.Data.Offset, file.Data.Length, 0)
		if carry != 0 {
			return fmt.Errorf("file %s data region overflows: %w", file.ID, ErrBadHeader)
		}

		heapEnd = max(heapEnd, end)
		return nil
	})
	if err != nil {
		return nil, err
	}

	size, carry := bits.Add64(heap, heapEnd, 0)
	if carry != 0 || size > uint64(len(data)) {
		return nil, fmt.Errorf("heap of %d bytes: %w", heapEnd, ErrTruncated)
	}

	archive.HeapOffset = heap
	archive.Size = int(size)
	return archive, nil
}

// Walk calls fn for every file in the table of
// contents, parents before children, with the
// slash separated path of the file.
func (archive *Archive) Walk(fn func(path string, file *File) error) error {
	return walk("", archive.TOC.Toc.Files, fn)
}

func walk(parent string, files []File, fn func(path string, file *File) error) error {
	for i := range files {
		path := files[i].Name
		if len(parent) > 0 {
			path = parent + "/" + path
		}

		if err := fn(path, &files[i]); err != nil {
			return err
		}

		if err := walk(path, files[i].Files, fn); err != nil {
			return err
		}
	}

	return nil
}

// Entries returns the number of files in the
// table of contents.
func (archive *Archive) Entries() int {
	var n int
	_ = archive.Walk(func(string, *File) error {
		n++
		return nil
	})

	return n
}
