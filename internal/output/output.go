// Package output renders scan reports as JSON,
// YAML or property list documents.
package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/KatelynHaworth/blob-carver/carve/engine"
	"gopkg.in/yaml.v2"
	"howett.net/plist"
)

type Format uint8

const (
	FormatJSON Format = iota
	FormatYAML
	FormatPlist
)

var ErrUnsupportedFormat = errors.New("unsupported report format")

// ParseFormat returns the Format named by value.
func ParseFormat(value string) (Format, error) {
	switch strings.ToLower(value) {
	case "json":
		return FormatJSON, nil

	case "yaml", "yml":
		return FormatYAML, nil

	case "plist", "xml":
		return FormatPlist, nil

	default:
		return 0, fmt.Errorf("'%s': %w", value, ErrUnsupportedFormat)
	}
}

func (format Format) String() string {
	switch format {
	case FormatJSON:
		return "json"

	case FormatYAML:
		return "yaml"

	case FormatPlist:
		return "plist"

	default:
		return fmt.Sprintf("Format(%d)", uint8(format))
	}
}

type Document struct {
	OutputDirectory string  `json:"output_directory,omitempty" yaml:"output_directory,omitempty" plist:"output-directory,omitempty"`
	Inputs          []Input `json:"inputs" yaml:"inputs" plist:"inputs"`
}

type Input struct {
	File      string  `json:"file" yaml:"file" plist:"file"`
	SHA256    string  `json:"sha256,omitempty" yaml:"sha256,omitempty" plist:"sha256,omitempty"`
	Files     int     `json:"files" yaml:"files" plist:"files"`
	Truncated bool    `json:"truncated" yaml:"truncated" plist:"truncated"`
	Cancelled bool    `json:"cancelled" yaml:"cancelled" plist:"cancelled"`
	Records   []Entry `json:"records" yaml:"records" plist:"records"`
}

type Entry struct {
	Source          string `json:"source" yaml:"source" plist:"source"`
	Depth           int    `json:"depth" yaml:"depth" plist:"depth"`
	Offset          int    `json:"offset" yaml:"offset" plist:"offset"`
	Format          string `json:"format,omitempty" yaml:"format,omitempty" plist:"format,omitempty"`
	Extractor       string `json:"extractor,omitempty" yaml:"extractor,omitempty" plist:"extractor,omitempty"`
	Description     string `json:"description,omitempty" yaml:"description,omitempty" plist:"description,omitempty"`
	Status          string `json:"status" yaml:"status" plist:"status"`
	Success         bool   `json:"success" yaml:"success" plist:"success"`
	Size            *int   `json:"size,omitempty" yaml:"size,omitempty" plist:"size,omitempty"`
	OutputDirectory string `json:"output_directory,omitempty" yaml:"output_directory,omitempty" plist:"output-directory,omitempty"`
	Error           string `json:"error,omitempty" yaml:"error,omitempty" plist:"error,omitempty"`
}

// NewInput converts the report of a scanned
// file into its document form.
func NewInput(file string, report *engine.Report) Input {
	input := Input{
		File:      file,
		Files:     report.Files,
		Truncated: report.Truncated,
		Cancelled: report.Cancelled,
		Records:   make([]Entry, len(report.Records)),
	}

	for i, record := range report.Records {
		entry := Entry{
			Source:          record.Source,
			Depth:           record.Depth,
			Offset:          record.Offset,
			Format:          record.Format,
			Extractor:       record.Extractor,
			Description:     record.Description,
			Status:          string(record.Status),
			Success:         record.Success,
			Size:            record.Size,
			OutputDirectory: record.OutputDirectory,
		}

		if record.Err != nil {
			entry.Error = record.Err.Error()
		}

		input.Records[i] = entry
	}

	return input
}

// Write encodes the document to w.
func (doc *Document) Write(w io.Writer, format Format) error {
	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)

	case FormatYAML:
		encoder := yaml.NewEncoder(w)
		if err := encoder.Encode(doc); err != nil {
			return err
		}
		return encoder.Close()

	case FormatPlist:
		encoder := plist.NewEncoderForFormat(w, plist.XMLFormat)
		encoder.Indent("\t")
		return encoder.Encode(doc)

	default:
		return fmt.Errorf("%s: %w", format, ErrUnsupportedFormat)
	}
}

// Save writes the document to the file at path,
// replacing any previous content.
func (doc *Document) Save(path string, format Format) (string, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open report file: %w", err)
	}

	if err = doc.writeAndClose(file, format); err != nil {
		return "", err
	}

	return file.Name(), nil
}

// writeAndClose writes the document to w and
// closes it, a failed close is reported since
// buffered report data may not have been written.
func (doc *Document) writeAndClose(w io.WriteCloser, format Format) error {
	if err := doc.Write(w, format); err != nil {
		_ = w.Close()
		return fmt.Errorf("write report to file: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close report file: %w", err)
	}

	return nil
}
