package engine

import (
	"cmp"
	"slices"
)

// Status describes the outcome recorded for a
// candidate or scan unit.
type Status string

const (
	StatusExtracted       Status = "extracted"
	StatusValidated       Status = "validated"
	StatusFailed          Status = "failed"
	StatusSkippedOverlap  Status = "skipped_overlap"
	StatusToolUnavailable Status = "tool_unavailable"
	StatusTimeout         Status = "timeout"
	StatusTruncated       Status = "truncated"
	StatusCancelled       Status = "cancelled"
)

type (
	// Record is a single entry of the result
	// stream of a scan.
	Record struct {
		// Source is the file, or blob name, the
		// candidate was found in.
		Source string

		// Depth is the recursion depth of Source,
		// the scanned input has depth zero.
		Depth int

		Offset      int
		Format      string
		Extractor   string
		Description string

		Success bool
		Size    *int

		// OutputDirectory is the directory that
		// received the extracted output.
		OutputDirectory string

		Status Status
		Err    error
	}

	// Report is the ordered result stream of
	// a scan.
	Report struct {
		Records []Record

		// Files counts the scan units processed,
		// the input included.
		Files int

		// Truncated reports if a recursion limit
		// stopped a branch of the scan.
		Truncated bool

		// Cancelled reports if the scan stopped
		// before all scan units were processed.
		Cancelled bool
	}
)

// Count returns the number of records with
// the supplied status.
func (report *Report) Count(status Status) int {
	var n int
	for _, record := range report.Records {
		if record.Status == status {
			n++
		}
	}

	return n
}

// Successful returns the records of every
// extracted or validated candidate.
func (report *Report) Successful() []Record {
	var out []Record
	for _, record := range report.Records {
		if record.Success {
			out = append(out, record)
		}
	}

	return out
}

func (report *Report) sort() {
	slices.SortStableFunc(report.Records, func(a, b Record) int {
		return cmp.Or(
			cmp.Compare(a.Depth, b.Depth),
			cmp.Compare(a.Source, b.Source),
			cmp.Compare(a.Offset, b.Offset),
			cmp.Compare(a.Format, b.Format),
			cmp.Compare(a.Extractor, b.Extractor),
		)
	})
}
