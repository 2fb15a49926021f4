// Package extractors defines the descriptor
// model used by the carving engine to pull
// embedded objects out of a blob.
//
// A descriptor (Extractor) pairs a format with
// a Utility, the strategy used to perform the
// extraction. Two strategies exist, Internal
// which runs a parser in-process and External
// which runs a tool as a subprocess against a
// carved working copy. Both share one invocation
// contract so the engine never special-cases a
// format.
package extractors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidDescriptor is reported when a
	// descriptor without a Utility is dispatched.
	ErrInvalidDescriptor = errors.New("extractor has no utility")

	// ErrToolUnavailable is reported when the
	// command of an External utility can not
	// be located or executed.
	ErrToolUnavailable = errors.New("external tool unavailable")

	// ErrToolTimeout is reported when an External
	// utility exceeded its allotted time.
	ErrToolTimeout = errors.New("external tool timed out")

	// ErrExtractorFault is reported when an
	// Internal utility panicked.
	ErrExtractorFault = errors.New("extractor faulted")
)

type (
	// Result describes the outcome of a single
	// extraction attempt.
	Result struct {
		// Success reports if the extraction
		// succeeded.
		Success bool

		// Size specifies, in bytes, the structural
		// size of the embedded object when it is
		// known.
		Size *int

		// OutputDirectory specifies the directory
		// that received the extracted output, it is
		// empty for validation-only attempts.
		OutputDirectory string

		// Description optionally carries a short
		// human readable summary of the object.
		Description string

		// Err optionally describes why the
		// extraction failed.
		Err error
	}

	// Request carries the inputs of a single
	// extraction attempt.
	Request struct {
		// Blob is the full, immutable, input.
		Blob []byte

		// Offset is the position of the candidate
		// object within Blob.
		Offset int

		// SizeHint optionally specifies the size of
		// the object as reported by signature matching.
		SizeHint *int

		// OutputDirectory is the directory output
		// should be written to, nil requests a
		// validation-only attempt.
		OutputDirectory *string

		// Extension is the file extension of the
		// descriptor performing the extraction.
		Extension string
	}

	// Utility defines the strategy used by an
	// Extractor to perform an extraction.
	Utility interface {
		// Extract performs the extraction described
		// by the supplied Request.
		Extract(ctx context.Context, req Request) Result

		// Kind returns a short name for the strategy.
		Kind() string
	}

	// Extractor describes a single extraction
	// capability for a format.
	//
	// Extractors are constructed once, registered
	// in a Registry and never mutated afterwards.
	Extractor struct {
		// Name specifies a unique name for the
		// extractor.
		Name string

		// Format specifies the format identifier
		// this extractor handles.
		Format string

		// Description specifies a human readable
		// description of the extractor.
		Description string

		// Utility specifies the strategy used to
		// perform the extraction.
		Utility Utility

		// DoNotRecurse specifies that output produced
		// by this extractor must never be re-submitted
		// for scanning.
		DoNotRecurse bool

		// Extension specifies the file extension to
		// assign to carved output.
		Extension string

		// Priority ranks extractors of the same format,
		// higher priorities are more specific and are
		// dispatched first.
		Priority int
	}
)

// Extract invokes the Utility of this Extractor.
//
// A panic raised by the Utility is recovered and
// reported as a failed Result so one misbehaving
// extractor can never abort a scan.
func (ex *Extractor) Extract(ctx context.Context, blob []byte, offset int, sizeHint *int, outputDirectory *string) (result Result) {
	if ex == nil || ex.Utility == nil {
		return Result{Err: ErrInvalidDescriptor}
	}

	defer func() {
		if fault := recover(); fault != nil {
			result = Result{Err: fmt.Errorf("%s: %v: %w", ex.Name, fault, ErrExtractorFault)}
		}
	}()

	return ex.Utility.Extract(ctx, Request{
		Blob:            blob,
		Offset:          offset,
		SizeHint:        sizeHint,
		OutputDirectory: outputDirectory,
		Extension:       ex.Extension,
	})
}

// String returns a single line representation
// of this Extractor.
func (ex *Extractor) String() string {
	kind := "none"
	if ex.Utility != nil {
		kind = ex.Utility.Kind()
	}

	return fmt.Sprintf("Extractor{name: %s, format: %s, kind: %s, priority: %d}", ex.Name, ex.Format, kind, ex.Priority)
}

// SizeOf is a helper returning a pointer to
// the supplied size.
func SizeOf(size int) *int {
	return &size
}
