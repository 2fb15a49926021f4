package extractors

import "context"

// InternalFunc defines the function signature
// of an in-process extractor.
//
// Implementations must treat the blob as hostile
// and report malformed input through a failed
// Result, they must not write anything unless
// the structural parse has already succeeded.
type InternalFunc func(blob []byte, offset int, outputDirectory *string) Result

// Internal is a Utility that runs an
// InternalFunc in-process.
type Internal struct {
	Func InternalFunc
}

// Extract calls the InternalFunc with the blob,
// offset and output directory of the request.
func (internal Internal) Extract(_ context.Context, req Request) Result {
	if internal.Func == nil {
		return Result{Err: ErrInvalidDescriptor}
	}

	if req.Offset < 0 || req.Offset >= len(req.Blob) {
		return Result{}
	}

	return internal.Func(req.Blob, req.Offset, req.OutputDirectory)
}

func (Internal) Kind() string {
	return "internal"
}
