// Package engine drives a scan: it matches
// signatures in a blob, dispatches candidates to
// their extractors, tracks the regions consumed by
// extracted objects and re-scans extracted output
// breadth first within configured limits.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/KatelynHaworth/blob-carver/carve/extractors"
	"github.com/KatelynHaworth/blob-carver/carve/signature"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxDepth    = 8
	DefaultMaxFiles    = 10000
	DefaultToolTimeout = 5 * time.Minute

	// ExtractedSuffix is appended to the base name
	// of a scanned file to name its extraction root.
	ExtractedSuffix = ".extracted"
)

var (
	// ErrRecursionLimit is reported by truncated
	// records for branches beyond a limit.
	ErrRecursionLimit = errors.New("recursion limit exceeded")

	// ErrOutputRoot is returned when the output
	// directory can not be used.
	ErrOutputRoot = errors.New("output directory is not usable")
)

type (
	// Options configures an Engine.
	Options struct {
		// OutputDirectory specifies the root that
		// receives extracted output, nil performs a
		// validation-only scan.
		OutputDirectory *string

		// Workers bounds the number of concurrent
		// extraction attempts, defaults to the number
		// of CPUs.
		Workers int

		// MaxDepth bounds the recursion depth.
		MaxDepth int

		// MaxFiles bounds the number of scan units.
		MaxFiles int

		// Recurse enables re-scanning of extracted
		// output.
		Recurse bool

		// ToolTimeout bounds a single extraction
		// attempt.
		ToolTimeout time.Duration

		Logger zerolog.Logger
	}

	// Engine runs scans against a registry of
	// extractors and a signature matcher.
	Engine struct {
		registry *extractors.Registry
		matcher  signature.Matcher
		opts     Options
		logger   zerolog.Logger
		slots    *semaphore.Weighted
	}

	// unit is a single source scanned at a depth.
	unit struct {
		source string
		blob   []byte
		depth  int

		// root is the directory receiving the
		// per-candidate extraction directories.
		root string
	}

	// discovery is the outcome of the dry-run of
	// a candidate.
	discovery struct {
		candidate  signature.Candidate
		extractors []*extractors.Extractor
		chosen     int
		result     extractors.Result
	}
)

// New constructs an Engine, the output directory,
// when configured, is created and checked for
// write access.
func New(registry *extractors.Registry, matcher signature.Matcher, opts Options) (*Engine, error) {
	if registry == nil || matcher == nil {
		return nil, fmt.Errorf("engine requires a registry and matcher: %w", extractors.ErrInvalidDescriptor)
	}

	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}

	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}

	if opts.MaxFiles <= 0 {
		opts.MaxFiles = DefaultMaxFiles
	}

	if opts.ToolTimeout <= 0 {
		opts.ToolTimeout = DefaultToolTimeout
	}

	if opts.OutputDirectory != nil {
		root, err := prepareOutputRoot(*opts.OutputDirectory)
		if err != nil {
			return nil, err
		}

		opts.OutputDirectory = &root
	}

	return &Engine{
		registry: registry,
		matcher:  matcher,
		opts:     opts,
		logger:   opts.Logger,
		slots:    semaphore.NewWeighted(int64(opts.Workers)),
	}, nil
}

func prepareOutputRoot(dir string) (string, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %v: %w", dir, err, ErrOutputRoot)
	}

	if err = os.MkdirAll(root, 0755); err != nil {
		return "", fmt.Errorf("create %s: %v: %w", root, err, ErrOutputRoot)
	}

	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return "", fmt.Errorf("write to %s: %v: %w", root, err, ErrOutputRoot)
	}

	_ = probe.Close()
	_ = os.Remove(probe.Name())

	return root, nil
}

// OutputDirectory returns the resolved output
// root, it is empty for validation-only scans.
func (engine *Engine) OutputDirectory() string {
	if engine.opts.OutputDirectory == nil {
		return ""
	}

	return *engine.opts.OutputDirectory
}

// ScanFile scans the file at path.
func (engine *Engine) ScanFile(ctx context.Context, path string) (*Report, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}

	return engine.ScanBlob(ctx, path, blob)
}

// ScanBlob scans an in-memory blob, name is used
// as the source of its records and to name its
// extraction root.
//
// The returned error is only set for failures
// that make the whole scan meaningless, failures
// of individual candidates are reported through
// the records of the Report.
func (engine *Engine) ScanBlob(ctx context.Context, name string, blob []byte) (*Report, error) {
	report := &Report{}
	if blob == nil {
		blob = []byte{}
	}

	root := unit{source: name, blob: blob}
	if out := engine.opts.OutputDirectory; out != nil {
		root.root = filepath.Join(*out, filepath.Base(name)+ExtractedSuffix)
	}

	level := []unit{root}
	report.Files = 1

	for len(level) > 0 {
		if ctx.Err() != nil {
			report.Cancelled = true
			for _, u := range level {
				report.Records = append(report.Records, u.record(StatusCancelled, ctx.Err()))
			}

			break
		}

		records := make([][]Record, len(level))
		children := make([][]unit, len(level))

		group := new(errgroup.Group)
		group.SetLimit(engine.opts.Workers)

		for i, u := range level {
			group.Go(func() error {
				var err error
				records[i], children[i], err = engine.scanUnit(ctx, u)
				return err
			})
		}

		if err := group.Wait(); err != nil {
			return nil, err
		}

		var next []unit
		for i := range level {
			report.Records = append(report.Records, records[i]...)

			for _, child := range children[i] {
				switch {
				case child.depth > engine.opts.MaxDepth:
					report.Truncated = true
					report.Records = append(report.Records, child.record(StatusTruncated, fmt.Errorf("depth %d exceeds %d: %w", child.depth, engine.opts.MaxDepth, ErrRecursionLimit)))

				case report.Files >= engine.opts.MaxFiles:
					report.Truncated = true
					report.Records = append(report.Records, child.record(StatusTruncated, fmt.Errorf("file limit of %d reached: %w", engine.opts.MaxFiles, ErrRecursionLimit)))

				default:
					report.Files++
					next = append(next, child)
				}
			}
		}

		level = next
	}

	if report.Truncated {
		engine.logger.Warn().Int("files", report.Files).Msg("Recursion limit reached, some extracted files were not scanned")
	}

	if ctx.Err() != nil {
		report.Cancelled = true
	}

	report.sort()
	return report, nil
}

// scanUnit runs the discovery, claim and extraction
// phases for a single scan unit.
func (engine *Engine) scanUnit(ctx context.Context, u unit) ([]Record, []unit, error) {
	logger := engine.logger.With().Str("source", u.source).Int("depth", u.depth).Logger()

	blob := u.blob
	if blob == nil {
		var err error
		if blob, err = os.ReadFile(u.source); err != nil {
			return []Record{u.record(StatusFailed, fmt.Errorf("read extracted file: %w", err))}, nil, nil
		}
	}

	candidates, err := engine.matcher.Match(ctx, blob)
	if err != nil {
		return []Record{u.record(statusOf(err), fmt.Errorf("match signatures: %w", err))}, nil, nil
	}

	logger.Debug().Int("candidates", len(candidates)).Msg("Matched signatures")

	discoveries, err := engine.discover(ctx, blob, candidates)
	if err != nil {
		return nil, nil, err
	}

	var (
		regions RegionMap
		records = make([]Record, len(discoveries))
		claimed []int
	)

	for i, d := range discoveries {
		record := Record{
			Source:      u.source,
			Depth:       u.depth,
			Offset:      d.candidate.Offset,
			Format:      d.candidate.Format,
			Description: d.candidate.Description,
		}

		if ex := d.extractor(); ex != nil {
			record.Extractor = ex.Name
		}

		switch {
		case regions.Contains(d.candidate.Offset):
			record.Status = StatusSkippedOverlap

		case !d.result.Success:
			record.Status = statusOf(d.result.Err)
			record.Err = d.result.Err

		case !regions.Claim(d.candidate.Offset, d.candidate.Offset+sizeOf(d)):
			record.Status = StatusSkippedOverlap

		default:
			record.Status = StatusValidated
			record.Success = true
			record.Size = d.size()
			if len(d.result.Description) > 0 {
				record.Description = d.result.Description
			}

			claimed = append(claimed, i)
		}

		records[i] = record
	}

	if engine.opts.OutputDirectory == nil {
		return records, nil, nil
	}

	children := make([][]unit, len(discoveries))
	group, gCtx := errgroup.WithContext(ctx)
	group.SetLimit(engine.opts.Workers)

	for _, i := range claimed {
		group.Go(func() error {
			var err error
			children[i], err = engine.extract(gCtx, u, blob, discoveries[i], &records[i])
			return err
		})
	}

	if err = group.Wait(); err != nil {
		return nil, nil, err
	}

	var next []unit
	for _, kids := range children {
		next = append(next, kids...)
	}

	return records, next, nil
}

// discover dry-runs every candidate, picking the
// first extractor, in priority order, that
// validates it.
func (engine *Engine) discover(ctx context.Context, blob []byte, candidates []signature.Candidate) ([]discovery, error) {
	discoveries := make([]discovery, len(candidates))
	group := new(errgroup.Group)
	group.SetLimit(engine.opts.Workers)

	for i, candidate := range candidates {
		discoveries[i] = discovery{
			candidate:  candidate,
			extractors: engine.registry.Lookup(candidate.Format),
			chosen:     -1,
		}

		group.Go(func() error {
			d := &discoveries[i]
			if len(d.extractors) == 0 {
				d.result.Err = fmt.Errorf("no extractor registered for format '%s'", candidate.Format)
				return nil
			}

			for n, ex := range d.extractors {
				result, err := engine.attempt(ctx, ex, blob, candidate, nil)
				if err != nil {
					return err
				}

				d.result = result
				if result.Success {
					d.chosen = n
					return nil
				}
			}

			return nil
		})
	}

	return discoveries, group.Wait()
}

// extract runs the real extraction of a claimed
// candidate, falling back to later extractors for
// its format on failure, and returns the files to
// scan next.
func (engine *Engine) extract(ctx context.Context, u unit, blob []byte, d discovery, record *Record) ([]unit, error) {
	dir := filepath.Join(u.root, fmt.Sprintf("%X", d.candidate.Offset))
	childRoot := dir + ExtractedSuffix
	logger := engine.logger.With().Str("source", u.source).Int("offset", d.candidate.Offset).Str("format", d.candidate.Format).Logger()

	if err := os.RemoveAll(childRoot); err != nil {
		record.Status, record.Success, record.Err = StatusFailed, false, fmt.Errorf("clear nested extraction directory: %w", err)
		return nil, nil
	}

	for _, ex := range d.extractors[d.chosen:] {
		if err := os.RemoveAll(dir); err != nil {
			record.Status, record.Success, record.Err = StatusFailed, false, fmt.Errorf("clear extraction directory: %w", err)
			return nil, nil
		}

		result, err := engine.attempt(ctx, ex, blob, d.candidate, &dir)
		if err != nil {
			return nil, err
		}

		record.Extractor = ex.Name
		if !result.Success {
			logger.Debug().Err(result.Err).Str("extractor", ex.Name).Msg("Extraction attempt failed")
			record.Status, record.Success, record.Err = statusOf(result.Err), false, result.Err
			continue
		}

		record.Status, record.Success, record.Err = StatusExtracted, true, nil
		record.OutputDirectory = dir
		if result.Size != nil {
			record.Size = result.Size
		}
		if len(result.Description) > 0 {
			record.Description = result.Description
		}

		logger.Debug().Str("extractor", ex.Name).Str("output", dir).Msg("Extracted candidate")

		if ex.DoNotRecurse || !engine.opts.Recurse {
			return nil, nil
		}

		return collect(dir, childRoot, u.depth+1)
	}

	_ = os.RemoveAll(dir)
	return nil, nil
}

// attempt performs a single extraction attempt,
// holding a worker slot for its duration.
//
// A non-nil error is only returned for descriptor
// faults that must abort the scan.
func (engine *Engine) attempt(ctx context.Context, ex *extractors.Extractor, blob []byte, candidate signature.Candidate, outputDirectory *string) (extractors.Result, error) {
	if err := engine.slots.Acquire(ctx, 1); err != nil {
		return extractors.Result{Err: err}, nil
	}
	defer engine.slots.Release(1)

	aCtx, cancel := context.WithTimeout(ctx, engine.opts.ToolTimeout)
	defer cancel()

	result := ex.Extract(aCtx, blob, candidate.Offset, candidate.SizeHint, outputDirectory)
	if errors.Is(result.Err, extractors.ErrInvalidDescriptor) {
		return result, fmt.Errorf("extractor '%s': %w", ex.Name, result.Err)
	}

	return result, nil
}

// collect returns a scan unit for every regular
// file below dir, in lexical order.
//
// The extraction root of each unit mirrors the
// path of its file below root, a sibling of dir
// that extracted output can not name since
// candidate directories never contain a dot.
func collect(dir, root string, depth int) ([]unit, error) {
	var units []unit

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return fmt.Errorf("relate extracted file to its directory: %w", err)
		}

		units = append(units, unit{
			source: path,
			depth:  depth,
			root:   filepath.Join(root, rel),
		})

		return nil
	})

	return units, err
}

func (d *discovery) extractor() *extractors.Extractor {
	if d.chosen < 0 {
		if len(d.extractors) > 0 {
			return d.extractors[len(d.extractors)-1]
		}

		return nil
	}

	return d.extractors[d.chosen]
}

func (d *discovery) size() *int {
	if d.result.Size != nil {
		return d.result.Size
	}

	return d.candidate.SizeHint
}

// sizeOf returns the claimed length of a
// discovery, an unknown size claims one byte.
func sizeOf(d discovery) int {
	if size := d.size(); size != nil && *size > 0 {
		return *size
	}

	return 1
}

func (u unit) record(status Status, err error) Record {
	return Record{
		Source: u.source,
		Depth:  u.depth,
		Status: status,
		Err:    err,
	}
}

func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusFailed

	case errors.Is(err, extractors.ErrToolUnavailable):
		return StatusToolUnavailable

	case errors.Is(err, extractors.ErrToolTimeout):
		return StatusTimeout

	case errors.Is(err, context.Canceled):
		return StatusCancelled

	default:
		return StatusFailed
	}
}
