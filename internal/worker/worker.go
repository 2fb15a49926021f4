// Package worker scans a single input file with
// a shared engine and summarises its report.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/KatelynHaworth/blob-carver/carve/engine"
	"github.com/KatelynHaworth/blob-carver/internal/output"
	"github.com/rs/zerolog"
)

var (
	summaryStatuses = []engine.Status{
		engine.StatusExtracted,
		engine.StatusValidated,
		engine.StatusFailed,
		engine.StatusSkippedOverlap,
		engine.StatusToolUnavailable,
		engine.StatusTimeout,
		engine.StatusTruncated,
		engine.StatusCancelled,
	}
)

type Worker struct {
	engine *engine.Engine
	file   string
	logger zerolog.Logger

	fileHash string
	report   *engine.Report
}

func NewWorker(eng *engine.Engine, file string, logger zerolog.Logger) (*Worker, error) {
	worker := &Worker{
		engine: eng,
		file:   file,
		logger: logger,
	}

	stat, err := os.Stat(worker.file)
	switch {
	case err != nil && os.IsNotExist(err):
		return nil, fmt.Errorf("input file doesn't exist: %w", err)

	case err != nil:
		return nil, fmt.Errorf("stat input file: %w", err)

	case !stat.Mode().IsRegular():
		return nil, fmt.Errorf("input %s is not a regular file", worker.file)
	}

	if worker.fileHash, err = worker.getFileHash(); err != nil {
		return nil, fmt.Errorf("hash file: %w", err)
	}

	return worker, nil
}

func (worker *Worker) Logger() zerolog.Logger {
	return worker.logger
}

func (worker *Worker) File() string {
	return worker.file
}

func (worker *Worker) GetReport() *engine.Report {
	return worker.report
}

// Scan runs the engine against the input file,
// the report is kept even when the scan is
// cancelled part way.
func (worker *Worker) Scan(ctx context.Context) error {
	worker.logger.Info().Str("sha256", worker.fileHash).Msg("Scanning file")

	report, err := worker.engine.ScanFile(ctx, worker.file)
	if err != nil {
		return fmt.Errorf("scan %s: %w", worker.file, err)
	}

	worker.report = report
	worker.logSummary()

	return nil
}

// Input returns the report of the worker in its
// document form, nil before Scan has succeeded.
func (worker *Worker) Input() *output.Input {
	if worker.report == nil {
		return nil
	}

	input := output.NewInput(worker.file, worker.report)
	input.SHA256 = worker.fileHash

	return &input
}

func (worker *Worker) logSummary() {
	for _, record := range worker.report.Records {
		switch record.Status {
		case engine.StatusExtracted:
			worker.logger.Info().
				Str("source", record.Source).
				Str("offset", fmt.Sprintf("0x%X", record.Offset)).
				Str("format", record.Format).
				Str("description", record.Description).
				Str("output", record.OutputDirectory).
				Msg("Extracted candidate")

		case engine.StatusToolUnavailable, engine.StatusTimeout, engine.StatusTruncated:
			worker.logger.Warn().
				Err(record.Err).
				Str("source", record.Source).
				Str("offset", fmt.Sprintf("0x%X", record.Offset)).
				Str("status", string(record.Status)).
				Msg("Candidate was not extracted")
		}
	}

	event := worker.logger.Info().
		Int("records", len(worker.report.Records)).
		Int("files", worker.report.Files).
		Bool("truncated", worker.report.Truncated).
		Bool("cancelled", worker.report.Cancelled)

	for _, status := range summaryStatuses {
		if n := worker.report.Count(status); n > 0 {
			event = event.Int(string(status), n)
		}
	}

	event.Msg("Scan completed")
}

func (worker *Worker) getFileHash() (string, error) {
	src, err := os.OpenFile(worker.file, os.O_RDONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("open file to hash: %w", err)
	}
	defer src.Close()

	hasher := sha256.New()
	if _, err = io.Copy(hasher, src); err != nil {
		return "", fmt.Errorf("read file to hash: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
