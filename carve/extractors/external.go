package extractors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/KatelynHaworth/blob-carver/carve/chroot"
)

const (
	// PlaceholderInput is substituted with the
	// path of the carved working copy.
	PlaceholderInput = "%e"

	// PlaceholderOutput is substituted with the
	// output directory of the extraction.
	PlaceholderOutput = "%o"
)

var (
	defaultExitCodes = []int{0}
)

// External is a Utility that runs a command
// against a carved working copy of the candidate
// object.
//
// The working copy is carved into the output
// directory, the command is run with that
// directory as its working directory, and the
// working copy is removed once the command
// completes.
type External struct {
	// Command specifies the name, or path, of
	// the executable to run.
	Command string

	// Arguments specifies the argument template,
	// PlaceholderInput and PlaceholderOutput are
	// substituted and "%%" produces a literal percent.
	Arguments []string

	// ExitCodes lists the exit codes that indicate
	// success, defaults to only zero.
	ExitCodes []int

	// ExpectsOutput requires the command to produce
	// at least one artifact to be considered successful.
	ExpectsOutput bool
}

// Extract runs the command against the candidate
// object.
//
// Without an output directory nothing is executed
// and the size hint supplied by signature matching
// is reported as the result.
func (external External) Extract(ctx context.Context, req Request) Result {
	if req.OutputDirectory == nil {
		return Result{Success: true, Size: req.SizeHint}
	}

	path, err := external.Locate(exec.LookPath)
	if err != nil {
		return Result{Err: err}
	}

	root := chroot.New(req.OutputDirectory)
	length := len(req.Blob) - req.Offset
	if req.SizeHint != nil && *req.SizeHint > 0 {
		length = *req.SizeHint
	}

	name := fmt.Sprintf("_%X", req.Offset)
	if len(req.Extension) > 0 {
		name += "." + strings.TrimPrefix(req.Extension, ".")
	}

	input, err := root.Carve(name, req.Blob, req.Offset, length)
	if err != nil {
		return Result{Err: fmt.Errorf("carve working copy: %w", err)}
	}

	exitCode, err := runTool(ctx, root.Root(), path, external.expandArguments(input, root.Root()))
	_ = os.Remove(input)

	switch {
	case errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission):
		return Result{Err: fmt.Errorf("%s: %v: %w", external.Command, err, ErrToolUnavailable)}

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Err: fmt.Errorf("%s: %w", external.Command, ErrToolTimeout)}

	case ctx.Err() != nil:
		return Result{Err: ctx.Err()}

	case err != nil:
		return Result{Err: fmt.Errorf("run %s: %w", external.Command, err)}

	case !slices.Contains(external.exitCodes(), exitCode):
		return Result{Err: fmt.Errorf("%s exited with status %d", external.Command, exitCode)}

	case external.ExpectsOutput && !hasOutput(root.Root()):
		return Result{Err: fmt.Errorf("%s produced no output", external.Command)}
	}

	return Result{
		Success:         true,
		Size:            req.SizeHint,
		OutputDirectory: root.Root(),
	}
}

func (External) Kind() string {
	return "external"
}

// Locate resolves the command of this External
// to an absolute path using the supplied lookup
// function, reporting ErrToolUnavailable when it
// can not be found.
//
// Tools run with the extraction directory as
// their working directory, so a relative result
// is resolved against the current one here.
func (external External) Locate(lookPath func(string) (string, error)) (string, error) {
	if len(external.Command) == 0 {
		return "", fmt.Errorf("empty command: %w", ErrInvalidDescriptor)
	}

	path, err := lookPath(external.Command)
	if err != nil {
		return "", fmt.Errorf("%s: %v: %w", external.Command, err, ErrToolUnavailable)
	}

	if path, err = filepath.Abs(path); err != nil {
		return "", fmt.Errorf("%s: resolve absolute path: %v: %w", external.Command, err, ErrToolUnavailable)
	}

	return path, nil
}

func (external External) exitCodes() []int {
	if len(external.ExitCodes) == 0 {
		return defaultExitCodes
	}

	return external.ExitCodes
}

// expandArguments substitutes the placeholders
// in the argument template.
func (external External) expandArguments(input, output string) []string {
	args := make([]string, len(external.Arguments))
	for i, arg := range external.Arguments {
		args[i] = expandPlaceholders(arg, input, output)
	}

	return args
}

func expandPlaceholders(arg, input, output string) string {
	var sb strings.Builder

	for i := 0; i < len(arg); i++ {
		if arg[i] != '%' || i+1 == len(arg) {
			sb.WriteByte(arg[i])
			continue
		}

		switch arg[i+1] {
		case 'e':
			sb.WriteString(input)

		case 'o':
			sb.WriteString(output)

		case '%':
			sb.WriteByte('%')

		default:
			sb.WriteByte(arg[i])
			continue
		}

		i++
	}

	return sb.String()
}

func hasOutput(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}
