//go:build !unix

package extractors

import (
	"context"
	"errors"
	"os/exec"
)

func runTool(ctx context.Context, dir, path string, args []string) (int, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	if err != nil {
		return -1, err
	}

	return 0, nil
}
