//go:build unix

package extractors

import (
	"context"
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// runTool runs the executable at path in its own
// process group, the whole group is killed when
// ctx is done so tools that fork helpers can not
// outlive the extraction.
func runTool(ctx context.Context, dir, path string, args []string) (int, error) {
	cmd := exec.Command(path, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-done
		return -1, ctx.Err()

	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}

		if err != nil {
			return -1, err
		}

		return 0, nil
	}
}
