package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// CommandRunner executes container engine commands. Implementations return
// the combined output of the command, also on failure.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands on the host.
type ExecRunner struct {
	// Stream, when set, receives command output as it is produced.
	Stream io.Writer
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	if r.Stream != nil {
		cmd.Stdout = io.MultiWriter(&buf, r.Stream)
		cmd.Stderr = io.MultiWriter(&buf, r.Stream)
	} else {
		cmd.Stdout = &buf
		cmd.Stderr = &buf
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return buf.Bytes(), ctx.Err()
		}
		return buf.Bytes(), fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return buf.Bytes(), nil
}

// tail returns the last n lines of command output for error messages.
func tail(out []byte, n int) string {
	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
