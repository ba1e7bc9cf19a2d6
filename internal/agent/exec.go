package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Runner runs a shell command in dir, streaming its output.
type Runner func(ctx context.Context, dir, command string, stdout, stderr io.Writer) error

// killGrace is how long a cancelled command may take to exit after SIGTERM.
const killGrace = 10 * time.Second

// ShellRunner runs command through sh -c in its own process group.
// Cancelling ctx sends SIGTERM to the whole group and kills the shell after
// a grace period.
func ShellRunner(ctx context.Context, dir, command string, stdout, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%q interrupted: %w", command, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%q exited with code %d", command, exitErr.ExitCode())
	}
	return fmt.Errorf("running %q: %w", command, err)
}

// lineWriter calls fn once per complete line written to it.
type lineWriter struct {
	fn      func(line string)
	partial bytes.Buffer
}

func newLineWriter(fn func(line string)) *lineWriter {
	return &lineWriter{fn: fn}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// No complete line yet, put it back
			w.partial.WriteString(line)
			break
		}
		w.fn(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if w.partial.Len() == 0 {
		return
	}
	line := w.partial.String()
	w.partial.Reset()
	w.fn(strings.TrimRight(line, "\r"))
}
