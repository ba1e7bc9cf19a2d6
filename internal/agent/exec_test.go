package agent

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestLineWriter(t *testing.T) {
	var lines []string
	w := newLineWriter(func(line string) { lines = append(lines, line) })

	w.Write([]byte("one\ntw"))
	w.Write([]byte("o\r\nthree"))
	if len(lines) != 2 {
		t.Fatalf("lines before flush = %v", lines)
	}
	w.Flush()

	want := []string{"one", "two", "three"}
	if strings.Join(lines, ",") != strings.Join(want, ",") {
		t.Errorf("lines = %v, want %v", lines, want)
	}

	w.Flush()
	if len(lines) != 3 {
		t.Error("Flush on an empty buffer emitted a line")
	}
}

func TestShellRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	var stdout, stderr bytes.Buffer
	err := ShellRunner(context.Background(), t.TempDir(), "echo out; echo err >&2", &stdout, &stderr)
	if err != nil {
		t.Fatalf("ShellRunner() error = %v", err)
	}
	if stdout.String() != "out\n" || stderr.String() != "err\n" {
		t.Errorf("stdout = %q, stderr = %q", stdout.String(), stderr.String())
	}

	err = ShellRunner(context.Background(), t.TempDir(), "exit 3", &stdout, &stderr)
	if err == nil || !strings.Contains(err.Error(), "code 3") {
		t.Errorf("error = %v, want exit code 3", err)
	}
}

func TestShellRunnerCancel(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	var out bytes.Buffer
	err := ShellRunner(ctx, t.TempDir(), "sleep 30", &out, &out)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancelled command did not stop promptly")
	}
}
