package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"

	"pkt.systems/pslog"
)

func testChild(command string) childSpec {
	return childSpec{
		shell:     "/bin/sh",
		command:   command,
		poll:      10 * time.Millisecond,
		killGrace: 100 * time.Millisecond,
		stdin:     strings.NewReader(""),
		stdout:    &bytes.Buffer{},
		stderr:    &bytes.Buffer{},
		logger:    pslog.NoopLogger(),
	}
}

func TestRunChildExitStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		command string
		want    int
	}{
		{command: "true", want: 0},
		{command: "exit 3", want: 3},
		{command: "sleep 0.05; exit 42", want: 42},
		{command: "kill -9 $$", want: 137},
	}
	for _, tc := range cases {
		code, err := runChild(context.Background(), testChild(tc.command))
		if err != nil {
			t.Fatalf("%q: %v", tc.command, err)
		}
		if code != tc.want {
			t.Fatalf("%q: exit %d want %d", tc.command, code, tc.want)
		}
	}
}

func TestRunChildPassesStdin(t *testing.T) {
	t.Parallel()

	spec := testChild("cat")
	spec.stdin = strings.NewReader("payload")
	out := &bytes.Buffer{}
	spec.stdout = out
	if _, err := runChild(context.Background(), spec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.String() != "payload" {
		t.Fatalf("unexpected stdout %q", out.String())
	}
}

func TestRunChildTerminatesOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	code, err := runChild(ctx, testChild("sleep 30"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
	if code != 143 {
		t.Fatalf("expected SIGTERM exit 143, got %d", code)
	}
}

func TestRunChildKillsAfterGrace(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	// The shell ignores SIGTERM and keeps waiting on a child that does too.
	spec := testChild("trap '' TERM; sleep 30 & wait")
	time.AfterFunc(30*time.Millisecond, cancel)
	start := time.Now()
	code, err := runChild(ctx, spec)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
	if code != 137 {
		t.Fatalf("expected SIGKILL exit 137, got %d", code)
	}
	if elapsed := time.Since(start); elapsed < spec.killGrace {
		t.Fatalf("killed before grace elapsed: %s", elapsed)
	}
}

func TestRunChildMissingShell(t *testing.T) {
	t.Parallel()

	spec := testChild("true")
	spec.shell = "/nonexistent/sh"
	if _, err := runChild(context.Background(), spec); err == nil {
		t.Fatal("expected start error")
	}
}

// childPgrpCommand prints the process group of the shell.
const childPgrpCommand = "cut -d' ' -f5 /proc/$$/stat; echo $$"

func childGroup(t *testing.T, spec childSpec) (pgrp, pid int) {
	t.Helper()
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("procfs not available")
	}
	out := &bytes.Buffer{}
	spec.stdout = out
	if code, err := runChild(context.Background(), spec); err != nil || code != 0 {
		t.Fatalf("run: exit %d: %v", code, err)
	}
	fields := strings.Fields(out.String())
	if len(fields) != 2 {
		t.Fatalf("unexpected output %q", out.String())
	}
	pgrp, err := strconv.Atoi(fields[0])
	if err != nil {
		t.Fatalf("pgrp: %v", err)
	}
	pid, err = strconv.Atoi(fields[1])
	if err != nil {
		t.Fatalf("pid: %v", err)
	}
	return pgrp, pid
}

func TestRunChildOwnProcessGroupWithoutTerminal(t *testing.T) {
	t.Parallel()

	pgrp, pid := childGroup(t, testChild(childPgrpCommand))
	if pgrp != pid {
		t.Fatalf("expected child to lead its own group, pgrp=%d pid=%d", pgrp, pid)
	}
}

func TestRunChildStaysInCallerGroupOnTerminal(t *testing.T) {
	t.Parallel()

	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer ptmx.Close()
	defer tty.Close()
	if !isTerminal(tty) {
		t.Fatal("pty slave not detected as a terminal")
	}

	spec := testChild(childPgrpCommand)
	spec.stdin = tty
	pgrp, _ := childGroup(t, spec)
	if want := syscall.Getpgrp(); pgrp != want {
		t.Fatalf("expected child in caller group %d, got %d", want, pgrp)
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	if isTerminal(strings.NewReader("")) {
		t.Fatal("reader reported as terminal")
	}
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()
	if isTerminal(f) {
		t.Fatal("regular file reported as terminal")
	}
}
