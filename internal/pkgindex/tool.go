// SPDX-License-Identifier: MPL-2.0

package pkgindex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"

	"github.com/sysinst/sysinst/internal/issue"
)

type (
	// Tool installs one package archive.
	Tool interface {
		Install(ctx context.Context, name string, archive io.Reader) error
	}

	// ExecTool runs the platform package tool with the archive on stdin.
	ExecTool struct {
		// Command is the tool and its arguments, e.g. ["pkg_add", "-"].
		Command []string
		// Dir is the working directory; empty means the current one.
		Dir string
		// Env is appended to the inherited environment.
		Env []string
		// PTY attaches the tool's output to a pseudo-terminal so it prints the
		// progress it shows interactively.
		PTY bool
		// Output receives the tool's output. Nil discards it.
		Output io.Writer
	}
)

// ParseCommand splits a configured command line on whitespace.
func ParseCommand(line string) []string {
	return strings.Fields(line)
}

// Install runs the tool and waits for it.
func (t ExecTool) Install(ctx context.Context, name string, archive io.Reader) error {
	if len(t.Command) == 0 {
		return issue.New(issue.KindResource, "install", name, errors.New("no package tool configured"))
	}

	cmd := exec.CommandContext(ctx, t.Command[0], t.Command[1:]...)
	cmd.Dir = t.Dir
	cmd.Stdin = archive
	if len(t.Env) > 0 {
		cmd.Env = append(os.Environ(), t.Env...)
	}

	out := t.Output
	if out == nil {
		out = io.Discard
	}
	var tail bytes.Buffer
	w := io.MultiWriter(out, &tailWriter{buf: &tail, limit: 2048})

	var err error
	if t.PTY {
		err = runOnPTY(cmd, w)
	} else {
		cmd.Stdout = w
		cmd.Stderr = w
		err = cmd.Run()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return issue.New(issue.KindIO, "install", name,
				fmt.Errorf("%s exited with status %d: %s", t.Command[0], exitErr.ExitCode(), strings.TrimSpace(tail.String())))
		}
		return issue.New(issue.KindResource, "install", name, err)
	}
	return nil
}

// runOnPTY gives cmd a terminal for its output while its stdin stays a pipe.
func runOnPTY(cmd *exec.Cmd, w io.Writer) error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return err
	}
	defer func() { _ = ptmx.Close() }()

	cmd.Stdout = tty
	cmd.Stderr = tty
	if err := cmd.Start(); err != nil {
		_ = tty.Close()
		return err
	}
	_ = tty.Close()

	copied := make(chan struct{})
	go func() {
		// Reading the master fails with EIO once the child side is gone.
		_, _ = io.Copy(w, ptmx)
		close(copied)
	}()

	err = cmd.Wait()
	<-copied
	return err
}

// tailWriter keeps the last limit bytes written.
type tailWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (t *tailWriter) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}
