// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/sysinst/sysinst/internal/issue"
)

// Tape has no random access: the first fetch streams the whole tape into
// ScratchDir through ExtractCmd, and later fetches are local lookups. Every
// file handed out is unlinked right away to reclaim scratch space.
type Tape struct {
	Device     string
	ScratchDir string
	// ExtractCmd runs in ScratchDir with Device appended as its last argument.
	ExtractCmd []string
	Release    string

	initialized bool
	extracted   bool
}

// Name implements Source.
func (t *Tape) Name() string { return "tape" }

// Init prepares the scratch directory.
func (t *Tape) Init(_ context.Context) error {
	if t.initialized {
		return nil
	}
	if len(t.ExtractCmd) == 0 {
		return issue.New(issue.KindResource, "init tape", t.Device, errors.New("no extract command configured"))
	}
	if err := os.MkdirAll(t.ScratchDir, 0o755); err != nil {
		return issue.New(issue.KindResource, "create tape scratch dir", t.ScratchDir, err)
	}
	t.initialized = true
	return nil
}

// Fetch extracts the tape on first use, then opens file from the scratch
// directory and unlinks it before returning.
func (t *Tape) Fetch(ctx context.Context, file string, _ bool) (io.ReadCloser, error) {
	if err := t.Init(ctx); err != nil {
		return nil, err
	}
	if !t.extracted {
		if err := t.extract(ctx); err != nil {
			return nil, err
		}
	}

	f, p, err := openFirst(t.ScratchDir, t.Release, file)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(p); err != nil {
		slog.Warn("cannot reclaim tape scratch file", "path", p, "error", err)
	}
	return f, nil
}

func (t *Tape) extract(ctx context.Context) error {
	args := append(append([]string(nil), t.ExtractCmd[1:]...), t.Device)
	cmd := exec.CommandContext(ctx, t.ExtractCmd[0], args...)
	cmd.Dir = t.ScratchDir

	slog.Info("extracting tape", "device", t.Device, "dir", t.ScratchDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			slog.Debug("tape extraction output", "output", msg)
		}
		return issue.New(issue.KindResource, "extract tape", t.Device, err)
	}
	t.extracted = true
	return nil
}

// Shutdown removes the scratch directory.
func (t *Tape) Shutdown(_ context.Context) error {
	if !t.initialized {
		return nil
	}
	t.initialized = false
	t.extracted = false
	if err := os.RemoveAll(t.ScratchDir); err != nil {
		return issue.New(issue.KindIO, "remove tape scratch dir", t.ScratchDir, err)
	}
	return nil
}
