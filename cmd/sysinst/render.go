// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sysinst/sysinst/internal/config"
	"github.com/sysinst/sysinst/internal/dag"
	"github.com/sysinst/sysinst/internal/issue"
	"github.com/sysinst/sysinst/internal/media"
	"github.com/sysinst/sysinst/internal/pkgindex"
)

// issueFor picks the catalog entry that explains err. It returns 0 when none fits.
func issueFor(err error) issue.Id {
	var (
		ie     *issue.Error
		cycle  *dag.CycleError
		depErr *pkgindex.DependencyError
	)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, config.ErrInvalidConfig):
		return issue.ConfigLoadFailedId
	case errors.Is(err, media.ErrReleaseNotFound), errors.Is(err, media.ErrReleaseMismatch):
		return issue.ReleaseNotFoundId
	case errors.Is(err, os.ErrPermission):
		return issue.PermissionDeniedId
	case errors.As(err, &cycle):
		return issue.PackageCycleId
	case errors.As(err, &depErr):
		return issue.PackageDependencyFailedId
	case issue.IsNotFound(err):
		return issue.MediaNotFoundId
	case errors.As(err, &ie) && ie.Kind == issue.KindResource && strings.HasPrefix(ie.Op, "mount"):
		return issue.MediaMountFailedId
	}
	return 0
}

// renderIssue prints the catalog entry for id, if any.
func renderIssue(w io.Writer, id issue.Id) {
	if id == 0 {
		return
	}
	entry := issue.Get(id)
	if entry == nil {
		return
	}
	rendered, err := entry.Render("dark")
	if err != nil {
		slog.Warn("failed to render issue catalog entry", "issueID", id, "error", err)
		return
	}
	fmt.Fprint(w, rendered)
}

// fail renders help for err on stderr and returns err for cobra to report.
func (a *App) fail(err error) error {
	renderIssue(a.stderr, issueFor(err))
	return err
}
