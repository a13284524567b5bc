// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sysinst/sysinst/internal/issue"
	"github.com/sysinst/sysinst/pkg/attrfile"
)

// cdromInfo is the label file at the root of a release disc.
const cdromInfo = "cdrom.inf"

// Local reads distributions from a directory tree, mounting it first when a
// Device is set. It serves CDROM, floppy, DOS and UFS media as well as NFS
// exports, which differ only in their MountSpec.
type Local struct {
	// Kind names the medium in logs and errors ("cdrom", "nfs", ...).
	Kind string
	// Device is the mount source. Empty means Root is already populated.
	Device  string
	Root    string
	FSType  string
	Options []string
	// Release is the release directory searched after the root.
	Release string
	// CheckLabel verifies cdrom.inf against Release after mounting.
	CheckLabel bool
	Mounter    Mounter

	initialized bool
	mounted     bool
}

// NewNFS returns a Local that mounts host:path at root. Slow links get small
// transfer sizes; secure requests a privileged source port.
func NewNFS(host, exportPath, root, release string, slow, secure bool, m Mounter) *Local {
	var opts []string
	if slow {
		opts = append(opts, "rsize=1024", "wsize=1024", "retrans=10")
	}
	if secure {
		opts = append(opts, "resvport")
	}
	return &Local{
		Kind:    "nfs",
		Device:  host + ":" + exportPath,
		Root:    root,
		FSType:  "nfs",
		Options: opts,
		Release: release,
		Mounter: m,
	}
}

// Name implements Source.
func (l *Local) Name() string { return l.Kind }

// Init mounts the device, if any, and checks the disc label.
func (l *Local) Init(ctx context.Context) error {
	if l.initialized {
		return nil
	}

	if l.Device != "" {
		if err := os.MkdirAll(l.Root, 0o755); err != nil {
			return issue.New(issue.KindResource, "create mountpoint", l.Root, err)
		}
		spec := MountSpec{Source: l.Device, Target: l.Root, FSType: l.FSType, ReadOnly: true, Options: l.Options}
		if err := l.mounter().Mount(ctx, spec); err != nil {
			return issue.New(issue.KindResource, "mount "+l.Kind, l.Device, err)
		}
		l.mounted = true
		slog.Debug("media mounted", "media", l.Kind, "device", l.Device, "root", l.Root)
	}

	if l.CheckLabel {
		if err := l.checkLabel(); err != nil {
			l.unmount(ctx)
			return err
		}
	}

	l.initialized = true
	return nil
}

func (l *Local) checkLabel() error {
	records, err := attrfile.ParseFile(filepath.Join(l.Root, cdromInfo))
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("disc carries no cdrom.inf; it may not be a release disc", "root", l.Root)
		return nil
	}
	if err != nil {
		return issue.New(issue.KindProtocol, "read disc label", cdromInfo, err)
	}

	version, _ := records.Get("CD_VERSION")
	switch {
	case version == "":
		return issue.New(issue.KindResource, "read disc label", cdromInfo,
			fmt.Errorf("%w: no CD_VERSION", ErrReleaseMismatch))
	case version == "any", l.Release == "", l.Release == "any", version == l.Release:
		return nil
	default:
		return issue.New(issue.KindResource, "check disc label", cdromInfo,
			fmt.Errorf("%w: disc is %s, want %s", ErrReleaseMismatch, version, l.Release))
	}
}

// Fetch opens the first existing candidate for file beneath Root.
func (l *Local) Fetch(ctx context.Context, file string, _ bool) (io.ReadCloser, error) {
	if err := l.Init(ctx); err != nil {
		return nil, err
	}
	f, _, err := openFirst(l.Root, l.Release, file)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// openFirst tries each lookup candidate under root in order.
func openFirst(root, release, file string) (*os.File, string, error) {
	for _, rel := range candidates(release, file) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		f, err := os.Open(p)
		if err == nil {
			if info, statErr := f.Stat(); statErr == nil && info.IsDir() {
				_ = f.Close()
				continue
			}
			return f, p, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", issue.New(issue.KindIO, "open", p, err)
		}
	}
	return nil, "", issue.NotFound("fetch", file)
}

// Shutdown unmounts the device if Init mounted it.
func (l *Local) Shutdown(ctx context.Context) error {
	l.initialized = false
	if !l.mounted {
		return nil
	}
	if err := l.mounter().Unmount(ctx, l.Root); err != nil {
		return issue.New(issue.KindResource, "unmount "+l.Kind, l.Root, err)
	}
	l.mounted = false
	return nil
}

func (l *Local) unmount(ctx context.Context) {
	if !l.mounted {
		return
	}
	if err := l.mounter().Unmount(ctx, l.Root); err != nil {
		slog.Warn("unmount failed", "media", l.Kind, "root", l.Root, "error", err)
		return
	}
	l.mounted = false
}

func (l *Local) mounter() Mounter {
	if l.Mounter == nil {
		return SystemMounter()
	}
	return l.Mounter
}
