// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type (
	// MountSpec describes one filesystem mount.
	MountSpec struct {
		// Source is a block device or, for NFS, "host:/export".
		Source   string
		Target   string
		FSType   string
		ReadOnly bool
		// Options are filesystem-specific mount options ("rsize=1024", "resvport").
		Options []string
	}

	// Mounter attaches and detaches filesystems.
	Mounter interface {
		Mount(ctx context.Context, spec MountSpec) error
		Unmount(ctx context.Context, target string) error
	}

	// CommandMounter shells out to mount(8) and umount(8).
	CommandMounter struct {
		MountPath   string
		UnmountPath string
	}
)

// Mount runs "mount -t fstype -o opts source target".
func (m CommandMounter) Mount(ctx context.Context, spec MountSpec) error {
	args := make([]string, 0, 6)
	if spec.FSType != "" {
		args = append(args, "-t", spec.FSType)
	}
	if opts := spec.optionString(); opts != "" {
		args = append(args, "-o", opts)
	}
	args = append(args, spec.Source, spec.Target)
	return run(ctx, orDefault(m.MountPath, "mount"), args...)
}

// Unmount runs "umount target".
func (m CommandMounter) Unmount(ctx context.Context, target string) error {
	return run(ctx, orDefault(m.UnmountPath, "umount"), target)
}

func (s MountSpec) optionString() string {
	opts := make([]string, 0, len(s.Options)+1)
	if s.ReadOnly {
		opts = append(opts, "ro")
	}
	opts = append(opts, s.Options...)
	return strings.Join(opts, ",")
}

func run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
