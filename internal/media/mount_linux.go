// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"fmt"
	"net"
	"strings"

	"golang.org/x/sys/unix"
)

// linuxFSTypes maps BSD filesystem names found in configs to their Linux names.
var linuxFSTypes = map[string]string{
	"cd9660":  "iso9660",
	"msdosfs": "vfat",
	"ufs":     "ufs",
}

// SyscallMounter mounts with mount(2) directly.
type SyscallMounter struct{}

// SystemMounter returns the Mounter used when none is configured.
func SystemMounter() Mounter { return SyscallMounter{} }

// Mount calls mount(2). NFS sources get the addr= option the kernel client
// requires, resolved from the host part of Source.
func (SyscallMounter) Mount(ctx context.Context, spec MountSpec) error {
	fstype := spec.FSType
	if alias, ok := linuxFSTypes[fstype]; ok {
		fstype = alias
	}

	var flags uintptr
	if spec.ReadOnly {
		flags |= unix.MS_RDONLY
	}

	opts := append([]string(nil), spec.Options...)
	if fstype == "nfs" {
		host, _, ok := strings.Cut(spec.Source, ":")
		if !ok {
			return fmt.Errorf("nfs source %q is not host:path", spec.Source)
		}
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return fmt.Errorf("resolve nfs server %s: %w", host, err)
		}
		opts = append(opts, "addr="+addrs[0], "vers=3", "nolock")
	}

	if err := unix.Mount(spec.Source, spec.Target, fstype, flags, strings.Join(opts, ",")); err != nil {
		return fmt.Errorf("mount %s on %s: %w", spec.Source, spec.Target, err)
	}
	return nil
}

// Unmount calls umount(2).
func (SyscallMounter) Unmount(_ context.Context, target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}
	return nil
}
