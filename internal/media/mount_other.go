// SPDX-License-Identifier: MPL-2.0

//go:build !linux

package media

// SystemMounter returns the Mounter used when none is configured.
func SystemMounter() Mounter { return CommandMounter{} }
