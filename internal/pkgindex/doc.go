// SPDX-License-Identifier: MPL-2.0

// Package pkgindex reads a package INDEX into a category tree and installs
// packages from the installation media, run-time dependencies first.
package pkgindex
