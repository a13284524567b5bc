// SPDX-License-Identifier: MPL-2.0

// Package config handles installer configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/sysinst/config.cue (or the XDG equivalent on Linux,
// ~/Library/Application Support/sysinst/config.cue on macOS, %APPDATA%\sysinst\config.cue
// on Windows), falling back to ./config.cue. Values describe the installation medium and the
// per-transport settings (FTP, NFS, HTTP proxy, tape, S3 mirror), how distributions are
// unpacked onto the target root, and UI verbosity.
//
// Files are validated against the embedded CUE schema (config_schema.cue) before being merged
// over the compiled-in defaults. SYSINST_* environment variables override both.
package config
