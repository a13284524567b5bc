// SPDX-License-Identifier: MPL-2.0

// Package media provides file-by-relative-path access to installation media.
//
// Every medium implements Source: locally mounted block devices (CDROM, floppy, DOS, UFS),
// NFS exports, tape, FTP servers, HTTP proxies, and S3-compatible mirrors. A Session holds
// the one Source currently in use and initializes it lazily on the first fetch.
//
// Misses are reported as issue.KindNotFound errors. A probing fetch is one where a miss is
// expected, so it is logged at debug level only. Other failures carry the issue taxonomy
// kinds Transient, Protocol, IO and Resource.
package media
