// SPDX-License-Identifier: MPL-2.0

// Package pipeline unpacks distribution archives as they stream in.
//
// A Pipeline is started in a target directory, fed the compressed archive
// through Write, and finished with Close, which reports the combined status
// of every stage. Abort tears a pipeline down without leaving child processes
// behind. Exec chains an external decompressor and archiver through an OS
// pipe; Codec does the same work in-process.
package pipeline
