// SPDX-License-Identifier: MPL-2.0

// Package testutil provides helpers shared by the package tests: Must* wrappers
// that fail the test on error, gzip'd tar archive builders for distribution and
// package fixtures, and a semaphore that bounds concurrent container tests.
package testutil
