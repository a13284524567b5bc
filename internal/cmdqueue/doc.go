// SPDX-License-Identifier: MPL-2.0

// Package cmdqueue batches deferred actions, such as newfs or fsck followed by
// a mount, and runs them later in a fixed order: keys in sorted order, and the
// actions of one key in the order they were added.
package cmdqueue
