// SPDX-License-Identifier: MPL-2.0

// Package dist installs distribution sets from installation media.
//
// A distribution tree is a list of Nodes; a Selection holds the ids the
// caller wants. The Extractor walks the tree depth-first, fetching each
// selected leaf either as one "<name>.tgz" archive or, when "<name>.inf"
// declares pieces, as "<name>.aa", "<name>.ab", ... written in order into a
// single pipeline. Installed ids are removed from the Selection. Missing
// archives stay selected and are retried by Run up to MaxPasses.
package dist
