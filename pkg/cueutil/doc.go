// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates CUE documents against an embedded schema and
// decodes them into Go values.
//
// Parsing always runs the same three steps:
//
//  1. Compile the embedded schema
//  2. Compile user data and unify it with a schema definition
//  3. Validate and decode to a Go value
//
// # Usage
//
//	//go:embed tree_schema.cue
//	var treeSchema string
//
//	result, err := cueutil.ParseAndDecodeString[treeFile](
//	    treeSchema,
//	    data,
//	    "#Tree",
//	    cueutil.WithFilename("dists.cue"),
//	)
//	if err != nil {
//	    return nil, err  // Error names the offending field
//	}
//	return result.Value, nil
package cueutil
