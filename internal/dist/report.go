// SPDX-License-Identifier: MPL-2.0

package dist

import (
	"fmt"
	"time"
)

const (
	// OutcomeInstalled means the node extracted and its selection was cleared.
	OutcomeInstalled Outcome = iota + 1
	// OutcomePending means the archive was missing and another pass may find it.
	OutcomePending
	// OutcomeFailed means the node failed for good during this run.
	OutcomeFailed
)

type (
	// Outcome is where a node ended up after a pass.
	Outcome int

	// Result is the outcome of one node.
	Result struct {
		ID      string
		Outcome Outcome
		// Warning marks a restricted node that was absent. It is reported as failed
		// but does not fail the run.
		Warning bool
		// Bytes is the archive size written into the pipeline.
		Bytes int64
		Err   error
	}

	// Report collects the results of one or more passes. When a node appears in
	// several passes only its latest result is kept.
	Report struct {
		Passes   int
		Results  []Result
		Warnings []string

		index map[string]int
	}

	// Progress describes how far the current node has come.
	Progress struct {
		ID string
		// Piece is the zero-based piece being written; Pieces is 0 for a single archive.
		Piece   int
		Pieces  int
		Bytes   int64
		Elapsed time.Duration
	}
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInstalled:
		return "installed"
	case OutcomePending:
		return "retry-pending"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Rate returns the throughput in bytes per second.
func (p Progress) Rate() float64 {
	if p.Elapsed <= 0 {
		return 0
	}
	return float64(p.Bytes) / p.Elapsed.Seconds()
}

func (r *Report) record(res Result) {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if i, ok := r.index[res.ID]; ok {
		r.Results[i] = res
		return
	}
	r.index[res.ID] = len(r.Results)
	r.Results = append(r.Results, res)
}

func (r *Report) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Result returns the latest result for id.
func (r *Report) Result(id string) (Result, bool) {
	i, ok := r.index[id]
	if !ok {
		return Result{}, false
	}
	return r.Results[i], true
}

// IDs returns the ids whose latest outcome is o, in the order they were first seen.
// Restricted nodes reported as warnings are excluded from OutcomeFailed.
func (r *Report) IDs(o Outcome) []string {
	var out []string
	for _, res := range r.Results {
		if res.Outcome == o && !res.Warning {
			out = append(out, res.ID)
		}
	}
	return out
}

// OK reports whether every processed node installed.
func (r *Report) OK() bool {
	return len(r.IDs(OutcomePending)) == 0 && len(r.IDs(OutcomeFailed)) == 0
}
