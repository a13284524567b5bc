// SPDX-License-Identifier: MPL-2.0

package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// MaxActionsPerKey bounds how many actions one key may hold.
const MaxActionsPerKey = 20

// ErrTooManyActions is returned when a key already holds MaxActionsPerKey actions.
var ErrTooManyActions = errors.New("too many queued actions")

type (
	// Func is a queued Go action. It receives the key it was queued under and
	// the data given to AddFunc.
	Func func(ctx context.Context, key string, data any) error

	action struct {
		text string
		prog *syntax.File
		fn   Func
		data any
	}

	// Queue holds actions by key. The zero Queue is not usable; use New.
	Queue struct {
		// Dir is the working directory of shell actions; empty means the
		// process working directory.
		Dir string
		// Env replaces the environment of shell actions when non-nil.
		Env []string
		// Stdout and Stderr receive shell output. Nil discards it.
		Stdout io.Writer
		Stderr io.Writer

		mu      sync.Mutex
		entries map[string][]action
	}
)

// New returns an empty Queue.
func New() *Queue {
	return &Queue{entries: make(map[string][]action)}
}

// Add queues shell text under key. The text is parsed now so that syntax
// errors surface at the call site.
func (q *Queue) Add(key, shell string) error {
	prog, err := syntax.NewParser().Parse(strings.NewReader(shell), key)
	if err != nil {
		return fmt.Errorf("queue %s: %w", key, err)
	}
	return q.add(key, action{text: shell, prog: prog})
}

// AddFunc queues fn under key.
func (q *Queue) AddFunc(key string, fn Func, data any) error {
	if fn == nil {
		return fmt.Errorf("queue %s: nil function", key)
	}
	return q.add(key, action{fn: fn, data: data})
}

func (q *Queue) add(key string, a action) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries[key]) >= MaxActionsPerKey {
		return fmt.Errorf("queue %s: %w", key, ErrTooManyActions)
	}
	q.entries[key] = append(q.entries[key], a)
	return nil
}

// Keys returns the queued keys in execution order.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.entries))
	for k := range q.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of queued actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, list := range q.entries {
		n += len(list)
	}
	return n
}

// Execute runs every action. A shell action that exits non-zero is logged and
// the queue moves on. Errors from Func actions are joined and returned after
// all actions ran. Cancelling ctx stops the queue.
func (q *Queue) Execute(ctx context.Context) error {
	var errs []error
	for _, key := range q.Keys() {
		q.mu.Lock()
		list := slices.Clone(q.entries[key])
		q.mu.Unlock()

		for _, a := range list {
			if err := ctx.Err(); err != nil {
				return errors.Join(append(errs, err)...)
			}
			if a.fn != nil {
				if err := a.fn(ctx, key, a.data); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", key, err))
				}
				continue
			}
			if err := q.runShell(ctx, key, a); err != nil {
				return errors.Join(append(errs, err)...)
			}
		}
	}
	return errors.Join(errs...)
}

// runShell runs one shell action. Only errors that should stop the queue are
// returned.
func (q *Queue) runShell(ctx context.Context, key string, a action) error {
	env := q.Env
	if env == nil {
		env = os.Environ()
	}
	stdout, stderr := q.Stdout, q.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	opts := []interp.RunnerOption{
		interp.Env(expand.ListEnviron(env...)),
		interp.StdIO(nil, stdout, stderr),
	}
	if q.Dir != "" {
		opts = append(opts, interp.Dir(q.Dir))
	}
	runner, err := interp.New(opts...)
	if err != nil {
		return fmt.Errorf("%s: failed to create interpreter: %w", key, err)
	}

	err = runner.Run(ctx, a.prog)
	if err == nil {
		return nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		slog.Warn("queued command failed", "key", key, "command", a.text, "status", int(status))
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Warn("queued command failed", "key", key, "command", a.text, "error", err)
	return nil
}

// Clear drops every queued action.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.entries)
}
