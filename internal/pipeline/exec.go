// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/sysinst/sysinst/internal/issue"

	"golang.org/x/sync/errgroup"
)

// maxStderr bounds the diagnostic output kept per stage.
const maxStderr = 4 << 10

// Exec runs Decompress | Unarchive with the working directory set to the
// pipeline root.
type Exec struct {
	Decompress []string
	Unarchive  []string
}

type execPipeline struct {
	dir    string
	stdin  io.WriteCloser
	stages []*stage

	once   sync.Once
	status error
}

type stage struct {
	cmd    *exec.Cmd
	stderr *capped
}

// Start launches both stages.
func (e Exec) Start(ctx context.Context, dir string) (Pipeline, error) {
	if len(e.Decompress) == 0 || len(e.Unarchive) == 0 {
		return nil, issue.New(issue.KindResource, "start pipeline", dir, errors.New("decompress and unarchive commands are required"))
	}

	dec := newStage(ctx, dir, e.Decompress)
	unp := newStage(ctx, dir, e.Unarchive)

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, issue.New(issue.KindResource, "create pipe", dir, err)
	}
	dec.cmd.Stdout = pw
	unp.cmd.Stdin = pr

	stdin, err := dec.cmd.StdinPipe()
	if err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, issue.New(issue.KindResource, "create pipe", dir, err)
	}

	if err := dec.cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = stdin.Close()
		return nil, issue.New(issue.KindResource, "start "+e.Decompress[0], dir, err)
	}
	if err := unp.cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		_ = stdin.Close()
		_ = dec.cmd.Process.Kill()
		_ = dec.cmd.Wait()
		return nil, issue.New(issue.KindResource, "start "+e.Unarchive[0], dir, err)
	}

	// The children hold their own copies of the pipe ends.
	_ = pr.Close()
	_ = pw.Close()

	return &execPipeline{dir: dir, stdin: stdin, stages: []*stage{dec, unp}}, nil
}

func newStage(ctx context.Context, dir string, argv []string) *stage {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	s := &stage{cmd: cmd, stderr: &capped{limit: maxStderr}}
	cmd.Stderr = s.stderr
	return s
}

// Write passes b to the decompressor. Anything short of a full write is an
// IO failure.
func (p *execPipeline) Write(b []byte) (int, error) {
	n, err := p.stdin.Write(b)
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return n, issue.New(issue.KindIO, "write pipeline", p.dir, err)
	}
	return n, nil
}

// Close ends the input and joins both stages.
func (p *execPipeline) Close() error {
	p.once.Do(func() {
		_ = p.stdin.Close()
		p.status = p.join()
	})
	return p.status
}

// Abort kills both stages and reaps them.
func (p *execPipeline) Abort() {
	p.once.Do(func() {
		for _, s := range p.stages {
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
		_ = p.stdin.Close()
		_ = p.join()
		p.status = ErrAborted
	})
}

func (p *execPipeline) join() error {
	errs := make([]error, len(p.stages))
	var g errgroup.Group
	for i, s := range p.stages {
		g.Go(func() error {
			errs[i] = s.wait()
			return errs[i]
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return issue.New(issue.KindIO, "unpack", p.dir, err)
	}
	return nil
}

func (s *stage) wait() error {
	err := s.cmd.Wait()
	if err == nil {
		return nil
	}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		return fmt.Errorf("%s: %w: %s", s.cmd.Args[0], err, msg)
	}
	return fmt.Errorf("%s: %w", s.cmd.Args[0], err)
}

// capped keeps the first limit bytes written to it.
type capped struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (c *capped) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(b) > room {
			c.buf.Write(b[:room])
		} else {
			c.buf.Write(b)
		}
	}
	return len(b), nil
}

func (c *capped) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
