// SPDX-License-Identifier: MPL-2.0

package dist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sysinst/sysinst/internal/config"
	"github.com/sysinst/sysinst/internal/issue"
	"github.com/sysinst/sysinst/internal/pipeline"
	"github.com/sysinst/sysinst/pkg/attrfile"
)

// TracerName names the tracer used for extraction spans.
const TracerName = "github.com/sysinst/sysinst/internal/dist"

type (
	// Fetcher opens files on the installation media. *media.Session implements it.
	Fetcher interface {
		Fetch(ctx context.Context, file string, probe bool) (io.ReadCloser, error)
	}

	// Extractor installs the selected nodes of a distribution tree.
	Extractor struct {
		Source    Fetcher
		Pipelines pipeline.Factory
		// Root is the directory every Node.Dir is relative to.
		Root string
		// MaxPasses bounds Run. Zero means config.DefaultMaxPasses.
		MaxPasses int
		// Progress, when set, is called after every write into a pipeline.
		Progress func(Progress)
		Metrics  *Metrics
		Tracer   trace.Tracer
	}

	pass struct {
		e      *Extractor
		sel    *Selection
		failed map[string]bool
		rep    *Report
	}

	meter struct {
		w       io.Writer
		fn      func(Progress)
		metrics *Metrics
		start   time.Time
		p       Progress
	}
)

// Run makes up to MaxPasses passes over tree, stopping early once no node is
// retry-pending. Nodes that fail are not retried. The returned error is non-nil
// only when a hard media or resource failure ended the run; the report is
// valid either way.
func (e *Extractor) Run(ctx context.Context, tree []*Node, sel *Selection) (*Report, error) {
	limit := e.MaxPasses
	if limit < 1 {
		limit = config.DefaultMaxPasses
	}

	rep := &Report{}
	failed := make(map[string]bool)
	for n := 1; n <= limit; n++ {
		rep.Passes = n
		if err := e.pass(ctx, tree, sel, failed, rep); err != nil {
			return rep, err
		}
		pending := rep.IDs(OutcomePending)
		if len(pending) == 0 {
			break
		}
		if n < limit {
			slog.Info("retrying unresolved distributions", "pass", n+1, "pending", pending)
		}
	}
	return rep, nil
}

// Pass makes a single depth-first pass over tree.
func (e *Extractor) Pass(ctx context.Context, tree []*Node, sel *Selection) (*Report, error) {
	rep := &Report{Passes: 1}
	err := e.pass(ctx, tree, sel, make(map[string]bool), rep)
	return rep, err
}

func (e *Extractor) pass(ctx context.Context, tree []*Node, sel *Selection, failed map[string]bool, rep *Report) error {
	e.Metrics.pass()
	p := &pass{e: e, sel: sel, failed: failed, rep: rep}
	return p.walk(ctx, tree, "")
}

func (e *Extractor) tracer() trace.Tracer {
	if e.Tracer != nil {
		return e.Tracer
	}
	return otel.Tracer(TracerName)
}

func (p *pass) walk(ctx context.Context, nodes []*Node, bias string) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.sel.Has(n.ID) || p.failed[n.ID] {
			continue
		}
		if len(n.Children) > 0 {
			if err := p.walk(ctx, n.Children, path.Join(bias, n.Name)); err != nil {
				return err
			}
			p.settle(n)
			continue
		}

		res, err := p.extract(ctx, n, bias)
		p.record(res)
		if err != nil {
			return err
		}
	}
	return nil
}

// settle clears a parent once none of its children remain selected.
func (p *pass) settle(n *Node) {
	res := Result{ID: n.ID, Outcome: OutcomeInstalled}
	for _, c := range n.Children {
		if !p.sel.Has(c.ID) {
			continue
		}
		if p.failed[c.ID] {
			if res.Outcome != OutcomePending {
				res.Outcome = OutcomeFailed
			}
			continue
		}
		res.Outcome = OutcomePending
	}
	if res.Outcome == OutcomeInstalled {
		p.sel.Remove(n.ID)
	}
	p.rep.record(res)
}

func (p *pass) record(res Result) {
	switch {
	case res.Outcome == OutcomeInstalled:
		p.sel.Remove(res.ID)
	case res.Warning:
		p.sel.Remove(res.ID)
	case res.Outcome == OutcomeFailed:
		p.failed[res.ID] = true
	}
	p.e.Metrics.outcome(res.Outcome)
	p.rep.record(res)
}

// extract installs one leaf. The error is non-nil only when the run must stop.
func (p *pass) extract(ctx context.Context, n *Node, bias string) (Result, error) {
	dir := bias
	if dir == "" {
		dir = n.Name
	}
	base := path.Join(dir, n.Name)

	ctx, span := p.e.tracer().Start(ctx, "dist.extract",
		trace.WithAttributes(
			attribute.String("dist.id", n.ID),
			attribute.String("dist.path", base),
		),
	)
	defer span.End()

	res, err := p.extractLeaf(ctx, n, base)
	span.SetAttributes(
		attribute.String("dist.outcome", res.Outcome.String()),
		attribute.Int64("dist.bytes", res.Bytes),
	)
	if res.Err != nil && !res.Warning {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}

	switch {
	case res.Warning:
		slog.Warn("restricted distribution not available", "id", n.ID)
	case res.Outcome == OutcomeFailed:
		slog.Warn("distribution failed", "id", n.ID, "error", res.Err)
	case res.Outcome == OutcomePending:
		slog.Debug("distribution not found", "id", n.ID)
	default:
		slog.Info("distribution installed", "id", n.ID, "bytes", res.Bytes)
	}
	return res, err
}

func (p *pass) extractLeaf(ctx context.Context, n *Node, base string) (Result, error) {
	pieces, err := p.pieces(ctx, base)
	if err != nil {
		if issue.KindOf(err) == issue.KindProtocol {
			return failed(n, err), nil
		}
		return failed(n, err), abort(n, err)
	}
	if pieces == 0 {
		return p.whole(ctx, n, base)
	}
	return p.chunked(ctx, n, base, pieces)
}

// pieces reads the piece count from base.inf. Zero means a single archive.
func (p *pass) pieces(ctx context.Context, base string) (int, error) {
	inf := base + ".inf"
	rc, err := p.e.Source.Fetch(ctx, inf, true)
	if err != nil {
		if issue.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	defer rc.Close()

	recs, err := attrfile.Parse(rc)
	if err != nil {
		return 0, issue.New(issue.KindProtocol, "read", inf, err)
	}
	n, ok, err := recs.Int("pieces")
	if err != nil {
		return 0, issue.New(issue.KindProtocol, "read", inf, err)
	}
	if !ok {
		return 0, nil
	}
	if n < 1 || n > MaxPieces {
		return 0, issue.New(issue.KindProtocol, "read", inf, fmt.Errorf("pieces %d out of range", n))
	}
	return n, nil
}

func (p *pass) whole(ctx context.Context, n *Node, base string) (Result, error) {
	archive := base + ".tgz"
	rc, err := p.e.Source.Fetch(ctx, archive, false)
	if err != nil {
		switch {
		case issue.IsNotFound(err) && n.Restricted:
			p.rep.warn("%s: restricted distribution not found on media", n.ID)
			res := failed(n, issue.New(issue.KindPolicy, "fetch", archive, err))
			res.Warning = true
			return res, nil
		case issue.IsNotFound(err):
			return Result{ID: n.ID, Outcome: OutcomePending, Err: err}, nil
		case issue.KindOf(err) == issue.KindProtocol:
			return failed(n, err), nil
		default:
			return failed(n, err), abort(n, err)
		}
	}
	defer rc.Close()

	pl, err := p.start(ctx, n)
	if err != nil {
		return failed(n, err), abort(n, err)
	}
	m := p.meter(pl, n, 0)
	if _, err := io.Copy(m, rc); err != nil {
		pl.Abort()
		return failed(n, issue.New(issue.KindIO, "extract", archive, err)), nil
	}
	if err := pl.Close(); err != nil {
		return failed(n, err), nil
	}
	return Result{ID: n.ID, Outcome: OutcomeInstalled, Bytes: m.p.Bytes}, nil
}

func (p *pass) chunked(ctx context.Context, n *Node, base string, pieces int) (Result, error) {
	slog.Debug("extracting distribution in pieces", "id", n.ID, "pieces", pieces)

	pl, err := p.start(ctx, n)
	if err != nil {
		return failed(n, err), abort(n, err)
	}
	m := p.meter(pl, n, pieces)
	for i := range pieces {
		name := base + "." + PieceName(i)
		m.p.Piece = i

		rc, err := p.e.Source.Fetch(ctx, name, false)
		if err != nil {
			pl.Abort()
			res := failed(n, err)
			res.Bytes = m.p.Bytes
			switch issue.KindOf(err) {
			case issue.KindNotFound, issue.KindProtocol:
				return res, nil
			default:
				return res, abort(n, err)
			}
		}
		p.e.Metrics.piece()

		_, err = io.Copy(m, rc)
		rc.Close()
		if err != nil {
			pl.Abort()
			res := failed(n, issue.New(issue.KindIO, "extract", name, err))
			res.Bytes = m.p.Bytes
			return res, nil
		}
	}
	if err := pl.Close(); err != nil {
		res := failed(n, err)
		res.Bytes = m.p.Bytes
		return res, nil
	}
	return Result{ID: n.ID, Outcome: OutcomeInstalled, Bytes: m.p.Bytes}, nil
}

func (p *pass) start(ctx context.Context, n *Node) (pipeline.Pipeline, error) {
	root := p.e.Root
	if root == "" {
		root = "/"
	}
	dir := filepath.Join(root, filepath.FromSlash(n.Dir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, issue.New(issue.KindResource, "mkdir", dir, err)
	}
	return p.e.Pipelines.Start(ctx, dir)
}

func (p *pass) meter(w io.Writer, n *Node, pieces int) *meter {
	return &meter{
		w:       w,
		fn:      p.e.Progress,
		metrics: p.e.Metrics,
		start:   time.Now(),
		p:       Progress{ID: n.ID, Pieces: pieces},
	}
}

func (m *meter) Write(b []byte) (int, error) {
	n, err := m.w.Write(b)
	m.p.Bytes += int64(n)
	m.p.Elapsed = time.Since(m.start)
	m.metrics.addBytes(n)
	if m.fn != nil {
		m.fn(m.p)
	}
	if err == nil && n < len(b) {
		err = io.ErrShortWrite
	}
	return n, err
}

func failed(n *Node, err error) Result {
	return Result{ID: n.ID, Outcome: OutcomeFailed, Err: err}
}

func abort(n *Node, err error) error {
	var ie *issue.Error
	if errors.As(err, &ie) && ie.Kind == issue.KindResource {
		return err
	}
	return issue.New(issue.KindResource, "extract", n.ID, err)
}
