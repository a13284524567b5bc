// SPDX-License-Identifier: MPL-2.0

package dist

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/sysinst/sysinst/internal/issue"
	"github.com/sysinst/sysinst/internal/pipeline"
	"github.com/sysinst/sysinst/internal/testutil"
)

type (
	// memMedia serves files from memory and tracks open streams.
	memMedia struct {
		mu      sync.Mutex
		files   map[string][]byte
		errs    map[string]error
		misses  map[string]int
		fetched []string
		open    int
	}

	memStream struct {
		*bytes.Reader
		m    *memMedia
		once sync.Once
	}

	countingFactory struct {
		inner                  pipeline.Factory
		starts, closes, aborts atomic.Int32
	}

	countingPipeline struct {
		pipeline.Pipeline
		f *countingFactory
	}
)

func newMemMedia() *memMedia {
	return &memMedia{
		files:  make(map[string][]byte),
		errs:   make(map[string]error),
		misses: make(map[string]int),
	}
}

func (m *memMedia) Fetch(_ context.Context, file string, _ bool) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetched = append(m.fetched, file)
	if err, ok := m.errs[file]; ok {
		return nil, err
	}
	if m.misses[file] > 0 {
		m.misses[file]--
		return nil, issue.NotFound("fetch", file)
	}
	data, ok := m.files[file]
	if !ok {
		return nil, issue.NotFound("fetch", file)
	}
	m.open++
	return &memStream{Reader: bytes.NewReader(data), m: m}, nil
}

func (m *memMedia) count(file string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, f := range m.fetched {
		if f == file {
			n++
		}
	}
	return n
}

func (m *memMedia) openStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (s *memStream) Close() error {
	s.once.Do(func() {
		s.m.mu.Lock()
		s.m.open--
		s.m.mu.Unlock()
	})
	return nil
}

func (f *countingFactory) Start(ctx context.Context, dir string) (pipeline.Pipeline, error) {
	p, err := f.inner.Start(ctx, dir)
	if err != nil {
		return nil, err
	}
	f.starts.Add(1)
	return &countingPipeline{Pipeline: p, f: f}, nil
}

func (p *countingPipeline) Close() error {
	p.f.closes.Add(1)
	return p.Pipeline.Close()
}

func (p *countingPipeline) Abort() {
	p.f.aborts.Add(1)
	p.Pipeline.Abort()
}

func newExtractor(t *testing.T, m *memMedia) (*Extractor, *countingFactory) {
	t.Helper()
	f := &countingFactory{inner: pipeline.Codec{}}
	return &Extractor{Source: m, Pipelines: f, Root: t.TempDir(), MaxPasses: 3}, f
}

func addChunked(m *memMedia, base string, archive []byte, pieces int) {
	m.files[base+".inf"] = []byte("# generated\npieces = " + strconv.Itoa(pieces) + "\n")
	for i, part := range testutil.Split(archive, pieces) {
		m.files[base+"."+PieceName(i)] = part
	}
}

func TestRun_SingleArchive(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.files["base/base.tgz"] = testutil.TarGz(t, map[string]string{"bin/sh": "shell"})
	e, f := newExtractor(t, m)

	tree := []*Node{{ID: "base", Name: "base", Dir: "/"}}
	sel := NewSelection("base")
	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rep.OK() || rep.Passes != 1 {
		t.Errorf("report = %+v", rep)
	}
	if sel.Has("base") {
		t.Error("selection not cleared after install")
	}
	if got := testutil.MustReadFile(t, filepath.Join(e.Root, "bin", "sh")); got != "shell" {
		t.Errorf("bin/sh = %q", got)
	}
	if got := f.closes.Load(); got != 1 {
		t.Errorf("pipeline closes = %d, want 1", got)
	}
	if m.openStreams() != 0 {
		t.Errorf("%d streams left open", m.openStreams())
	}
}

func TestRun_PiecesMatchSingleArchive(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"usr/bin/vi":        "editor",
		"usr/share/misc/tz": string(bytes.Repeat([]byte("zone"), 4096)),
		"etc/motd":          "welcome",
	}
	archive := testutil.TarGz(t, files)

	whole := newMemMedia()
	whole.files["bin/bin.tgz"] = archive
	we, _ := newExtractor(t, whole)

	chunked := newMemMedia()
	addChunked(chunked, "bin/bin", archive, 3)
	ce, _ := newExtractor(t, chunked)
	var last Progress
	ce.Progress = func(p Progress) { last = p }

	tree := []*Node{{ID: "bin", Name: "bin", Dir: "/"}}
	for _, e := range []*Extractor{we, ce} {
		rep, err := e.Run(t.Context(), tree, NewSelection("bin"))
		if err != nil || !rep.OK() {
			t.Fatalf("Run() = %+v, %v", rep, err)
		}
	}

	for name, body := range files {
		a := testutil.MustReadFile(t, filepath.Join(we.Root, filepath.FromSlash(name)))
		b := testutil.MustReadFile(t, filepath.Join(ce.Root, filepath.FromSlash(name)))
		if a != body || b != body {
			t.Errorf("%s differs between single and pieced extraction", name)
		}
	}
	if last.Pieces != 3 || last.Piece != 2 || last.Bytes != int64(len(archive)) {
		t.Errorf("last progress = %+v, want piece 2 of 3 with %d bytes", last, len(archive))
	}
	for _, name := range []string{"bin/bin.aa", "bin/bin.ab", "bin/bin.ac"} {
		if chunked.count(name) != 1 {
			t.Errorf("%s fetched %d times", name, chunked.count(name))
		}
	}
}

func TestRun_MissingPieceFailsNode(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	addChunked(m, "bin/bin", testutil.TarGz(t, map[string]string{"bin/ls": "ls"}), 3)
	delete(m.files, "bin/bin.ac")
	m.files["doc/doc.tgz"] = testutil.TarGz(t, map[string]string{"usr/share/doc/README": "r"})
	e, f := newExtractor(t, m)

	tree := []*Node{
		{ID: "bin", Name: "bin", Dir: "/"},
		{ID: "doc", Name: "doc", Dir: "/"},
	}
	sel := NewSelection("bin", "doc")
	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	res, ok := rep.Result("bin")
	if !ok || res.Outcome != OutcomeFailed || !issue.IsNotFound(res.Err) {
		t.Errorf("bin result = %+v", res)
	}
	if !sel.Has("bin") {
		t.Error("bin selection cleared after failure")
	}
	if sel.Has("doc") {
		t.Error("doc should have installed independently")
	}
	if got := f.aborts.Load(); got != 1 {
		t.Errorf("pipeline aborts = %d, want 1", got)
	}
	if m.count("bin/bin.aa") != 1 {
		t.Error("failed node was retried")
	}
	if m.openStreams() != 0 {
		t.Errorf("%d streams left open", m.openStreams())
	}
	if slices.Contains(rep.IDs(OutcomeInstalled), "bin") {
		t.Error("bin reported installed")
	}
}

func TestRun_MissingPieceFailsNodeWithSubprocesses(t *testing.T) {
	t.Parallel()

	for _, tool := range []string{"gzip", "tar"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not in PATH", tool)
		}
	}

	m := newMemMedia()
	addChunked(m, "bin/bin", testutil.TarGz(t, map[string]string{"bin/ls": "ls"}), 3)
	delete(m.files, "bin/bin.ac")
	m.files["doc/doc.tgz"] = testutil.TarGz(t, map[string]string{"usr/share/doc/README": "r"})

	f := &countingFactory{inner: pipeline.Exec{
		Decompress: []string{"gzip", "-dc"},
		Unarchive:  []string{"tar", "-xf", "-"},
	}}
	e := &Extractor{Source: m, Pipelines: f, Root: t.TempDir(), MaxPasses: 3}

	tree := []*Node{
		{ID: "bin", Name: "bin", Dir: "/"},
		{ID: "doc", Name: "doc", Dir: "/"},
	}
	sel := NewSelection("bin", "doc")
	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res, _ := rep.Result("bin"); res.Outcome != OutcomeFailed {
		t.Errorf("bin result = %+v, want failed", res)
	}
	if !sel.Has("bin") || sel.Has("doc") {
		t.Errorf("selection = %v, want [bin]", sel.IDs())
	}
	if got := f.aborts.Load(); got != 1 {
		t.Errorf("pipeline aborts = %d, want 1", got)
	}
	if got := f.closes.Load(); got != 1 {
		t.Errorf("pipeline closes = %d, want 1 (doc)", got)
	}
	if m.openStreams() != 0 {
		t.Errorf("%d streams left open", m.openStreams())
	}
	if got := testutil.MustReadFile(t, filepath.Join(e.Root, "usr", "share", "doc", "README")); got != "r" {
		t.Errorf("README = %q", got)
	}
}

func TestRun_RetriesPendingUpToBound(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.files["games/games.tgz"] = testutil.TarGz(t, map[string]string{"usr/games/fortune": "f"})
	m.misses["games/games.tgz"] = 1
	e, _ := newExtractor(t, m)

	tree := []*Node{
		{ID: "games", Name: "games", Dir: "/"},
		{ID: "info", Name: "info", Dir: "/"},
	}
	sel := NewSelection("games", "info")
	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if rep.Passes != 3 {
		t.Errorf("Passes = %d, want 3", rep.Passes)
	}
	if got := rep.IDs(OutcomeInstalled); !slices.Equal(got, []string{"games"}) {
		t.Errorf("installed = %v", got)
	}
	if got := rep.IDs(OutcomePending); !slices.Equal(got, []string{"info"}) {
		t.Errorf("pending = %v", got)
	}
	if m.count("info/info.tgz") != 3 {
		t.Errorf("info fetched %d times, want 3", m.count("info/info.tgz"))
	}
	if m.count("games/games.tgz") != 2 {
		t.Errorf("games fetched %d times, want 2", m.count("games/games.tgz"))
	}
}

func TestRun_IdempotentOnceInstalled(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.files["base/base.tgz"] = testutil.TarGz(t, map[string]string{"COPYRIGHT": "c"})
	e, _ := newExtractor(t, m)

	tree := []*Node{{ID: "base", Name: "base", Dir: "/"}}
	sel := NewSelection("base")
	if _, err := e.Run(t.Context(), tree, sel); err != nil {
		t.Fatal(err)
	}
	before := len(m.fetched)

	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Results) != 0 || len(m.fetched) != before {
		t.Errorf("second run did work: results %v, %d new fetches", rep.Results, len(m.fetched)-before)
	}
}

func TestRun_ParentClearedWhenChildrenInstall(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.files["src/sbase.tgz"] = testutil.TarGz(t, map[string]string{"Makefile": "all:"})
	e, _ := newExtractor(t, m)
	e.MaxPasses = 1

	tree := []*Node{{ID: "src", Name: "src", Dir: "/usr/src", Children: []*Node{
		{ID: "src/sbase", Name: "sbase", Dir: "/usr/src"},
		{ID: "src/ssys", Name: "ssys", Dir: "/usr/src"},
	}}}
	sel := SelectAll(tree)
	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.MustReadFile(t, filepath.Join(e.Root, "usr", "src", "Makefile")); got != "all:" {
		t.Errorf("Makefile = %q", got)
	}
	if !sel.Has("src") || sel.Has("src/sbase") || !sel.Has("src/ssys") {
		t.Errorf("selection after partial install = %v", sel.IDs())
	}
	if res, _ := rep.Result("src"); res.Outcome != OutcomePending {
		t.Errorf("src outcome = %v, want retry-pending", res.Outcome)
	}

	m.files["src/ssys.tgz"] = testutil.TarGz(t, map[string]string{"sys/param.h": "#define"})
	rep, err = e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatal(err)
	}
	if sel.Len() != 0 {
		t.Errorf("selection = %v, want empty", sel.IDs())
	}
	if res, _ := rep.Result("src"); res.Outcome != OutcomeInstalled {
		t.Errorf("src outcome = %v, want installed", res.Outcome)
	}
}

func TestRun_RestrictedAbsenceIsWarning(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.files["crypto/crypto.tgz"] = testutil.TarGz(t, map[string]string{"usr/bin/openssl": "o"})
	e, _ := newExtractor(t, m)

	tree := []*Node{{ID: "crypto", Name: "crypto", Dir: "/", Restricted: true, Children: []*Node{
		{ID: "crypto/crypto", Name: "crypto", Dir: "/", Restricted: true},
		{ID: "crypto/krb5", Name: "krb5", Dir: "/", Restricted: true},
	}}}
	sel := SelectAll(tree)
	rep, err := e.Run(t.Context(), tree, sel)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() {
		t.Errorf("report not OK: %+v", rep.Results)
	}
	if len(rep.Warnings) != 1 {
		t.Errorf("warnings = %v", rep.Warnings)
	}
	res, _ := rep.Result("crypto/krb5")
	if !res.Warning || !errors.Is(res.Err, issue.ErrPolicy) {
		t.Errorf("krb5 result = %+v", res)
	}
	if sel.Len() != 0 {
		t.Errorf("selection = %v, want empty", sel.IDs())
	}
	if m.count("crypto/krb5.tgz") != 1 {
		t.Error("restricted absence was retried")
	}
}

func TestRun_HardFetchErrorAbortsRun(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.errs["base/base.tgz"] = issue.New(issue.KindTransient, "retr", "base/base.tgz", errors.New("connection reset"))
	m.files["doc/doc.tgz"] = testutil.TarGz(t, map[string]string{"README": "r"})
	e, _ := newExtractor(t, m)

	tree := []*Node{
		{ID: "base", Name: "base", Dir: "/"},
		{ID: "doc", Name: "doc", Dir: "/"},
	}
	rep, err := e.Run(t.Context(), tree, NewSelection("base", "doc"))
	if err == nil {
		t.Fatal("expected run error")
	}
	if issue.KindOf(err) != issue.KindResource || !errors.Is(err, issue.ErrTransient) {
		t.Errorf("err = %v (kind %v)", err, issue.KindOf(err))
	}
	if m.count("doc/doc.tgz") != 0 {
		t.Error("run continued after a hard error")
	}
	if res, _ := rep.Result("base"); res.Outcome != OutcomeFailed {
		t.Errorf("base outcome = %v", res.Outcome)
	}
}

func TestRun_ProtocolErrorFailsOnlyThatNode(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.errs["base/base.tgz"] = issue.New(issue.KindProtocol, "get", "base/base.tgz", errors.New("HTTP/1.0 500 Internal Server Error"))
	m.files["doc/doc.tgz"] = testutil.TarGz(t, map[string]string{"README": "r"})
	e, _ := newExtractor(t, m)

	tree := []*Node{
		{ID: "base", Name: "base", Dir: "/"},
		{ID: "doc", Name: "doc", Dir: "/"},
	}
	rep, err := e.Run(t.Context(), tree, NewSelection("base", "doc"))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !slices.Equal(rep.IDs(OutcomeFailed), []string{"base"}) || !slices.Equal(rep.IDs(OutcomeInstalled), []string{"doc"}) {
		t.Errorf("results = %+v", rep.Results)
	}
}

func TestRun_BadPieceCount(t *testing.T) {
	t.Parallel()

	for _, inf := range []string{"pieces=0\n", "pieces=many\n", "pieces = {\n"} {
		m := newMemMedia()
		m.files["bin/bin.inf"] = []byte(inf)
		e, f := newExtractor(t, m)

		rep, err := e.Pass(t.Context(), []*Node{{ID: "bin", Name: "bin", Dir: "/"}}, NewSelection("bin"))
		if err != nil {
			t.Fatalf("%q: Pass() error = %v", inf, err)
		}
		res, _ := rep.Result("bin")
		if res.Outcome != OutcomeFailed || !errors.Is(res.Err, issue.ErrProtocol) {
			t.Errorf("%q: result = %+v", inf, res)
		}
		if f.starts.Load() != 0 {
			t.Errorf("%q: pipeline started", inf)
		}
	}
}

func TestRun_CorruptArchiveFailsNode(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	m.files["base/base.tgz"] = []byte("this is not gzip")
	e, _ := newExtractor(t, m)

	sel := NewSelection("base")
	rep, err := e.Run(t.Context(), []*Node{{ID: "base", Name: "base", Dir: "/"}}, sel)
	if err != nil {
		t.Fatal(err)
	}
	if res, _ := rep.Result("base"); res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %v, want failed", res.Outcome)
	}
	if !sel.Has("base") {
		t.Error("selection cleared for a failed node")
	}
}

func TestRun_CancelledContext(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	e, _ := newExtractor(t, m)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := e.Run(ctx, []*Node{{ID: "base", Name: "base"}}, NewSelection("base"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(m.fetched) != 0 {
		t.Error("fetched after cancellation")
	}
}

func TestRun_MetricsAndSpans(t *testing.T) {
	t.Parallel()

	m := newMemMedia()
	archive := testutil.TarGz(t, map[string]string{"bin/cat": "cat"})
	addChunked(m, "bin/bin", archive, 2)
	e, _ := newExtractor(t, m)

	reg := prometheus.NewRegistry()
	e.Metrics = NewMetrics(reg)
	rec := tracetest.NewSpanRecorder()
	e.Tracer = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	tree := []*Node{
		{ID: "bin", Name: "bin", Dir: "/"},
		{ID: "ports", Name: "ports", Dir: "/usr"},
	}
	e.MaxPasses = 2
	if _, err := e.Run(t.Context(), tree, NewSelection("bin", "ports")); err != nil {
		t.Fatal(err)
	}

	if got := promtest.ToFloat64(e.Metrics.nodes.WithLabelValues("installed")); got != 1 {
		t.Errorf("installed counter = %v", got)
	}
	if got := promtest.ToFloat64(e.Metrics.nodes.WithLabelValues("retry-pending")); got != 2 {
		t.Errorf("retry-pending counter = %v", got)
	}
	if got := promtest.ToFloat64(e.Metrics.bytes); got != float64(len(archive)) {
		t.Errorf("bytes counter = %v, want %d", got, len(archive))
	}
	if got := promtest.ToFloat64(e.Metrics.pieces); got != 2 {
		t.Errorf("pieces counter = %v", got)
	}
	if got := promtest.ToFloat64(e.Metrics.passes); got != 2 {
		t.Errorf("passes counter = %v", got)
	}

	spans := rec.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(spans))
	}
	var ids []string
	for _, s := range spans {
		for _, kv := range s.Attributes() {
			if kv.Key == "dist.id" {
				ids = append(ids, kv.Value.AsString())
			}
		}
	}
	if !slices.Equal(ids, []string{"bin", "ports", "ports"}) {
		t.Errorf("span ids = %v", ids)
	}
}

func TestProgress_Rate(t *testing.T) {
	t.Parallel()

	if r := (Progress{Bytes: 100}).Rate(); r != 0 {
		t.Errorf("Rate with no elapsed time = %v", r)
	}
	if r := (Progress{Bytes: 2048, Elapsed: 2e9}).Rate(); r != 1024 {
		t.Errorf("Rate = %v, want 1024", r)
	}
}
