// SPDX-License-Identifier: MPL-2.0

package pkgindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sysinst/sysinst/internal/dag"
	"github.com/sysinst/sysinst/internal/issue"
)

// TracerName names the tracer used for package install spans.
const TracerName = "github.com/sysinst/sysinst/internal/pkgindex"

const (
	// ArchiveDir is where package archives live on the media.
	ArchiveDir = "packages/All"
	// IndexFile is the package index on the media.
	IndexFile = "packages/INDEX"
)

type (
	// Fetcher opens files on the installation media. *media.Session implements it.
	Fetcher interface {
		Fetch(ctx context.Context, file string, probe bool) (io.ReadCloser, error)
	}

	// DependencyError reports a package that was not installed because one of
	// its dependencies is missing from the index or failed to install.
	DependencyError struct {
		Package string
		Missing []string
		Failed  []string
	}

	// Event describes one package install attempt.
	Event struct {
		Name string
		// Dependency is set when the package is installed on behalf of another.
		Dependency bool
		Err        error
	}

	// Result is the outcome of installing one selected package.
	Result struct {
		Name string
		Err  error
	}

	// Installer installs packages and their run-time dependencies. Packages
	// installed through one Installer are never installed twice.
	Installer struct {
		Index  *Index
		Source Fetcher
		Tool   Tool
		// OnEvent, when set, is called after every install attempt.
		OnEvent func(Event)
		Metrics *Metrics
		Tracer  trace.Tracer

		installed map[string]bool
		order     []string
	}

	// Metrics counts package installs. A nil *Metrics records nothing.
	Metrics struct {
		installs *prometheus.CounterVec
	}
)

func (e *DependencyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Failed) > 0 {
		parts = append(parts, "failed "+strings.Join(e.Failed, ", "))
	}
	return fmt.Sprintf("package %s: dependencies %s", e.Package, strings.Join(parts, "; "))
}

// NewMetrics registers the package counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		installs: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "sysinst",
			Subsystem: "packages",
			Name:      "installs_total",
			Help:      "Package install attempts, by role and result",
		}, []string{"role", "result"}),
	}
}

func (m *Metrics) observe(ev Event) {
	if m == nil {
		return
	}
	role, result := "selected", "ok"
	if ev.Dependency {
		role = "dependency"
	}
	if ev.Err != nil {
		result = "error"
	}
	m.installs.WithLabelValues(role, result).Inc()
}

// NewInstaller returns an Installer for packages listed in ix.
func NewInstaller(ix *Index, src Fetcher, tool Tool) *Installer {
	return &Installer{Index: ix, Source: src, Tool: tool}
}

// Installed returns the packages installed so far, in install order.
func (in *Installer) Installed() []string {
	return append([]string(nil), in.order...)
}

// IsInstalled reports whether name was installed through in.
func (in *Installer) IsInstalled(name string) bool {
	return in.installed[name]
}

// Install installs name after its run-time dependencies. A failure of name or
// of one of its dependencies is returned; it does not affect other packages.
func (in *Installer) Install(ctx context.Context, name string) error {
	if in.installed == nil {
		in.installed = make(map[string]bool)
	}
	if in.installed[name] {
		return nil
	}
	if in.Index.Lookup(name) == nil {
		return issue.New(issue.KindNotFound, "install", name, ErrUnknownPackage)
	}

	g, missing := in.resolve(name)
	order, err := g.TopologicalSort()
	if err != nil {
		return issue.New(issue.KindProtocol, "resolve", name, err)
	}

	failed := make(map[string]error)
	for _, pkg := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if in.installed[pkg] {
			continue
		}

		dep := &DependencyError{Package: pkg, Missing: missing[pkg]}
		for _, pre := range g.Prerequisites(pkg) {
			if failed[pre] != nil {
				dep.Failed = append(dep.Failed, pre)
			}
		}
		if len(dep.Missing) > 0 || len(dep.Failed) > 0 {
			failed[pkg] = dep
			in.report(Event{Name: pkg, Dependency: pkg != name, Err: dep})
			continue
		}

		if err := in.installOne(ctx, pkg, pkg != name); err != nil {
			failed[pkg] = err
			continue
		}
	}
	return failed[name]
}

// InstallSelected installs every selected package independently.
func (in *Installer) InstallSelected(ctx context.Context) []Result {
	results := make([]Result, 0, len(in.Index.Selected))
	for _, p := range in.Index.Selected {
		if ctx.Err() != nil {
			results = append(results, Result{Name: p.Name, Err: ctx.Err()})
			continue
		}
		results = append(results, Result{Name: p.Name, Err: in.Install(ctx, p.Name)})
	}
	return results
}

// resolve builds the dependency graph reachable from name. Dependencies that
// are not in the index are returned per dependent package.
func (in *Installer) resolve(name string) (*dag.Graph, map[string][]string) {
	g := dag.New()
	missing := make(map[string][]string)
	seen := make(map[string]bool)

	var walk func(string)
	walk = func(pkg string) {
		if seen[pkg] {
			return
		}
		seen[pkg] = true
		g.AddNode(pkg)
		for _, dep := range in.Index.Lookup(pkg).RunDeps {
			if in.Index.Lookup(dep) == nil {
				missing[pkg] = append(missing[pkg], dep)
				continue
			}
			g.AddEdge(dep, pkg)
			walk(dep)
		}
	}
	walk(name)
	return g, missing
}

func (in *Installer) installOne(ctx context.Context, name string, dependency bool) (err error) {
	tracer := in.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	ctx, span := tracer.Start(ctx, "pkgindex.install",
		trace.WithAttributes(
			attribute.String("package.name", name),
			attribute.Bool("package.dependency", dependency),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		in.report(Event{Name: name, Dependency: dependency, Err: err})
	}()

	archive := path.Join(ArchiveDir, name+".tgz")
	rc, err := in.Source.Fetch(ctx, archive, false)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := in.Tool.Install(ctx, name, rc); err != nil {
		return err
	}
	in.installed[name] = true
	in.order = append(in.order, name)
	return nil
}

func (in *Installer) report(ev Event) {
	switch {
	case ev.Err == nil:
		slog.Info("package installed", "name", ev.Name, "dependency", ev.Dependency)
	case errors.As(ev.Err, new(*DependencyError)):
		slog.Warn("package skipped", "name", ev.Name, "error", ev.Err)
	default:
		slog.Warn("package failed", "name", ev.Name, "error", ev.Err)
	}
	in.Metrics.observe(ev)
	if in.OnEvent != nil {
		in.OnEvent(ev)
	}
}
