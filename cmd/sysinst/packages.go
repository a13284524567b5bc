// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sysinst/sysinst/internal/config"
	"github.com/sysinst/sysinst/internal/media"
	"github.com/sysinst/sysinst/internal/pkgindex"
	"github.com/sysinst/sysinst/internal/receipt"
)

type packageOptions struct {
	index       string
	receipt     bool
	metricsFile string
}

func newPackagesCommand(app *App) *cobra.Command {
	var opts packageOptions

	pkgCmd := &cobra.Command{
		Use:   "packages",
		Short: "Search and install packages",
		Long: `Search and install packages.

The package index is read from ` + pkgindex.IndexFile + ` on the installation
media unless --index names a local copy.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	pkgCmd.PersistentFlags().StringVar(&opts.index, "index", "", "read the package index from this file")

	pkgCmd.AddCommand(&cobra.Command{
		Use:   "search <substring>",
		Short: "List packages whose name contains substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.searchPackages(cmd.Context(), args[0], opts)
		},
	})

	installCmd := &cobra.Command{
		Use:   "install <names...>",
		Short: "Install packages and their run-time dependencies",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.installPackages(cmd.Context(), args, opts)
		},
	}
	installCmd.Flags().BoolVar(&opts.receipt, "receipt", false, "record installed packages in the receipt below the target root")
	installCmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file (textfile collector format)")
	pkgCmd.AddCommand(installCmd)

	return pkgCmd
}

// loadIndex reads the index from path, or from the media when path is empty.
func loadIndex(ctx context.Context, session *media.Session, path string) (*pkgindex.Index, error) {
	if path != "" {
		return pkgindex.ParseFile(path)
	}
	rc, err := session.Fetch(ctx, pkgindex.IndexFile, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return pkgindex.Parse(rc)
}

func (a *App) searchPackages(ctx context.Context, substr string, opts packageOptions) error {
	var session *media.Session
	if opts.index == "" {
		cfg, err := a.config(ctx)
		if err != nil {
			return a.fail(err)
		}
		if session, err = a.openSession(cfg); err != nil {
			return a.fail(err)
		}
		defer closeSession(ctx, session)
	}

	ix, err := loadIndex(ctx, session, opts.index)
	if err != nil {
		return a.fail(err)
	}

	found := ix.Search(substr)
	if len(found) == 0 {
		fmt.Fprintln(a.stdout, SubtitleStyle.Render("no packages match "+substr))
		return nil
	}
	for _, p := range found {
		fmt.Fprintf(a.stdout, "%s %s %s\n",
			CmdStyle.Render(p.Name),
			p.Comment,
			VerboseStyle.Render("["+strings.Join(p.Categories, " ")+"]"))
	}
	return nil
}

func (a *App) installPackages(ctx context.Context, names []string, opts packageOptions) error {
	cfg, err := a.config(ctx)
	if err != nil {
		return a.fail(err)
	}
	session, err := a.openSession(cfg)
	if err != nil {
		return a.fail(err)
	}
	defer closeSession(ctx, session)

	ix, err := loadIndex(ctx, session, opts.index)
	if err != nil {
		return a.fail(err)
	}
	for _, name := range names {
		if err := ix.Select(name); err != nil {
			return a.fail(err)
		}
	}

	reg := prometheus.NewRegistry()
	in := pkgindex.NewInstaller(ix, session, a.Tools(cfg, a.stdout))
	in.Metrics = pkgindex.NewMetrics(reg)
	in.OnEvent = func(ev pkgindex.Event) { renderPackageEvent(a.stdout, ev) }

	results := in.InstallSelected(ctx)

	if opts.receipt {
		if err := recordPackages(cfg, in, results); err != nil {
			slog.Warn("failed to update receipt", "error", err)
		}
	}
	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, reg); err != nil {
			slog.Warn("failed to write metrics", "path", opts.metricsFile, "error", err)
		}
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	renderIssue(a.stderr, issueFor(errs[0]))
	return &ExitError{Code: ExitIncomplete, Err: errors.Join(errs...)}
}

func renderPackageEvent(w io.Writer, ev pkgindex.Event) {
	role := ""
	if ev.Dependency {
		role = " " + SubtitleStyle.Render("(dependency)")
	}
	if ev.Err != nil {
		fmt.Fprintf(w, "%s %s%s %s\n", ErrorStyle.Render("✗"), CmdStyle.Render(ev.Name), role, ev.Err)
		return
	}
	fmt.Fprintf(w, "%s %s%s\n", SuccessStyle.Render("✓"), CmdStyle.Render(ev.Name), role)
}

// recordPackages merges this run's packages into the receipt below the target root.
func recordPackages(cfg *config.Config, in *pkgindex.Installer, results []pkgindex.Result) error {
	path := receipt.Path(cfg.Install.Root)
	rec, err := receipt.Read(path)
	if err != nil {
		rec = &receipt.Receipt{
			Started: time.Now().UTC(),
			Media:   cfg.Media.Type.String(),
			Release: cfg.Media.Release,
			Root:    cfg.Install.Root,
		}
	}
	rec.Finished = time.Now().UTC()
	rec.Packages.Installed = append(rec.Packages.Installed, in.Installed()...)
	for _, r := range results {
		if r.Err != nil {
			rec.Packages.Fail(r.Name, r.Err)
		}
	}
	return receipt.Write(path, rec)
}
