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

	"github.com/docker/go-units"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/sysinst/sysinst/internal/cmdqueue"
	"github.com/sysinst/sysinst/internal/config"
	"github.com/sysinst/sysinst/internal/dist"
	"github.com/sysinst/sysinst/internal/issue"
	"github.com/sysinst/sysinst/internal/pipeline"
	"github.com/sysinst/sysinst/internal/receipt"
)

const (
	afterInstallKey = "after-install"
	receiptKey      = "receipt"
)

var errUnknownDist = errors.New("unknown distribution")

type (
	distOptions struct {
		tree        string
		all         bool
		receipt     bool
		metricsFile string
	}

	// progressLog logs once per distribution piece.
	progressLog struct {
		id    string
		piece int
	}
)

func newDistsCommand(app *App) *cobra.Command {
	var opts distOptions

	distsCmd := &cobra.Command{
		Use:   "dists",
		Short: "List and install distribution sets",
		Long: `List and install distribution sets.

The built-in tree describes a standard release. --tree replaces it with a
CUE file listing the distributions, for example:

  dists: [
    {name: "base"},
    {name: "src", dir: "/usr/src", children: [{name: "sbase"}, {name: "ssys"}]},
  ]`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	distsCmd.PersistentFlags().StringVar(&opts.tree, "tree", "", "read the distribution tree from this CUE file")

	distsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the distribution tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadTree(opts.tree)
			if err != nil {
				return app.fail(err)
			}
			listDists(app.stdout, tree)
			return nil
		},
	})

	installCmd := &cobra.Command{
		Use:   "install [ids...]",
		Short: "Install distribution sets below the target root",
		Long: `Install distribution sets below the target root.

Selecting a group such as "src" selects all of its members. Distributions
missing from the media are retried on later passes, up to install.max_passes.
Commands listed in install.after_install run once everything installed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.installDists(cmd.Context(), args, opts)
		},
	}
	installCmd.Flags().BoolVar(&opts.all, "all", false, "install every distribution")
	installCmd.Flags().BoolVar(&opts.receipt, "receipt", false, "write an install receipt below the target root")
	installCmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file (textfile collector format)")
	distsCmd.AddCommand(installCmd)

	return distsCmd
}

// loadTree reads the tree file at path, or returns the built-in tree.
func loadTree(path string) ([]*dist.Node, error) {
	if path == "" {
		return dist.DefaultTree(), nil
	}
	tree, err := dist.LoadTree(path)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("load distribution tree").
			WithResource(path).
			WithSuggestion("Run 'sysinst dists --help' for the file format").
			Wrap(err).
			BuildError()
	}
	return tree, nil
}

func listDists(w io.Writer, tree []*dist.Node) {
	var walk func(nodes []*dist.Node, depth int)
	walk = func(nodes []*dist.Node, depth int) {
		for _, n := range nodes {
			line := strings.Repeat("  ", depth) + CmdStyle.Render(n.ID) + " " + VerboseStyle.Render(n.Dir)
			if n.Restricted {
				line += " " + WarningStyle.Render("(restricted)")
			}
			fmt.Fprintln(w, line)
			walk(n.Children, depth+1)
		}
	}
	walk(tree, 0)
}

func (a *App) installDists(ctx context.Context, ids []string, opts distOptions) error {
	cfg, err := a.config(ctx)
	if err != nil {
		return a.fail(err)
	}

	tree, err := loadTree(opts.tree)
	if err != nil {
		return a.fail(err)
	}
	sel, err := selectDists(tree, ids, opts.all)
	if err != nil {
		return a.fail(err)
	}

	session, err := a.openSession(cfg)
	if err != nil {
		return a.fail(err)
	}
	defer closeSession(ctx, session)

	reg := prometheus.NewRegistry()
	progress := &progressLog{piece: -1}
	ex := &dist.Extractor{
		Source:    session,
		Pipelines: pipeline.New(cfg.Install),
		Root:      cfg.Install.Root,
		MaxPasses: cfg.Install.MaxPasses,
		Progress:  progress.update,
		Metrics:   dist.NewMetrics(reg),
	}

	rec := &receipt.Receipt{
		Started: time.Now().UTC(),
		Media:   cfg.Media.Type.String(),
		Release: cfg.Media.Release,
		Root:    cfg.Install.Root,
	}
	rep, runErr := ex.Run(ctx, tree, sel)
	rec.Finished = time.Now().UTC()
	fillDistReceipt(rec, rep)

	renderDistReport(a.stdout, rep, a.verbose)

	q, err := a.afterInstallQueue(cfg, rec, runErr == nil && rep.OK(), opts.receipt)
	if err != nil {
		return a.fail(err)
	}
	qErr := q.Execute(ctx)

	if opts.metricsFile != "" {
		if err := prometheus.WriteToTextfile(opts.metricsFile, reg); err != nil {
			slog.Warn("failed to write metrics", "path", opts.metricsFile, "error", err)
		}
	}

	switch {
	case runErr != nil:
		return a.fail(runErr)
	case qErr != nil:
		return qErr
	case !rep.OK():
		renderIssue(a.stderr, issue.DistributionFailedId)
		missing := len(rep.IDs(dist.OutcomePending)) + len(rep.IDs(dist.OutcomeFailed))
		return &ExitError{Code: ExitIncomplete, Err: fmt.Errorf("%d distribution(s) not installed", missing)}
	}
	return nil
}

func selectDists(tree []*dist.Node, ids []string, all bool) (*dist.Selection, error) {
	if all {
		return dist.SelectAll(tree), nil
	}
	if len(ids) == 0 {
		return nil, issue.NewErrorContext().
			WithOperation("select distributions").
			WithSuggestion("Name the distributions to install, or pass --all").
			Wrap(errors.New("nothing selected")).
			BuildError()
	}
	sel, unknown := dist.Select(tree, ids...)
	if len(unknown) > 0 {
		return nil, issue.NewErrorContext().
			WithOperation("select distributions").
			WithResource(strings.Join(unknown, ", ")).
			WithSuggestion("Run 'sysinst dists list' to see valid ids").
			Wrap(errUnknownDist).
			BuildError()
	}
	return sel, nil
}

// afterInstallQueue queues the configured after-install commands when ok and
// the receipt when requested. Keys sort so the receipt is written last.
func (a *App) afterInstallQueue(cfg *config.Config, rec *receipt.Receipt, ok, writeReceipt bool) (*cmdqueue.Queue, error) {
	q := cmdqueue.New()
	q.Dir = cfg.Install.Root
	q.Stdout = a.stdout
	q.Stderr = a.stderr

	if ok {
		for _, line := range cfg.Install.AfterInstall {
			if err := q.Add(afterInstallKey, line); err != nil {
				return nil, err
			}
		}
	}
	if writeReceipt {
		err := q.AddFunc(receiptKey, func(_ context.Context, _ string, data any) error {
			r := data.(*receipt.Receipt)
			path := receipt.Path(r.Root)
			if err := receipt.Write(path, r); err != nil {
				return err
			}
			slog.Info("receipt written", "path", path)
			return nil
		}, rec)
		if err != nil {
			return nil, err
		}
	}
	return q, nil
}

func fillDistReceipt(rec *receipt.Receipt, rep *dist.Report) {
	rec.Passes = rep.Passes
	rec.Distributions.Installed = rep.IDs(dist.OutcomeInstalled)
	rec.Distributions.Pending = rep.IDs(dist.OutcomePending)
	for _, id := range rep.IDs(dist.OutcomeFailed) {
		res, _ := rep.Result(id)
		rec.Distributions.Fail(id, res.Err)
	}
	rec.Warnings = append(rec.Warnings, rep.Warnings...)
}

func renderDistReport(w io.Writer, rep *dist.Report, verbose bool) {
	fmt.Fprintln(w, TitleStyle.Render("Distributions")+SubtitleStyle.Render(fmt.Sprintf(" (passes: %d)", rep.Passes)))
	for _, res := range rep.Results {
		switch {
		case res.Warning:
			fmt.Fprintf(w, "  %s %s %s\n", WarningStyle.Render("!"), CmdStyle.Render(res.ID), SubtitleStyle.Render("skipped"))
		case res.Outcome == dist.OutcomeInstalled:
			size := ""
			if res.Bytes > 0 {
				size = " " + VerboseStyle.Render(units.BytesSize(float64(res.Bytes)))
			}
			fmt.Fprintf(w, "  %s %s%s\n", SuccessStyle.Render("✓"), CmdStyle.Render(res.ID), size)
		case res.Outcome == dist.OutcomePending:
			fmt.Fprintf(w, "  %s %s %s\n", WarningStyle.Render("…"), CmdStyle.Render(res.ID), WarningStyle.Render("not found on media"))
		default:
			msg := "failed"
			if res.Err != nil {
				msg = formatErrorForDisplay(res.Err, verbose)
			}
			fmt.Fprintf(w, "  %s %s %s\n", ErrorStyle.Render("✗"), CmdStyle.Render(res.ID), msg)
		}
	}
	for _, warning := range rep.Warnings {
		fmt.Fprintln(w, WarningStyle.Render("Warning: ")+warning)
	}
}

func (p *progressLog) update(pr dist.Progress) {
	if pr.ID == p.id && pr.Piece == p.piece {
		return
	}
	p.id, p.piece = pr.ID, pr.Piece

	args := []any{
		"dist", pr.ID,
		"bytes", units.BytesSize(float64(pr.Bytes)),
		"rate", units.BytesSize(pr.Rate()) + "/s",
	}
	if pr.Pieces > 0 {
		args = append(args, "piece", fmt.Sprintf("%d/%d", pr.Piece+1, pr.Pieces))
	}
	slog.Debug("extracting", args...)
}
