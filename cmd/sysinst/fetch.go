// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sysinst/sysinst/internal/issue"
)

type fetchOptions struct {
	probe  bool
	output string
}

func newFetchCommand(app *App) *cobra.Command {
	var opts fetchOptions
	fetchCmd := &cobra.Command{
		Use:   "fetch <path>",
		Short: "Copy one file from the installation media",
		Long: `Copy one file from the configured installation media to stdout or a file.

The path is relative to the media root; the usual release and dists
directories are tried in turn. With --probe a missing file exits with
status 2 and no diagnostics.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.fetch(cmd.Context(), args[0], opts)
		},
	}
	fetchCmd.Flags().BoolVar(&opts.probe, "probe", false, "only check for the file; a miss is not an error")
	fetchCmd.Flags().StringVarP(&opts.output, "output", "o", "", "write to this file instead of stdout")
	return fetchCmd
}

func (a *App) fetch(ctx context.Context, file string, opts fetchOptions) error {
	cfg, err := a.config(ctx)
	if err != nil {
		return a.fail(err)
	}
	session, err := a.openSession(cfg)
	if err != nil {
		return a.fail(err)
	}
	defer closeSession(ctx, session)

	rc, err := session.Fetch(ctx, file, opts.probe)
	if err != nil {
		if opts.probe && issue.IsNotFound(err) {
			return &ExitError{Code: ExitIncomplete}
		}
		return a.fail(err)
	}
	defer func() { _ = rc.Close() }()

	if opts.probe {
		fmt.Fprintf(a.stdout, "%s %s\n", SuccessStyle.Render("✓"), file)
		return nil
	}

	if opts.output == "" {
		if _, err := io.Copy(a.stdout, rc); err != nil {
			return issue.New(issue.KindIO, "fetch", file, err)
		}
		return nil
	}

	f, err := os.Create(opts.output)
	if err != nil {
		return a.fail(err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		return issue.New(issue.KindIO, "fetch", file, err)
	}
	return f.Close()
}
