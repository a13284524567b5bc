// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/sysinst/sysinst/internal/config"
	"github.com/sysinst/sysinst/internal/media"
	"github.com/sysinst/sysinst/internal/pkgindex"
)

type (
	// ConfigProvider loads configuration for a command.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// SourceFactory builds the installation medium described by cfg.
	SourceFactory func(cfg *config.Config) (media.Source, error)

	// ToolFactory builds the package tool described by cfg. Tool output goes to out.
	ToolFactory func(cfg *config.Config, out io.Writer) pkgindex.Tool

	// Dependencies are the injectable parts of App. Nil fields get defaults.
	Dependencies struct {
		Config  ConfigProvider
		Sources SourceFactory
		Tools   ToolFactory
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// App is the composition root shared by every command.
	App struct {
		Config  ConfigProvider
		Sources SourceFactory
		Tools   ToolFactory

		stdout io.Writer
		stderr io.Writer

		// Persistent flag values.
		verbose    bool
		configPath string

		loadOnce sync.Once
		cfg      *config.Config
		cfgErr   error
	}
)

// NewApp creates an App with defaults for omitted dependencies.
func NewApp(deps Dependencies) (*App, error) {
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	if deps.Config == nil {
		deps.Config = config.NewProvider()
	}
	if deps.Sources == nil {
		deps.Sources = func(cfg *config.Config) (media.Source, error) {
			return media.New(cfg)
		}
	}
	if deps.Tools == nil {
		deps.Tools = func(cfg *config.Config, out io.Writer) pkgindex.Tool {
			return pkgindex.ExecTool{
				Command: cfg.Install.PackageTool,
				Dir:     cfg.Install.Root,
				PTY:     cfg.Install.PackageToolPTY,
				Output:  out,
			}
		}
	}

	return &App{
		Config:  deps.Config,
		Sources: deps.Sources,
		Tools:   deps.Tools,
		stdout:  deps.Stdout,
		stderr:  deps.Stderr,
	}, nil
}

// config loads the configuration once per App, honouring --config.
func (a *App) config(ctx context.Context) (*config.Config, error) {
	a.loadOnce.Do(func() {
		a.cfg, a.cfgErr = a.Config.Load(ctx, config.LoadOptions{ConfigFilePath: a.configPath})
	})
	return a.cfg, a.cfgErr
}

// setupLogging installs a charmbracelet logger as the slog default. Debug
// output is enabled by --verbose or ui.verbose.
func (a *App) setupLogging(ctx context.Context) {
	verbose := a.verbose
	if !verbose {
		if cfg, err := a.config(ctx); err == nil {
			verbose = cfg.UI.Verbose
		}
	}

	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(a.stderr, log.Options{
		Prefix: "sysinst",
		Level:  level,
	})
	slog.SetDefault(slog.New(logger))
}

// openSession builds the configured medium and wraps it in a Session.
func (a *App) openSession(cfg *config.Config) (*media.Session, error) {
	src, err := a.Sources(cfg)
	if err != nil {
		return nil, err
	}
	return media.NewSession(src), nil
}

// closeSession shuts the medium down even when ctx is already cancelled.
func closeSession(ctx context.Context, s *media.Session) {
	if err := s.Shutdown(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("media shutdown failed", "error", err)
	}
}
