// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sysinst/sysinst/internal/config"
)

// newConfigCommand creates the `sysinst config` command tree.
func newConfigCommand(app *App) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sysinst configuration",
		Long: `Manage sysinst configuration.

Configuration is stored in:
  - Linux: ~/.config/sysinst/config.cue
  - macOS: ~/Library/Application Support/sysinst/config.cue
  - Windows: %APPDATA%\sysinst\config.cue

Every setting can be overridden from the environment, e.g. SYSINST_MEDIA_TYPE=ftp.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfig(cmd.Context(), app)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(app.stdout)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showConfigPath(app.stdout)
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "dump",
		Short: "Output raw configuration as CUE",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.config(cmd.Context())
			if err != nil {
				return app.fail(err)
			}
			fmt.Fprint(app.stdout, config.GenerateCUE(cfg))
			return nil
		},
	})

	return cfgCmd
}

func showConfig(ctx context.Context, app *App) error {
	cfg, err := app.config(ctx)
	if err != nil {
		return app.fail(err)
	}

	w := app.stdout
	keyStyle := CmdStyle
	valueStyle := SuccessStyle
	kv := func(key string, value any) {
		fmt.Fprintf(w, "  %s: %s\n", key, valueStyle.Render(fmt.Sprint(value)))
	}

	fmt.Fprintln(w, TitleStyle.Render("Current Configuration"))
	fmt.Fprintln(w)

	source := SubtitleStyle.Render("(using defaults)")
	if app.configPath != "" {
		source = app.configPath
	} else if cfgPath, err := config.Path(); err == nil && fileExistsCheck(cfgPath) {
		source = cfgPath
	}
	fmt.Fprintf(w, "%s: %s\n\n", keyStyle.Render("Config file"), source)

	fmt.Fprintf(w, "%s:\n", keyStyle.Render("media"))
	kv("type", cfg.Media.Type)
	kv("device", orNone(cfg.Media.Device))
	kv("mountpoint", orNone(cfg.Media.Mountpoint))
	kv("release", orNone(cfg.Media.Release))
	kv("arch", orNone(cfg.Media.Arch))

	switch cfg.Media.Type {
	case config.MediaFTP:
		fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("ftp"))
		kv("host", cfg.FTP.Host)
		kv("port", cfg.FTP.Port)
		kv("user", cfg.FTP.User)
		kv("passive", cfg.FTP.Passive)
		kv("timeout", cfg.FTP.Timeout)
	case config.MediaNFS:
		fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("nfs"))
		kv("host", cfg.NFS.Host)
		kv("path", cfg.NFS.Path)
	case config.MediaHTTP:
		fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("http"))
		kv("proxy", cfg.HTTP.Proxy)
		kv("url", cfg.HTTP.URL)
	case config.MediaTape:
		fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("tape"))
		kv("device", cfg.Tape.Device)
		kv("scratch_dir", cfg.Tape.ScratchDir)
	case config.MediaS3:
		fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("s3"))
		kv("endpoint", orNone(cfg.S3.Endpoint))
		kv("bucket", cfg.S3.Bucket)
		kv("prefix", orNone(cfg.S3.Prefix))
	}

	fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("install"))
	kv("root", cfg.Install.Root)
	kv("max_passes", cfg.Install.MaxPasses)
	kv("pipeline", cfg.Install.Pipeline)
	kv("package_tool", orNone(strings.Join(cfg.Install.PackageTool, " ")))
	kv("after_install", len(cfg.Install.AfterInstall))

	fmt.Fprintf(w, "\n%s:\n", keyStyle.Render("ui"))
	kv("verbose", cfg.UI.Verbose)
	return nil
}

func initConfig(w io.Writer) error {
	cfgPath, err := config.CreateDefaultConfig()
	if err != nil {
		return fmt.Errorf("failed to create config: %w", err)
	}
	fmt.Fprintf(w, "%s Configuration at %s\n", SuccessStyle.Render("✓"), cfgPath)
	return nil
}

func showConfigPath(w io.Writer) error {
	cfgDir, err := config.ConfigDir()
	if err != nil {
		return err
	}
	cfgPath, err := config.Path()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Config directory: %s\n", cfgDir)
	fmt.Fprintf(w, "Config file: %s\n", cfgPath)
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// fileExistsCheck checks if a file exists and is not a directory.
func fileExistsCheck(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}
