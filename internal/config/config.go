// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sysinst/sysinst/internal/issue"
	"github.com/sysinst/sysinst/pkg/cueutil"

	"github.com/spf13/viper"
)

const (
	// AppName is the application name.
	AppName = "sysinst"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment variable overrides, e.g. SYSINST_MEDIA_TYPE.
	EnvPrefix = "SYSINST"

	maxConfigFileSize int64 = 1 << 20
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the sysinst configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// Path returns the config file path inside ConfigDir.
func Path() (string, error) {
	cfgDir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt), nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("media.type", d.Media.Type)
	v.SetDefault("media.device", d.Media.Device)
	v.SetDefault("media.mountpoint", d.Media.Mountpoint)
	v.SetDefault("media.fstype", d.Media.FSType)
	v.SetDefault("media.release", d.Media.Release)
	v.SetDefault("media.arch", d.Media.Arch)
	v.SetDefault("ftp.host", d.FTP.Host)
	v.SetDefault("ftp.port", d.FTP.Port)
	v.SetDefault("ftp.user", d.FTP.User)
	v.SetDefault("ftp.password", d.FTP.Password)
	v.SetDefault("ftp.passive", d.FTP.Passive)
	v.SetDefault("ftp.dir", d.FTP.Dir)
	v.SetDefault("ftp.timeout", d.FTP.Timeout)
	v.SetDefault("nfs.host", d.NFS.Host)
	v.SetDefault("nfs.path", d.NFS.Path)
	v.SetDefault("nfs.slow", d.NFS.Slow)
	v.SetDefault("nfs.secure", d.NFS.Secure)
	v.SetDefault("http.proxy", d.HTTP.Proxy)
	v.SetDefault("http.url", d.HTTP.URL)
	v.SetDefault("tape.device", d.Tape.Device)
	v.SetDefault("tape.scratch_dir", d.Tape.ScratchDir)
	v.SetDefault("tape.extract_cmd", d.Tape.ExtractCmd)
	v.SetDefault("s3.endpoint", d.S3.Endpoint)
	v.SetDefault("s3.bucket", d.S3.Bucket)
	v.SetDefault("s3.region", d.S3.Region)
	v.SetDefault("s3.prefix", d.S3.Prefix)
	v.SetDefault("install.root", d.Install.Root)
	v.SetDefault("install.max_passes", d.Install.MaxPasses)
	v.SetDefault("install.pipeline", d.Install.Pipeline)
	v.SetDefault("install.decompress_cmd", d.Install.DecompressCmd)
	v.SetDefault("install.unarchive_cmd", d.Install.UnarchiveCmd)
	v.SetDefault("install.package_tool", d.Install.PackageTool)
	v.SetDefault("install.package_tool_pty", d.Install.PackageToolPTY)
	v.SetDefault("install.after_install", d.Install.AfterInstall)
	v.SetDefault("ui.verbose", d.UI.Verbose)
}

// loadWithOptions performs option-driven config loading without mutating
// package-level state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	resolvedPath := ""

	if opts.ConfigFilePath != "" {
		if !fileExists(opts.ConfigFilePath) {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(opts.ConfigFilePath).
				WithSuggestion("Verify the file path is correct").
				WithSuggestion("Use 'sysinst config show' to see the default configuration").
				Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
				BuildError()
		}
		if err := loadCUEIntoViper(v, opts.ConfigFilePath); err != nil {
			return nil, "", loadError(opts.ConfigFilePath, err)
		}
		resolvedPath = opts.ConfigFilePath
	} else {
		cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
		if err != nil {
			return nil, "", err
		}

		candidates := []string{
			filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt),
			ConfigFileName + "." + ConfigFileExt,
		}
		for _, p := range candidates {
			if !fileExists(p) {
				continue
			}
			if err := loadCUEIntoViper(v, p); err != nil {
				return nil, "", loadError(p, err)
			}
			resolvedPath = p
			break
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	if valid, errs := cfg.IsValid(); !valid {
		var cause error = errs[0]
		ctxErr := issue.NewErrorContext().
			WithOperation("validate configuration").
			WithResource(resolvedPath)
		var invalid *InvalidConfigError
		if errors.As(cause, &invalid) {
			for _, fe := range invalid.FieldErrors {
				ctxErr = ctxErr.WithSuggestion(fe.Error())
			}
		}
		return nil, "", ctxErr.Wrap(cause).BuildError()
	}

	return &cfg, resolvedPath, nil
}

func loadError(path string, err error) error {
	return issue.NewErrorContext().
		WithOperation("load configuration").
		WithResource(path).
		WithSuggestion("Check that the file contains valid CUE syntax").
		WithSuggestion("Verify the configuration values match the expected schema").
		WithSuggestion("See 'sysinst config --help' for configuration options").
		Wrap(err).
		BuildError()
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}
	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper. Config fields are optional, so the
// document is validated non-concretely and decoded into a map.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	res, err := cueutil.ParseAndDecodeString[map[string]any](configSchema, data, "#Config",
		cueutil.WithFilename(path),
		cueutil.WithConcrete(false),
		cueutil.WithMaxFileSize(maxConfigFileSize),
	)
	if err != nil {
		return err
	}

	if err := v.MergeConfigMap(*res.Value); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default config file unless one already exists.
// It returns the path of the file.
func CreateDefaultConfig() (string, error) {
	cfgPath, err := Path()
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(cfgPath); err == nil {
		return cfgPath, nil
	}
	return cfgPath, write(cfgPath, DefaultConfig())
}

// Save writes cfg to the config file.
func Save(cfg *Config) error {
	cfgPath, err := Path()
	if err != nil {
		return err
	}
	return write(cfgPath, cfg)
}

func write(cfgPath string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(cfgPath, []byte(GenerateCUE(cfg)), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GenerateCUE renders cfg as a CUE document accepted by the schema.
// Empty strings are omitted.
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// sysinst configuration file\n\n")

	w := cueWriter{sb: &sb}

	w.open("media")
	w.str("type", string(cfg.Media.Type))
	w.str("device", cfg.Media.Device)
	w.str("mountpoint", cfg.Media.Mountpoint)
	w.str("fstype", cfg.Media.FSType)
	w.str("release", cfg.Media.Release)
	w.str("arch", cfg.Media.Arch)
	w.close()

	w.open("ftp")
	w.str("host", cfg.FTP.Host)
	if cfg.FTP.Port != 0 {
		w.raw("port", fmt.Sprintf("%d", cfg.FTP.Port))
	}
	w.str("user", cfg.FTP.User)
	w.str("password", cfg.FTP.Password)
	w.raw("passive", fmt.Sprintf("%v", cfg.FTP.Passive))
	w.str("dir", cfg.FTP.Dir)
	w.str("timeout", cfg.FTP.Timeout)
	w.close()

	w.open("nfs")
	w.str("host", cfg.NFS.Host)
	w.str("path", cfg.NFS.Path)
	w.raw("slow", fmt.Sprintf("%v", cfg.NFS.Slow))
	w.raw("secure", fmt.Sprintf("%v", cfg.NFS.Secure))
	w.close()

	w.open("http")
	w.str("proxy", cfg.HTTP.Proxy)
	w.str("url", cfg.HTTP.URL)
	w.close()

	w.open("tape")
	w.str("device", cfg.Tape.Device)
	w.str("scratch_dir", cfg.Tape.ScratchDir)
	w.list("extract_cmd", cfg.Tape.ExtractCmd)
	w.close()

	w.open("s3")
	w.str("endpoint", cfg.S3.Endpoint)
	w.str("bucket", cfg.S3.Bucket)
	w.str("region", cfg.S3.Region)
	w.str("prefix", cfg.S3.Prefix)
	w.close()

	w.open("install")
	w.str("root", cfg.Install.Root)
	if cfg.Install.MaxPasses > 0 {
		w.raw("max_passes", fmt.Sprintf("%d", cfg.Install.MaxPasses))
	}
	w.str("pipeline", string(cfg.Install.Pipeline))
	w.list("decompress_cmd", cfg.Install.DecompressCmd)
	w.list("unarchive_cmd", cfg.Install.UnarchiveCmd)
	w.list("package_tool", cfg.Install.PackageTool)
	w.raw("package_tool_pty", fmt.Sprintf("%v", cfg.Install.PackageToolPTY))
	w.list("after_install", cfg.Install.AfterInstall)
	w.close()

	w.open("ui")
	w.raw("verbose", fmt.Sprintf("%v", cfg.UI.Verbose))
	w.close()

	return sb.String()
}

type cueWriter struct {
	sb *strings.Builder
}

func (w cueWriter) open(name string) { fmt.Fprintf(w.sb, "%s: {\n", name) }
func (w cueWriter) close()           { w.sb.WriteString("}\n\n") }

func (w cueWriter) raw(key, value string) { fmt.Fprintf(w.sb, "\t%s: %s\n", key, value) }

func (w cueWriter) str(key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(w.sb, "\t%s: %q\n", key, value)
}

func (w cueWriter) list(key string, values []string) {
	if len(values) == 0 {
		return
	}
	quoted := make([]string, len(values))
	for i, s := range values {
		quoted[i] = fmt.Sprintf("%q", s)
	}
	fmt.Fprintf(w.sb, "\t%s: [%s]\n", key, strings.Join(quoted, ", "))
}
