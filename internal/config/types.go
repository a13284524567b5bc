// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MediaCDROM reads distributions from an ISO-9660 disc.
	MediaCDROM MediaType = "cdrom"
	// MediaFloppy reads distributions from a stack of floppies.
	MediaFloppy MediaType = "floppy"
	// MediaDOS reads distributions from a FAT partition.
	MediaDOS MediaType = "dos"
	// MediaUFS reads distributions from an existing UFS filesystem.
	MediaUFS MediaType = "ufs"
	// MediaTape extracts distributions from a tape drive.
	MediaTape MediaType = "tape"
	// MediaNFS mounts an NFS export holding the distributions.
	MediaNFS MediaType = "nfs"
	// MediaFTP downloads distributions from an FTP server.
	MediaFTP MediaType = "ftp"
	// MediaHTTP downloads distributions through an HTTP proxy.
	MediaHTTP MediaType = "http"
	// MediaS3 downloads distributions from an S3-compatible object-store mirror.
	MediaS3 MediaType = "s3"

	// PipelineExec unpacks through external decompressor and archiver processes.
	PipelineExec PipelineMode = "exec"
	// PipelineCodec unpacks in-process.
	PipelineCodec PipelineMode = "codec"

	// DefaultMaxPasses bounds how many extraction passes a run makes.
	DefaultMaxPasses = 3
)

var (
	// ErrInvalidMediaType is returned when a MediaType value is not recognized.
	ErrInvalidMediaType = errors.New("invalid media type")
	// ErrInvalidPipelineMode is returned when a PipelineMode value is not recognized.
	ErrInvalidPipelineMode = errors.New("invalid pipeline mode")
	// ErrInvalidFTPConfig is the sentinel error wrapped by InvalidFTPConfigError.
	ErrInvalidFTPConfig = errors.New("invalid ftp config")
	// ErrInvalidInstallConfig is the sentinel error wrapped by InvalidInstallConfigError.
	ErrInvalidInstallConfig = errors.New("invalid install config")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
	// ErrMissingSetting is returned when the selected medium lacks a required setting.
	ErrMissingSetting = errors.New("missing setting")
)

type (
	// MediaType selects the transport used to read distributions.
	MediaType string

	// InvalidMediaTypeError is returned when a MediaType value is not recognized.
	// It wraps ErrInvalidMediaType for errors.Is() compatibility.
	InvalidMediaTypeError struct {
		Value MediaType
	}

	// PipelineMode selects how distribution archives are unpacked.
	PipelineMode string

	// InvalidPipelineModeError is returned when a PipelineMode value is not recognized.
	InvalidPipelineModeError struct {
		Value PipelineMode
	}

	// MissingSettingError reports a setting the selected medium cannot work without.
	MissingSettingError struct {
		Media MediaType
		Key   string
	}

	// InvalidFTPConfigError collects field-level FTP validation errors.
	InvalidFTPConfigError struct {
		FieldErrors []error
	}

	// InvalidInstallConfigError collects field-level install validation errors.
	InvalidInstallConfigError struct {
		FieldErrors []error
	}

	// InvalidConfigError is returned when a Config has invalid fields.
	// It wraps ErrInvalidConfig for errors.Is() compatibility and collects
	// field-level validation errors from all sub-components.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the installer configuration.
	Config struct {
		Media   MediaConfig   `json:"media" mapstructure:"media"`
		FTP     FTPConfig     `json:"ftp" mapstructure:"ftp"`
		NFS     NFSConfig     `json:"nfs" mapstructure:"nfs"`
		HTTP    HTTPConfig    `json:"http" mapstructure:"http"`
		Tape    TapeConfig    `json:"tape" mapstructure:"tape"`
		S3      S3Config      `json:"s3" mapstructure:"s3"`
		Install InstallConfig `json:"install" mapstructure:"install"`
		UI      UIConfig      `json:"ui" mapstructure:"ui"`
	}

	// MediaConfig selects the installation medium.
	MediaConfig struct {
		Type MediaType `json:"type" mapstructure:"type"`
		// Device is the block device to mount. Empty means Mountpoint is
		// already a populated directory.
		Device     string `json:"device" mapstructure:"device"`
		Mountpoint string `json:"mountpoint" mapstructure:"mountpoint"`
		// FSType overrides the filesystem type passed to mount. Empty picks the
		// usual type for Type.
		FSType string `json:"fstype" mapstructure:"fstype"`
		// Release is the release name directories are probed under, e.g. "14.1-RELEASE".
		Release string `json:"release" mapstructure:"release"`
		Arch    string `json:"arch" mapstructure:"arch"`
	}

	// FTPConfig configures the FTP transport.
	FTPConfig struct {
		Host     string `json:"host" mapstructure:"host"`
		Port     int    `json:"port" mapstructure:"port"`
		User     string `json:"user" mapstructure:"user"`
		Password string `json:"password" mapstructure:"password"`
		// Passive selects PASV data connections; false uses PORT.
		Passive bool `json:"passive" mapstructure:"passive"`
		// Dir is the base directory on the server.
		Dir string `json:"dir" mapstructure:"dir"`
		// Timeout is a Go duration string applied to dials and control replies.
		Timeout string `json:"timeout" mapstructure:"timeout"`
	}

	// NFSConfig configures the NFS transport.
	NFSConfig struct {
		Host string `json:"host" mapstructure:"host"`
		Path string `json:"path" mapstructure:"path"`
		// Slow requests small transfer sizes for lossy links.
		Slow bool `json:"slow" mapstructure:"slow"`
		// Secure requires the client to use a privileged source port.
		Secure bool `json:"secure" mapstructure:"secure"`
	}

	// HTTPConfig configures fetching through an HTTP proxy.
	HTTPConfig struct {
		// Proxy is host:port of the proxy to connect to.
		Proxy string `json:"proxy" mapstructure:"proxy"`
		// URL is the base URL requested through the proxy (usually ftp://...).
		URL string `json:"url" mapstructure:"url"`
	}

	// TapeConfig configures the tape transport.
	TapeConfig struct {
		Device     string `json:"device" mapstructure:"device"`
		ScratchDir string `json:"scratch_dir" mapstructure:"scratch_dir"`
		// ExtractCmd runs in ScratchDir with Device appended as its last argument.
		ExtractCmd []string `json:"extract_cmd" mapstructure:"extract_cmd"`
	}

	// S3Config configures the object-store mirror transport.
	S3Config struct {
		// Endpoint overrides the service endpoint for S3-compatible mirrors.
		Endpoint string `json:"endpoint" mapstructure:"endpoint"`
		Bucket   string `json:"bucket" mapstructure:"bucket"`
		Region   string `json:"region" mapstructure:"region"`
		Prefix   string `json:"prefix" mapstructure:"prefix"`
	}

	// InstallConfig controls how fetched archives land on the target.
	InstallConfig struct {
		// Root is the target root every distribution directory is relative to.
		Root      string       `json:"root" mapstructure:"root"`
		MaxPasses int          `json:"max_passes" mapstructure:"max_passes"`
		Pipeline  PipelineMode `json:"pipeline" mapstructure:"pipeline"`
		// DecompressCmd and UnarchiveCmd are used by the exec pipeline.
		DecompressCmd []string `json:"decompress_cmd" mapstructure:"decompress_cmd"`
		UnarchiveCmd  []string `json:"unarchive_cmd" mapstructure:"unarchive_cmd"`
		// PackageTool receives a package archive on stdin.
		PackageTool    []string `json:"package_tool" mapstructure:"package_tool"`
		PackageToolPTY bool     `json:"package_tool_pty" mapstructure:"package_tool_pty"`
		// AfterInstall holds shell commands run in the target root once every
		// selected distribution is installed.
		AfterInstall []string `json:"after_install" mapstructure:"after_install"`
	}

	// UIConfig configures the user interface.
	UIConfig struct {
		// Verbose enables debug logging
		Verbose bool `json:"verbose" mapstructure:"verbose"`
	}
)

// String returns the string representation of the MediaType.
func (m MediaType) String() string { return string(m) }

// IsValid returns whether the MediaType is one of the defined media types,
// and a list of validation errors if it is not.
func (m MediaType) IsValid() (bool, []error) {
	switch m {
	case MediaCDROM, MediaFloppy, MediaDOS, MediaUFS, MediaTape, MediaNFS, MediaFTP, MediaHTTP, MediaS3:
		return true, nil
	default:
		return false, []error{&InvalidMediaTypeError{Value: m}}
	}
}

// Mounted reports whether the medium is read through a local mount.
func (m MediaType) Mounted() bool {
	switch m {
	case MediaCDROM, MediaFloppy, MediaDOS, MediaUFS:
		return true
	default:
		return false
	}
}

// Error implements the error interface for InvalidMediaTypeError.
func (e *InvalidMediaTypeError) Error() string {
	return fmt.Sprintf("invalid media type %q (valid: cdrom, floppy, dos, ufs, tape, nfs, ftp, http, s3)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidMediaTypeError) Unwrap() error { return ErrInvalidMediaType }

// String returns the string representation of the PipelineMode.
func (p PipelineMode) String() string { return string(p) }

// IsValid returns whether the PipelineMode is exec or codec.
func (p PipelineMode) IsValid() (bool, []error) {
	switch p {
	case PipelineExec, PipelineCodec:
		return true, nil
	default:
		return false, []error{&InvalidPipelineModeError{Value: p}}
	}
}

func (e *InvalidPipelineModeError) Error() string {
	return fmt.Sprintf("invalid pipeline mode %q (valid: exec, codec)", e.Value)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidPipelineModeError) Unwrap() error { return ErrInvalidPipelineMode }

func (e *MissingSettingError) Error() string {
	return fmt.Sprintf("media type %q requires %s to be set", e.Media, e.Key)
}

// Unwrap returns ErrMissingSetting for errors.Is() compatibility.
func (e *MissingSettingError) Unwrap() error { return ErrMissingSetting }

// TimeoutDuration parses Timeout. An empty value yields zero (no timeout).
func (c FTPConfig) TimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(c.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("ftp.timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("ftp.timeout: negative duration %s", d)
	}
	return d, nil
}

// IsValid returns whether the FTP settings are usable.
func (c FTPConfig) IsValid() (bool, []error) {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("ftp.port %d out of range", c.Port))
	}
	if _, err := c.TimeoutDuration(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return false, []error{&InvalidFTPConfigError{FieldErrors: errs}}
	}
	return true, nil
}

func (e *InvalidFTPConfigError) Error() string {
	return fmt.Sprintf("invalid ftp config: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidFTPConfig for errors.Is() compatibility.
func (e *InvalidFTPConfigError) Unwrap() error { return ErrInvalidFTPConfig }

// IsValid returns whether the install settings are usable.
func (c InstallConfig) IsValid() (bool, []error) {
	var errs []error
	if strings.TrimSpace(c.Root) == "" {
		errs = append(errs, errors.New("install.root must not be empty"))
	}
	if c.MaxPasses < 1 {
		errs = append(errs, fmt.Errorf("install.max_passes must be at least 1, got %d", c.MaxPasses))
	}
	if valid, fieldErrs := c.Pipeline.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if c.Pipeline == PipelineExec && (len(c.DecompressCmd) == 0 || len(c.UnarchiveCmd) == 0) {
		errs = append(errs, errors.New("exec pipeline requires install.decompress_cmd and install.unarchive_cmd"))
	}
	if len(errs) > 0 {
		return false, []error{&InvalidInstallConfigError{FieldErrors: errs}}
	}
	return true, nil
}

func (e *InvalidInstallConfigError) Error() string {
	return fmt.Sprintf("invalid install config: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidInstallConfig for errors.Is() compatibility.
func (e *InvalidInstallConfigError) Unwrap() error { return ErrInvalidInstallConfig }

// IsValid returns whether the Config has valid fields. Beyond per-section
// checks it requires the settings the selected medium depends on.
func (c Config) IsValid() (bool, []error) {
	var errs []error
	if valid, fieldErrs := c.Media.Type.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.FTP.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	if valid, fieldErrs := c.Install.IsValid(); !valid {
		errs = append(errs, fieldErrs...)
	}
	errs = append(errs, c.missingSettings()...)
	if len(errs) > 0 {
		return false, []error{&InvalidConfigError{FieldErrors: errs}}
	}
	return true, nil
}

func (c Config) missingSettings() []error {
	var errs []error
	need := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, &MissingSettingError{Media: c.Media.Type, Key: key})
		}
	}
	switch c.Media.Type {
	case MediaFTP:
		need(c.FTP.Host, "ftp.host")
	case MediaNFS:
		need(c.NFS.Host, "nfs.host")
		need(c.NFS.Path, "nfs.path")
	case MediaHTTP:
		need(c.HTTP.Proxy, "http.proxy")
		need(c.HTTP.URL, "http.url")
	case MediaTape:
		need(c.Tape.Device, "tape.device")
		need(c.Tape.ScratchDir, "tape.scratch_dir")
	case MediaS3:
		need(c.S3.Bucket, "s3.bucket")
	case MediaCDROM, MediaFloppy, MediaDOS, MediaUFS:
		need(c.Media.Mountpoint, "media.mountpoint")
	}
	return errs
}

// Error implements the error interface for InvalidConfigError.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %d field error(s)", len(e.FieldErrors))
}

// Unwrap returns ErrInvalidConfig for errors.Is() compatibility.
func (e *InvalidConfigError) Unwrap() error { return ErrInvalidConfig }

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Media: MediaConfig{
			Type:       MediaCDROM,
			Device:     "/dev/cd0",
			Mountpoint: "/dist",
			Release:    "14.1-RELEASE",
			Arch:       "amd64",
		},
		FTP: FTPConfig{
			Port:     21,
			User:     "anonymous",
			Password: "installer@",
			Passive:  true,
			Timeout:  "2m",
		},
		Tape: TapeConfig{
			Device:     "/dev/sa0",
			ScratchDir: "/var/tmp/sysinst-tape",
			ExtractCmd: []string{"tar", "-x", "-p", "-f"},
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Install: InstallConfig{
			Root:           "/",
			MaxPasses:      DefaultMaxPasses,
			Pipeline:       PipelineExec,
			DecompressCmd:  []string{"gunzip", "-c"},
			UnarchiveCmd:   []string{"tar", "--unlink", "-x", "-p", "-f", "-"},
			PackageTool:    []string{"pkg_add", "-"},
			PackageToolPTY: false,
		},
		UI: UIConfig{
			Verbose: false,
		},
	}
}
