// SPDX-License-Identifier: MPL-2.0

package media

import (
	"fmt"

	"github.com/sysinst/sysinst/internal/config"
)

type (
	// Option configures New.
	Option func(*options)

	options struct {
		mounter  Mounter
		chooser  ReleaseChooser
		s3Client S3API
	}
)

// WithMounter overrides the Mounter used by mounted media.
func WithMounter(m Mounter) Option {
	return func(o *options) { o.mounter = m }
}

// WithReleaseChooser sets the callback asked when an FTP server lacks the release.
func WithReleaseChooser(c ReleaseChooser) Option {
	return func(o *options) { o.chooser = c }
}

// WithS3Client overrides the client used by the s3 medium.
func WithS3Client(c S3API) Option {
	return func(o *options) { o.s3Client = c }
}

// defaultFSTypes maps mounted media to the filesystem usually found on them.
var defaultFSTypes = map[config.MediaType]string{
	config.MediaCDROM:  "cd9660",
	config.MediaFloppy: "msdosfs",
	config.MediaDOS:    "msdosfs",
	config.MediaUFS:    "ufs",
}

// New builds the Source selected by cfg.Media.Type.
func New(cfg *config.Config, opts ...Option) (Source, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.mounter == nil {
		o.mounter = SystemMounter()
	}

	m := cfg.Media
	switch m.Type {
	case config.MediaCDROM, config.MediaFloppy, config.MediaDOS, config.MediaUFS:
		fstype := m.FSType
		if fstype == "" {
			fstype = defaultFSTypes[m.Type]
		}
		return &Local{
			Kind:       string(m.Type),
			Device:     m.Device,
			Root:       m.Mountpoint,
			FSType:     fstype,
			Release:    m.Release,
			CheckLabel: m.Type == config.MediaCDROM,
			Mounter:    o.mounter,
		}, nil

	case config.MediaNFS:
		return NewNFS(cfg.NFS.Host, cfg.NFS.Path, m.Mountpoint, m.Release, cfg.NFS.Slow, cfg.NFS.Secure, o.mounter), nil

	case config.MediaTape:
		return &Tape{
			Device:     cfg.Tape.Device,
			ScratchDir: cfg.Tape.ScratchDir,
			ExtractCmd: cfg.Tape.ExtractCmd,
			Release:    m.Release,
		}, nil

	case config.MediaFTP:
		timeout, err := cfg.FTP.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		return &FTP{
			Host:     cfg.FTP.Host,
			Port:     cfg.FTP.Port,
			User:     cfg.FTP.User,
			Password: cfg.FTP.Password,
			Passive:  cfg.FTP.Passive,
			Dir:      cfg.FTP.Dir,
			Release:  m.Release,
			Arch:     m.Arch,
			Timeout:  timeout,
			Chooser:  o.chooser,
		}, nil

	case config.MediaHTTP:
		// The proxy transport shares the FTP timeout setting.
		timeout, err := cfg.FTP.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		return &HTTPProxy{Proxy: cfg.HTTP.Proxy, BaseURL: cfg.HTTP.URL, Timeout: timeout}, nil

	case config.MediaS3:
		client := o.s3Client
		if client == nil {
			client = NewS3Client(cfg.S3.Endpoint, cfg.S3.Region)
		}
		return &S3{Client: client, Bucket: cfg.S3.Bucket, Prefix: cfg.S3.Prefix, Release: m.Release}, nil

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidMediaType, m.Type)
	}
}
