// SPDX-License-Identifier: MPL-2.0

package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"path"
	"strconv"
	"time"

	"github.com/sysinst/sysinst/internal/issue"
)

// ReleaseChoice is the operator's answer when no server directory carries
// the wanted release.
type ReleaseChoice int

const (
	// RetryOtherServer abandons this server so another can be configured.
	RetryOtherServer ReleaseChoice = iota
	// AcceptAnyRelease keeps the base directory and fetches whatever it holds.
	AcceptAnyRelease
)

// ReleaseChooser is asked once when the release directory search is exhausted.
type ReleaseChooser func(ctx context.Context, host, release string) ReleaseChoice

// FTP fetches distributions from an FTP server.
type FTP struct {
	Host     string
	Port     int
	User     string
	Password string
	Passive  bool
	// Dir is changed into right after login.
	Dir     string
	Release string
	Arch    string
	Timeout time.Duration
	Chooser ReleaseChooser

	conn *ftpConn
	// release is the release segment used in path variants; empty once the
	// operator accepted any release.
	release     string
	initialized bool
}

// releaseDirs lists the directories searched for the release, in order.
func releaseDirs(arch string) []string {
	return []string{
		"",
		path.Join("releases", arch),
		path.Join("snapshots", arch),
		"pub/FreeBSD",
		path.Join("pub/FreeBSD/releases", arch),
		path.Join("pub/FreeBSD/snapshots", arch),
	}
}

// Name implements Source.
func (f *FTP) Name() string { return "ftp" }

// Init logs in and changes into the release directory.
func (f *FTP) Init(ctx context.Context) error {
	if f.initialized {
		return nil
	}

	port := f.Port
	if port == 0 {
		port = 21
	}
	addr := net.JoinHostPort(f.Host, strconv.Itoa(port))

	conn, err := dialFTP(ctx, addr, f.Timeout)
	if err != nil {
		return issue.New(issue.KindTransient, "connect", addr, err)
	}

	user := f.User
	if user == "" {
		user = "anonymous"
	}
	if err := conn.login(user, f.Password); err != nil {
		conn.quit()
		return issue.New(issue.KindProtocol, "login", addr, err)
	}
	if err := conn.binary(); err != nil {
		conn.quit()
		return issue.New(issue.KindProtocol, "set binary mode", addr, err)
	}
	if f.Dir != "" {
		if err := conn.cwd(f.Dir); err != nil {
			conn.quit()
			return issue.New(issue.KindResource, "change directory", f.Dir, err)
		}
	}

	if err := f.locateRelease(ctx, conn); err != nil {
		conn.quit()
		return err
	}

	f.conn = conn
	f.initialized = true
	return nil
}

func (f *FTP) locateRelease(ctx context.Context, conn *ftpConn) error {
	if f.Release == "" {
		f.release = ""
		return nil
	}

	base, err := conn.pwd()
	if err != nil {
		return issue.New(issue.KindProtocol, "print directory", f.Host, err)
	}

	for _, dir := range releaseDirs(f.Arch) {
		candidate := path.Join(base, dir, f.Release)
		if err := conn.cwd(candidate); err != nil {
			if !isReplyError(err) {
				return issue.New(issue.KindTransient, "change directory", candidate, err)
			}
			slog.Debug("release directory missing", "host", f.Host, "dir", candidate)
			continue
		}
		slog.Debug("release directory found", "host", f.Host, "dir", candidate)
		f.release = f.Release
		return nil
	}

	choice := RetryOtherServer
	if f.Chooser != nil {
		choice = f.Chooser(ctx, f.Host, f.Release)
	}
	if choice != AcceptAnyRelease {
		return issue.New(issue.KindResource, "locate release", f.Release, ErrReleaseNotFound)
	}

	slog.Warn("release not found on server, using base directory", "host", f.Host, "release", f.Release, "dir", base)
	if err := conn.cwd(base); err != nil {
		return issue.New(issue.KindTransient, "change directory", base, err)
	}
	f.release = ""
	return nil
}

// Fetch retrieves file, trying the qualified path variants on 550. A
// transient failure reconnects and retries once.
func (f *FTP) Fetch(ctx context.Context, file string, _ bool) (io.ReadCloser, error) {
	if err := f.Init(ctx); err != nil {
		return nil, err
	}

	rc, err := f.retrieve(ctx, file)
	if err == nil || issue.KindOf(err) != issue.KindTransient {
		return rc, err
	}

	slog.Debug("ftp transfer failed, reconnecting", "host", f.Host, "file", file, "error", err)
	f.drop()
	if err := f.Init(ctx); err != nil {
		return nil, err
	}
	return f.retrieve(ctx, file)
}

func (f *FTP) variants(file string) []string {
	list := []string{file, path.Join("releases", file)}
	if f.release != "" {
		list = append(list, path.Join(f.release, file), path.Join(f.release, "releases", file))
	}
	return list
}

func (f *FTP) retrieve(ctx context.Context, file string) (io.ReadCloser, error) {
	for _, p := range f.variants(file) {
		rc, err := f.conn.retrieve(ctx, p, f.Passive)
		if err == nil {
			return rc, nil
		}
		if !isPermanentMiss(err) {
			return nil, issue.New(issue.KindTransient, "retrieve", p, err)
		}
	}
	return nil, issue.NotFound("fetch", file)
}

// drop discards the connection without a polite QUIT.
func (f *FTP) drop() {
	if f.conn != nil {
		f.conn.close()
	}
	f.conn = nil
	f.initialized = false
}

// Shutdown ends the session.
func (f *FTP) Shutdown(_ context.Context) error {
	if f.conn != nil {
		f.conn.quit()
	}
	f.conn = nil
	f.initialized = false
	return nil
}

func isReplyError(err error) bool {
	var te *textproto.Error
	return errors.As(err, &te)
}
