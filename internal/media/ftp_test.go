// SPDX-License-Identifier: MPL-2.0

package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sysinst/sysinst/internal/issue"
)

// fakeFTP is a minimal in-process FTP server over a virtual tree.
type fakeFTP struct {
	t    *testing.T
	ln   net.Listener
	dirs map[string]bool
	// files maps absolute paths to contents.
	files map[string]string

	mu sync.Mutex
	// transientRetrs is how many RETRs fail with 421 and a dropped connection.
	transientRetrs int
	cwds           []string
	retrs          []string
	logins         int
}

func newFakeFTP(t *testing.T, files map[string]string) *fakeFTP {
	t.Helper()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeFTP{t: t, ln: ln, dirs: map[string]bool{"/": true}, files: files}
	for p := range files {
		for d := path.Dir(p); ; d = path.Dir(d) {
			s.dirs[d] = true
			if d == "/" {
				break
			}
		}
	}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *fakeFTP) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *fakeFTP) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeFTP) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	r := textproto.NewReader(bufio.NewReader(conn))
	reply := func(format string, args ...any) {
		_, _ = fmt.Fprintf(conn, format+"\r\n", args...)
	}

	cwd := "/"
	var pasv net.Listener
	var portAddr string
	defer func() {
		if pasv != nil {
			_ = pasv.Close()
		}
	}()

	reply("220 fake ftp ready")
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "USER":
			reply("331 password please")
		case "PASS":
			s.mu.Lock()
			s.logins++
			s.mu.Unlock()
			reply("230 logged in")
		case "TYPE":
			reply("200 type set")
		case "PWD":
			reply(`257 "%s" is current directory`, cwd)
		case "CWD":
			target := s.resolve(cwd, arg)
			s.mu.Lock()
			s.cwds = append(s.cwds, target)
			s.mu.Unlock()
			if !s.dirs[target] {
				reply("550 %s: no such directory", arg)
				continue
			}
			cwd = target
			reply("250 ok")
		case "PASV":
			if pasv != nil {
				_ = pasv.Close()
			}
			pasv, err = net.Listen("tcp4", "127.0.0.1:0")
			if err != nil {
				reply("425 cannot open data connection")
				continue
			}
			p := pasv.Addr().(*net.TCPAddr).Port
			reply("227 Entering Passive Mode (127,0,0,1,%d,%d)", p>>8, p&0xff)
		case "PORT":
			f := strings.Split(arg, ",")
			hi, _ := strconv.Atoi(f[4])
			lo, _ := strconv.Atoi(f[5])
			portAddr = net.JoinHostPort(strings.Join(f[:4], "."), strconv.Itoa(hi<<8|lo))
			reply("200 port ok")
		case "RETR":
			target := s.resolve(cwd, arg)
			s.mu.Lock()
			s.retrs = append(s.retrs, arg)
			transient := s.transientRetrs > 0
			if transient {
				s.transientRetrs--
			}
			content, ok := s.files[target]
			s.mu.Unlock()

			if transient {
				reply("421 service not available, closing control connection")
				return
			}
			if !ok {
				if pasv != nil {
					_ = pasv.Close()
					pasv = nil
				}
				reply("550 %s: no such file", arg)
				continue
			}

			reply("150 opening binary data connection")
			var data net.Conn
			if pasv != nil {
				data, err = pasv.Accept()
				_ = pasv.Close()
				pasv = nil
			} else {
				data, err = net.Dial("tcp4", portAddr)
			}
			if err != nil {
				reply("425 cannot open data connection")
				continue
			}
			_, _ = data.Write([]byte(content))
			_ = data.Close()
			reply("226 transfer complete")
		case "QUIT":
			reply("221 bye")
			return
		default:
			reply("502 not implemented")
		}
	}
}

func (s *fakeFTP) resolve(cwd, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(cwd, p)
}

func (s *fakeFTP) snapshot() (cwds, retrs []string, logins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cwds), slices.Clone(s.retrs), s.logins
}

func (s *fakeFTP) source(release string) *FTP {
	return &FTP{
		Host:     "127.0.0.1",
		Port:     s.port(),
		Password: "test@",
		Passive:  true,
		Release:  release,
		Arch:     "amd64",
		Timeout:  5 * time.Second,
	}
}

func TestFTPReleaseProbeOrder(t *testing.T) {
	t.Parallel()

	srv := newFakeFTP(t, map[string]string{
		"/pub/FreeBSD/14.1-RELEASE/bin/bin.inf": "pieces = 1\n",
	})
	src := srv.source("14.1-RELEASE")
	t.Cleanup(func() { _ = src.Shutdown(context.Background()) })

	rc, err := src.Fetch(t.Context(), "bin/bin.inf", true)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got := readAll(t, rc); got != "pieces = 1\n" {
		t.Errorf("content = %q", got)
	}

	cwds, _, _ := srv.snapshot()
	want := []string{
		"/14.1-RELEASE",
		"/releases/amd64/14.1-RELEASE",
		"/snapshots/amd64/14.1-RELEASE",
		"/pub/FreeBSD/14.1-RELEASE",
	}
	if !slices.Equal(cwds, want) {
		t.Errorf("CWD sequence = %v, want %v", cwds, want)
	}
}

func TestFTPReleaseExhaustion(t *testing.T) {
	t.Parallel()

	files := map[string]string{"/bin.inf": "pieces = 1\n"}

	t.Run("retry other server", func(t *testing.T) {
		t.Parallel()

		srv := newFakeFTP(t, files)
		src := srv.source("14.1-RELEASE")
		calls := 0
		src.Chooser = func(_ context.Context, host, release string) ReleaseChoice {
			calls++
			if release != "14.1-RELEASE" || host != "127.0.0.1" {
				t.Errorf("chooser called with %q %q", host, release)
			}
			return RetryOtherServer
		}

		_, err := src.Fetch(t.Context(), "bin.inf", false)
		if !errors.Is(err, ErrReleaseNotFound) {
			t.Fatalf("error = %v, want ErrReleaseNotFound", err)
		}
		if calls != 1 {
			t.Errorf("chooser called %d times, want 1", calls)
		}
		cwds, _, _ := srv.snapshot()
		if len(cwds) != len(releaseDirs("amd64")) {
			t.Errorf("probed %d directories, want %d: %v", len(cwds), len(releaseDirs("amd64")), cwds)
		}
	})

	t.Run("accept any", func(t *testing.T) {
		t.Parallel()

		srv := newFakeFTP(t, files)
		src := srv.source("14.1-RELEASE")
		src.Chooser = func(context.Context, string, string) ReleaseChoice { return AcceptAnyRelease }
		t.Cleanup(func() { _ = src.Shutdown(context.Background()) })

		rc, err := src.Fetch(t.Context(), "bin.inf", false)
		if err != nil {
			t.Fatalf("Fetch error: %v", err)
		}
		_ = readAll(t, rc)
	})
}

func TestFTPPathVariantsOn550(t *testing.T) {
	t.Parallel()

	srv := newFakeFTP(t, map[string]string{
		"/14.1-RELEASE/releases/src.tgz": "payload",
	})
	src := srv.source("14.1-RELEASE")
	t.Cleanup(func() { _ = src.Shutdown(context.Background()) })

	rc, err := src.Fetch(t.Context(), "src.tgz", false)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got := readAll(t, rc); got != "payload" {
		t.Errorf("content = %q", got)
	}

	_, err = src.Fetch(t.Context(), "missing.tgz", false)
	if !issue.IsNotFound(err) {
		t.Fatalf("error = %v, want not found", err)
	}

	_, retrs, _ := srv.snapshot()
	want := []string{
		"src.tgz", "releases/src.tgz",
		"missing.tgz", "releases/missing.tgz", "14.1-RELEASE/missing.tgz", "14.1-RELEASE/releases/missing.tgz",
	}
	if !slices.Equal(retrs, want) {
		t.Errorf("RETR sequence = %v, want %v", retrs, want)
	}
}

func TestFTPTransientReconnectsOnce(t *testing.T) {
	t.Parallel()

	srv := newFakeFTP(t, map[string]string{"/14.1-RELEASE/bin.tgz": "data"})
	srv.transientRetrs = 1
	src := srv.source("14.1-RELEASE")
	t.Cleanup(func() { _ = src.Shutdown(context.Background()) })

	rc, err := src.Fetch(t.Context(), "bin.tgz", false)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got := readAll(t, rc); got != "data" {
		t.Errorf("content = %q", got)
	}
	if _, _, logins := srv.snapshot(); logins != 2 {
		t.Errorf("logins = %d, want 2 (one reconnect)", logins)
	}
}

func TestFTPTransientTwiceFails(t *testing.T) {
	t.Parallel()

	srv := newFakeFTP(t, map[string]string{"/14.1-RELEASE/bin.tgz": "data"})
	srv.transientRetrs = 2
	src := srv.source("14.1-RELEASE")
	t.Cleanup(func() { _ = src.Shutdown(context.Background()) })

	_, err := src.Fetch(t.Context(), "bin.tgz", false)
	if issue.KindOf(err) != issue.KindTransient {
		t.Fatalf("error = %v, want transient kind", err)
	}
}

func TestFTPActiveMode(t *testing.T) {
	t.Parallel()

	srv := newFakeFTP(t, map[string]string{"/pub/dist/14.1-RELEASE/base.tgz": "active"})
	src := srv.source("14.1-RELEASE")
	src.Passive = false
	src.Dir = "/pub/dist"
	t.Cleanup(func() { _ = src.Shutdown(context.Background()) })

	rc, err := src.Fetch(t.Context(), "base.tgz", false)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if got := readAll(t, rc); got != "active" {
		t.Errorf("content = %q", got)
	}
}

func TestFTPConnectFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	src := &FTP{Host: "127.0.0.1", Port: port, Timeout: time.Second}
	if err := src.Init(t.Context()); issue.KindOf(err) != issue.KindTransient {
		t.Fatalf("error = %v, want transient kind", err)
	}
	if err := src.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown after failed Init: %v", err)
	}
}

func TestParsePassivePort(t *testing.T) {
	t.Parallel()

	tests := []struct {
		msg     string
		want    int
		wantErr bool
	}{
		{"Entering Passive Mode (127,0,0,1,195,80)", 195<<8 | 80, false},
		{"Entering Passive Mode (10,1,2,3,0,21).", 21, false},
		{"Entering Passive Mode 127,0,0,1,1,1", 0, true},
		{"Entering Passive Mode (127,0,0,1,300,1)", 0, true},
		{"Entering Passive Mode (127,0,0,1)", 0, true},
	}

	for _, tt := range tests {
		got, err := parsePassivePort(tt.msg)
		if (err != nil) != tt.wantErr {
			t.Errorf("parsePassivePort(%q) error = %v, wantErr %v", tt.msg, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePassivePort(%q) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}
